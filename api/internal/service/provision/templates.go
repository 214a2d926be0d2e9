package provision

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// WorkflowPath is where the default deploy workflow is committed.
const WorkflowPath = ".github/workflows/deploy.yml"

const (
	accountSuffix     = "-deployer"
	maxAccountIDLen   = 30
	fallbackAccount   = "runway"
	urlHashLength     = 8
	accountHashLength = 6
	workflowDirPrefix = ".github/workflows/"
)

// AccountID derives the service account id for a service. The result is
// stable for a given service name so re-runs resolve the same identity.
// Names that had to be rewritten or shortened carry a hash of the original
// so distinct services never share an account.
func AccountID(serviceName string) string {
	name := strings.ToLower(strings.TrimSpace(serviceName))
	var b strings.Builder
	lastDash := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	base := strings.Trim(b.String(), "-")
	if base == "" {
		base = fallbackAccount
	}
	if base[0] < 'a' || base[0] > 'z' {
		base = "s" + base
	}
	limit := maxAccountIDLen - len(accountSuffix)
	if base == name && len(base) <= limit {
		return base + accountSuffix
	}
	sum := sha256.Sum256([]byte(name))
	tag := hex.EncodeToString(sum[:])[:accountHashLength]
	if keep := limit - len(tag) - 1; len(base) > keep {
		base = strings.TrimRight(base[:keep], "-")
	}
	return base + "-" + tag + accountSuffix
}

// DeploymentURL is the expected Cloud Run URL for a service.
func DeploymentURL(serviceName, projectID, region string) string {
	sum := md5.Sum([]byte(projectID))
	hash := hex.EncodeToString(sum[:])[:urlHashLength]
	return fmt.Sprintf("https://%s-%s-%s.a.run.app", strings.ToLower(serviceName), hash, region)
}

// DefaultFiles returns the starter pipeline for a service.
func DefaultFiles(projectID, serviceName, region, branch string) map[string]string {
	return map[string]string{
		WorkflowPath: renderWorkflow(projectID, serviceName, region, branch),
		"Dockerfile": renderDockerfile(),
	}
}

func workflowPath(files map[string]string) string {
	if _, ok := files[WorkflowPath]; ok {
		return WorkflowPath
	}
	best := ""
	for path := range files {
		if strings.HasPrefix(path, workflowDirPrefix) && (best == "" || path < best) {
			best = path
		}
	}
	if best == "" {
		return WorkflowPath
	}
	return best
}

func renderWorkflow(projectID, serviceName, region, branch string) string {
	image := "gcr.io/$PROJECT_ID/$SERVICE_NAME_LOWER:${{ github.sha }}"
	var b strings.Builder
	b.WriteString("name: Deploy to Cloud Run\n\n")
	b.WriteString("on:\n")
	b.WriteString("  push:\n")
	b.WriteString("    branches:\n")
	b.WriteString("      - " + branch + "\n")
	b.WriteString("    paths-ignore:\n")
	b.WriteString("      - '.github/workflows/**'\n")
	b.WriteString("      - '*.md'\n")
	b.WriteString("      - 'LICENSE'\n")
	b.WriteString("  workflow_dispatch:\n\n")
	b.WriteString("env:\n")
	b.WriteString("  PROJECT_ID: " + projectID + "\n")
	b.WriteString("  SERVICE_NAME: " + serviceName + "\n")
	b.WriteString("  SERVICE_NAME_LOWER: " + strings.ToLower(serviceName) + "\n")
	b.WriteString("  REGION: " + region + "\n\n")
	b.WriteString("jobs:\n")
	b.WriteString("  deploy:\n")
	b.WriteString("    runs-on: ubuntu-latest\n\n")
	b.WriteString("    steps:\n")
	b.WriteString("    - name: Checkout code\n")
	b.WriteString("      uses: actions/checkout@v4\n\n")
	b.WriteString("    - name: Authenticate to Google Cloud\n")
	b.WriteString("      uses: google-github-actions/auth@v2\n")
	b.WriteString("      with:\n")
	b.WriteString("        credentials_json: ${{ secrets.GCP_SA_KEY }}\n\n")
	b.WriteString("    - name: Set up Cloud SDK\n")
	b.WriteString("      uses: google-github-actions/setup-gcloud@v2\n\n")
	b.WriteString("    - name: Configure Docker\n")
	b.WriteString("      run: gcloud auth configure-docker\n\n")
	b.WriteString("    - name: Build and push image\n")
	b.WriteString("      run: |\n")
	b.WriteString("        docker build -t " + image + " .\n")
	b.WriteString("        docker push " + image + "\n\n")
	b.WriteString("    - name: Deploy to Cloud Run\n")
	b.WriteString("      run: |\n")
	b.WriteString("        gcloud run deploy $SERVICE_NAME_LOWER \\\n")
	b.WriteString("          --image " + image + " \\\n")
	b.WriteString("          --region $REGION \\\n")
	b.WriteString("          --platform managed \\\n")
	b.WriteString("          --allow-unauthenticated \\\n")
	b.WriteString("          --format json > deployment-output.json\n")
	b.WriteString("        SERVICE_URL=$(jq -r '.status.url' deployment-output.json)\n")
	b.WriteString("        echo \"SERVICE_URL=$SERVICE_URL\" >> $GITHUB_ENV\n")
	return b.String()
}

func renderDockerfile() string {
	var b strings.Builder
	b.WriteString("FROM python:3.12-slim\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("RUN pip install --no-cache-dir Flask\n\n")
	b.WriteString("RUN printf '%s\\n' \\\n")
	b.WriteString("    'import os' \\\n")
	b.WriteString("    'from flask import Flask' \\\n")
	b.WriteString("    'app = Flask(__name__)' \\\n")
	b.WriteString("    '@app.route(\"/\")' \\\n")
	b.WriteString("    'def hello():' \\\n")
	b.WriteString("    '    return \"Deployed on Cloud Run\"' \\\n")
	b.WriteString("    'if __name__ == \"__main__\":' \\\n")
	b.WriteString("    '    app.run(host=\"0.0.0.0\", port=int(os.environ.get(\"PORT\", 8080)))' \\\n")
	b.WriteString("    > app.py\n\n")
	b.WriteString("ENV PORT=8080\n")
	b.WriteString("EXPOSE 8080\n")
	b.WriteString("CMD [\"python\", \"app.py\"]\n")
	return b.String()
}
