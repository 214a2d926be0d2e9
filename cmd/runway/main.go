package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/runway/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL   string `json:"api_base_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "signup":
		err = commandAuth(args, true)
	case "login":
		err = commandAuth(args, false)
	case "link":
		err = commandLink(args)
	case "provision":
		err = commandProvision(args)
	case "runs":
		err = commandRuns(args)
	case "rollback":
		err = commandRollback(args)
	case "revisions":
		err = commandRevisions(args)
	case "projects":
		err = commandProjects(args)
	case "verify":
		err = commandVerify(args)
	case "deployments":
		err = commandDeployments(args)
	case "cloud":
		err = commandCloud(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && len(apiErr.Steps) > 0 {
			printSteps(os.Stderr, apiErr.Steps)
		}
		os.Exit(1)
	}
}

func commandAuth(args []string, signup bool) error {
	name := "login"
	if signup {
		name = "signup"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+apiclient.DefaultBaseURL+")")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret, err := readSecret("Password: ", *password)
	if err != nil {
		return err
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var resp apiclient.LoginResponse
	if signup {
		resp, err = client.Signup(ctx, *email, secret)
	} else {
		resp, err = client.Login(ctx, *email, secret)
	}
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	cfg.RefreshToken = resp.Tokens.RefreshToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("%s successful: %s\n", name, resp.User.Email)
	return nil
}

func commandLink(args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	provider := fs.String("provider", "", "Provider to link (github|google)")
	account := fs.String("account", "", "Account name shown in listings")
	token := fs.String("token", "", "Provider access token (supply to avoid prompt)")
	fs.Parse(args)

	if strings.TrimSpace(*provider) == "" {
		return errors.New("--provider is required")
	}
	secret, err := readSecret("Access token: ", *token)
	if err != nil {
		return err
	}
	client, accessToken, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	linkage, err := client.Link(ctx, accessToken, *provider, *account, secret)
	if err != nil {
		return err
	}
	fmt.Printf("linked %s account %s\n", linkage.Provider, linkage.AccountName)
	return nil
}

// envFlags collects repeated KEY=VALUE flags.
type envFlags map[string]string

func (e envFlags) String() string { return fmt.Sprintf("%d vars", len(e)) }

func (e envFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	e[strings.TrimSpace(key)] = value
	return nil
}

func commandProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository as owner/name")
	project := fs.String("project", "", "Cloud project id")
	service := fs.String("service", "", "Cloud Run service name")
	region := fs.String("region", "", "Deployment region (server default when empty)")
	branch := fs.String("branch", "", "Branch to commit to (server default when empty)")
	timeout := fs.Duration("timeout", 10*time.Minute, "Maximum time to wait for the run")
	env := envFlags{}
	fs.Var(env, "env", "Environment variable KEY=VALUE, repeatable")
	fs.Parse(args)

	for flagName, v := range map[string]string{"--repo": *repo, "--project": *project, "--service": *service} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", flagName)
		}
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("provisioning %s -> %s/%s ...\n", *repo, *project, *service)
	res, err := client.Provision(ctx, token, apiclient.ProvisionRequest{
		Repository:           *repo,
		CloudProjectID:       *project,
		ServiceName:          *service,
		Region:               *region,
		Branch:               *branch,
		EnvironmentVariables: env,
	})
	if err != nil {
		return err
	}
	printSteps(os.Stdout, res.Steps)
	if res.Project != nil {
		fmt.Printf("project %s ready: %s\n", res.Project.ID, res.Project.DeploymentURL)
	}
	return nil
}

func commandRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum number of runs")
	fs.Parse(args)

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	runs, err := client.ListRuns(ctx, token, *limit)
	if err != nil {
		return err
	}
	for _, run := range runs {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", run.ID, run.Status, run.Repository, run.ServiceName, run.StartedAt.Format(time.RFC3339))
	}
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	reason := fs.String("reason", "", "Reason recorded on the audit issue")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := client.Rollback(ctx, token, *projectID, *reason)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back %s -> %s\n", res.Previous, res.Current)
	if res.URL != "" {
		fmt.Printf("url: %s\n", res.URL)
	}
	if res.IssueNumber > 0 {
		fmt.Printf("audit issue: #%d\n", res.IssueNumber)
	}
	return nil
}

func commandRevisions(args []string) error {
	fs := flag.NewFlagSet("revisions", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	revisions, err := client.Revisions(ctx, token, *projectID)
	if err != nil {
		return err
	}
	for _, rev := range revisions {
		marker := " "
		if rev.Active {
			marker = "*"
		}
		fmt.Printf("%s %s\t%d%%\t%s\n", marker, rev.Name, rev.TrafficPercent, rev.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandProjects(args []string) error {
	if len(args) > 0 && args[0] == "delete" {
		fs := flag.NewFlagSet("projects delete", flag.ExitOnError)
		projectID := fs.String("project", "", "Project identifier")
		fs.Parse(args[1:])
		if strings.TrimSpace(*projectID) == "" {
			return errors.New("--project is required")
		}
		client, token, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := client.DeleteProject(ctx, token, *projectID); err != nil {
			return err
		}
		fmt.Println("project record deleted")
		return nil
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	projects, err := client.ListProjects(ctx, token)
	if err != nil {
		return err
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Repository < projects[j].Repository })
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s/%s\t%s\n", p.ID, p.Repository, p.CloudProjectID, p.ServiceName, p.DeploymentURL)
	}
	return nil
}

func commandVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	v, err := client.Verify(ctx, token, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("workflow present: %t\n", v.WorkflowPresent)
	if len(v.MissingSecrets) > 0 {
		fmt.Printf("missing secrets: %s\n", strings.Join(v.MissingSecrets, ", "))
	}
	if !v.Ready {
		return errors.New("repository is not ready to deploy")
	}
	fmt.Println("ready")
	return nil
}

func commandDeployments(args []string) error {
	fs := flag.NewFlagSet("deployments", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	runID := fs.Int64("run", 0, "Show jobs of this workflow run")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d, err := client.Deployments(ctx, token, *projectID, *runID)
	if err != nil {
		return err
	}
	for _, run := range d.Runs {
		result := run.Conclusion
		if result == "" {
			result = run.Status
		}
		fmt.Printf("#%d\t%d\t%s\t%s\t%s\n", run.RunNumber, run.ID, result, run.HeadBranch, run.CreatedAt.Format(time.RFC3339))
	}
	for _, job := range d.Jobs {
		fmt.Printf("%s (%s)\n", job.Name, job.Status)
		for _, step := range job.Steps {
			fmt.Printf("  %2d %-30s %s\n", step.Number, step.Name, step.Conclusion)
		}
	}
	return nil
}

func commandCloud(args []string) error {
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if len(args) > 0 && args[0] == "projects" {
		projects, err := client.CloudProjects(ctx, token)
		if err != nil {
			return err
		}
		for _, p := range projects {
			fmt.Printf("%s\t%s\n", p.ProjectID, p.Name)
		}
		return nil
	}
	conn, err := client.CloudConnection(ctx, token)
	if err != nil {
		return err
	}
	switch {
	case !conn.Linked:
		return errors.New("google account not linked")
	case !conn.ValidToken:
		return fmt.Errorf("google token rejected: %s", conn.Error)
	}
	fmt.Printf("connected, %d projects visible\n", conn.ProjectCount)
	return nil
}

func printSteps(out io.Writer, steps []apiclient.StepResult) {
	for _, s := range steps {
		fmt.Fprintf(out, "  %-18s %-18s %s\n", s.Step, s.Outcome, s.Detail)
	}
}

func readSecret(prompt, supplied string) (string, error) {
	if secret := strings.TrimSpace(supplied); secret != "" {
		return secret, nil
	}
	fmt.Print(prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(bytes)), nil
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'runway login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RUNWAY_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "runway", "config.json"), nil
}

func printUsage() {
	fmt.Printf("runway CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	runway signup --email user@example.com [--password secret] [--api http://localhost:4000]
	runway login --email user@example.com [--password secret] [--api http://localhost:4000]
	runway link --provider github|google [--account name] [--token value]
	runway provision --repo owner/name --project <gcp-project> --service <name> [--region r] [--branch b] [--env KEY=VALUE ...]
	runway runs [--limit N]
	runway revisions --project <project-id>
	runway rollback --project <project-id> [--reason text]
	runway projects [delete --project <project-id>]
	runway verify --project <project-id>
	runway deployments --project <project-id> [--run <run-id>]
	runway cloud [projects]
	runway version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
