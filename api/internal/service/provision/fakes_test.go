package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/splax/runway/api/internal/cloud"
	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/scm"
	"github.com/splax/runway/pkg/config"
)

type fakeCloud struct {
	mu            sync.Mutex
	enableErr     map[string]error
	enabled       map[string]int
	enableDelay   time.Duration
	inFlight      int
	peakInFlight  int
	accounts      map[string]domain.ServiceIdentity
	createCalls   int
	policy        cloud.Policy
	getPolicyErr  error
	setPolicyErr  error
	setPolicyCall int
	notVisibleFor int
	visibleCalls  int
	keyErr        error
	keys          int
	cancelOnKey   context.CancelFunc
	projects      []domain.CloudProject
	projectsErr   error
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		enableErr: map[string]error{},
		enabled:   map[string]int{},
		accounts:  map[string]domain.ServiceIdentity{},
	}
}

func (f *fakeCloud) EnableAPI(_ context.Context, _, api string) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.peakInFlight {
		f.peakInFlight = f.inFlight
	}
	f.mu.Unlock()
	time.Sleep(f.enableDelay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if err := f.enableErr[api]; err != nil {
		return err
	}
	f.enabled[api]++
	return nil
}

func (f *fakeCloud) CreateOrGetServiceIdentity(_ context.Context, projectID, accountID, _ string) (domain.ServiceIdentity, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	email := cloud.ServiceAccountEmail(accountID, projectID)
	if id, ok := f.accounts[email]; ok {
		return id, false, nil
	}
	id := domain.ServiceIdentity{Email: email, Name: "projects/" + projectID + "/serviceAccounts/" + email, ProjectID: projectID}
	f.accounts[email] = id
	return id, true, nil
}

func (f *fakeCloud) GetServiceIdentity(_ context.Context, _, email string) (domain.ServiceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibleCalls++
	if f.visibleCalls <= f.notVisibleFor {
		return domain.ServiceIdentity{}, cloud.ErrNotFound
	}
	id, ok := f.accounts[email]
	if !ok {
		return domain.ServiceIdentity{}, cloud.ErrNotFound
	}
	return id, nil
}

func (f *fakeCloud) GetAccessPolicy(context.Context, string) (*cloud.Policy, error) {
	if f.getPolicyErr != nil {
		return nil, f.getPolicyErr
	}
	copied := cloud.Policy{Etag: f.policy.Etag}
	for _, b := range f.policy.Bindings {
		copied.Bindings = append(copied.Bindings, cloud.Binding{Role: b.Role, Members: append([]string(nil), b.Members...)})
	}
	return &copied, nil
}

func (f *fakeCloud) SetAccessPolicy(_ context.Context, _ string, p *cloud.Policy) error {
	f.setPolicyCall++
	if f.setPolicyErr != nil {
		return f.setPolicyErr
	}
	f.policy = *p
	return nil
}

func (f *fakeCloud) CreateKey(context.Context, domain.ServiceIdentity) (string, error) {
	if f.cancelOnKey != nil {
		f.cancelOnKey()
	}
	if f.keyErr != nil {
		return "", f.keyErr
	}
	f.keys++
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf(`{"type":"service_account","key":%d}`, f.keys))), nil
}

func (f *fakeCloud) ListRevisions(context.Context, string, string, string) ([]domain.Revision, error) {
	return nil, errors.New("not used")
}

func (f *fakeCloud) UpdateTrafficSplit(context.Context, string, string, string, map[string]int64) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeCloud) ListProjects(context.Context) ([]domain.CloudProject, error) {
	return f.projects, f.projectsErr
}

type fakeSCM struct {
	pub, priv  *[32]byte
	secrets    map[string]string
	putErr     map[string]error
	files      map[string]string
	commits    int
	refErr     error
	putFileErr error
}

func newFakeSCM() *fakeSCM {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return &fakeSCM{pub: pub, priv: priv, secrets: map[string]string{}, putErr: map[string]error{}, files: map[string]string{}}
}

func (f *fakeSCM) GetPublicKey(context.Context, scm.Repository) (scm.PublicKey, error) {
	return scm.PublicKey{KeyID: "k", Key: base64.StdEncoding.EncodeToString(f.pub[:])}, nil
}

func (f *fakeSCM) PutSecret(_ context.Context, _ scm.Repository, name, value, _ string) error {
	if err := f.putErr[name]; err != nil {
		return err
	}
	f.secrets[name] = value
	return nil
}

func (f *fakeSCM) ListSecretNames(context.Context, scm.Repository) ([]string, error) {
	names := make([]string, 0, len(f.secrets))
	for n := range f.secrets {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeSCM) GetFileSHA(_ context.Context, _ scm.Repository, path, _ string) (string, error) {
	if _, ok := f.files[path]; ok {
		return "sha-" + path, nil
	}
	return "", scm.ErrNotFound
}

func (f *fakeSCM) PutFile(_ context.Context, _ scm.Repository, path, _, _ string, content []byte, _ string) (string, error) {
	if f.putFileErr != nil {
		return "", f.putFileErr
	}
	f.files[path] = string(content)
	f.commits++
	return fmt.Sprintf("c%d", f.commits), nil
}

func (f *fakeSCM) GetBranchHead(context.Context, scm.Repository, string) (scm.BranchHead, error) {
	return scm.BranchHead{CommitSHA: "head", TreeSHA: "tree"}, nil
}

func (f *fakeSCM) CreateBlob(_ context.Context, _ scm.Repository, content []byte) (string, error) {
	return "blob-" + string(content[:min(len(content), 4)]), nil
}

func (f *fakeSCM) CreateTree(context.Context, scm.Repository, string, []scm.TreeEntry) (string, error) {
	return "new-tree", nil
}

func (f *fakeSCM) CreateCommit(context.Context, scm.Repository, string, string, []string) (string, error) {
	return "atomic-commit", nil
}

func (f *fakeSCM) UpdateRef(context.Context, scm.Repository, string, string) error {
	if f.refErr != nil {
		return f.refErr
	}
	f.commits++
	return nil
}

func (f *fakeSCM) CreateIssue(context.Context, scm.Repository, string, string, []string) (scm.Issue, error) {
	return scm.Issue{}, errors.New("not used")
}

func (f *fakeSCM) ListWorkflowRuns(context.Context, scm.Repository, string, int) ([]domain.WorkflowRun, error) {
	return nil, errors.New("not used")
}

func (f *fakeSCM) ListRunJobs(context.Context, scm.Repository, int64) ([]domain.WorkflowJob, error) {
	return nil, errors.New("not used")
}

type fakeLedger struct {
	mu      sync.Mutex
	rows    map[string]domain.ProjectRecord
	err     error
	upserts int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]domain.ProjectRecord{}}
}

func (f *fakeLedger) UpsertProject(_ context.Context, record *domain.ProjectRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.err != nil {
		return f.err
	}
	if existing, ok := f.rows[record.LedgerKey()]; ok {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	}
	f.rows[record.LedgerKey()] = *record
	return nil
}

func testConfig() config.ProvisionConfig {
	return config.ProvisionConfig{
		DefaultRegion:        "asia-northeast3",
		DefaultBranch:        "main",
		CommitMessage:        "Setup CI/CD with Cloud Run deployment",
		EnableParallelism:    3,
		SettleAttempts:       3,
		SettleInitialBackoff: time.Millisecond,
	}
}

func testRequest() domain.ProvisioningRequest {
	return domain.ProvisioningRequest{
		Repository:           "acme/web",
		CloudProjectID:       "demo-project",
		ServiceName:          "Web-App",
		Region:               "us-central1",
		EnvironmentVariables: map[string]string{"DATABASE_URL": "postgres://db", "API_KEY": "k"},
	}
}
