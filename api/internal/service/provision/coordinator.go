// Package provision runs the provisioning saga: it prepares a cloud project
// for a repository's deploy pipeline, publishes the pipeline secrets, commits
// the pipeline files and records the result in the project ledger.
package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/splax/runway/api/internal/cloud"
	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/scm"
	"github.com/splax/runway/api/internal/service/commit"
	"github.com/splax/runway/api/internal/service/secrets"
	"github.com/splax/runway/pkg/config"
)

// RequiredAPIs are enabled on every provisioned project.
var RequiredAPIs = []string{
	"cloudbuild.googleapis.com",
	"run.googleapis.com",
	"artifactregistry.googleapis.com",
	"secretmanager.googleapis.com",
	"containerregistry.googleapis.com",
	"cloudresourcemanager.googleapis.com",
	"iam.googleapis.com",
	"compute.googleapis.com",
}

// RequiredRoles are granted to the deployer identity.
var RequiredRoles = []string{
	"roles/run.admin",
	"roles/storage.admin",
	"roles/cloudbuild.builds.builder",
	"roles/artifactregistry.admin",
	"roles/iam.serviceAccountUser",
}

// Secret names published to the repository.
const (
	SecretServiceAccountKey   = "GCP_SA_KEY"
	SecretProjectID           = "GCP_PROJECT_ID"
	SecretServiceAccountEmail = "GCP_SERVICE_ACCOUNT_EMAIL"
	SecretServiceName         = "GCP_SERVICE_NAME"
	SecretRegion              = "GCP_REGION"
)

// ReservedSecrets lists the secrets the saga always writes.
var ReservedSecrets = []string{
	SecretServiceAccountKey,
	SecretProjectID,
	SecretServiceAccountEmail,
	SecretServiceName,
	SecretRegion,
}

const (
	// DefaultCommitMessage is used when no commit message is configured.
	DefaultCommitMessage = "Setup CI/CD with Cloud Run deployment"
	policyWriteAttempts  = 3
	defaultSettleBackoff = 500 * time.Millisecond
	maxSettleBackoff     = 10 * time.Second
)

var secretNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Ledger persists completed provisioning.
type Ledger interface {
	UpsertProject(ctx context.Context, record *domain.ProjectRecord) error
}

// Observer receives each step result as it is recorded.
type Observer func(domain.StepResult)

// Coordinator runs the saga for one owner against one pair of clients.
// It keeps no state between Provision calls.
type Coordinator struct {
	cloud     cloud.Client
	scm       scm.Client
	ledger    Ledger
	secrets   secrets.Propagator
	committer commit.Committer
	cfg       config.ProvisionConfig
	owner     string
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithOwner sets the user recorded as the project owner.
func WithOwner(userID string) Option {
	return func(c *Coordinator) { c.owner = userID }
}

// WithObserver streams step results.
func WithObserver(fn Observer) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(cloudClient cloud.Client, scmClient scm.Client, ledger Ledger, cfg config.ProvisionConfig, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cloud:     cloudClient,
		scm:       scmClient,
		ledger:    ledger,
		secrets:   secrets.New(scmClient, logger),
		committer: commit.New(scmClient, logger),
		cfg:       cfg,
		logger:    logger.With("component", "provision"),
		now:       time.Now,
	}
	if c.cfg.CommitMessage == "" {
		c.cfg.CommitMessage = DefaultCommitMessage
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provision runs the saga. A ProjectRecord is returned only when the pipeline
// files were committed and the ledger row written. The step ledger is
// returned in every case; fatal failures come back as *SagaError.
func (c *Coordinator) Provision(ctx context.Context, req domain.ProvisioningRequest) (*domain.ProjectRecord, []domain.StepResult, error) {
	req, repo, err := c.normalize(req)
	if err != nil {
		return nil, nil, err
	}
	run := &sagaRun{c: c, req: req, repo: repo}
	record, err := run.execute(ctx)
	return record, run.steps, err
}

type sagaRun struct {
	c     *Coordinator
	req   domain.ProvisioningRequest
	repo  scm.Repository
	steps []domain.StepResult
}

func (r *sagaRun) record(step domain.StepName, outcome domain.Outcome, detail string) {
	res := domain.StepResult{Step: step, Outcome: outcome, Detail: detail, Timestamp: r.c.now().UTC()}
	r.steps = append(r.steps, res)
	level := slog.LevelInfo
	if outcome != domain.OutcomeSuccess {
		level = slog.LevelWarn
	}
	r.c.logger.Log(context.Background(), level, "saga step",
		"repository", r.req.Repository,
		"project_id", r.req.CloudProjectID,
		"step", string(step),
		"outcome", string(outcome),
		"detail", detail,
	)
	if r.c.observer != nil {
		r.c.observer(res)
	}
}

func (r *sagaRun) fail(step domain.StepName, err error) error {
	r.record(step, domain.OutcomeFatalFailure, err.Error())
	steps := make([]domain.StepResult, len(r.steps))
	copy(steps, r.steps)
	return &SagaError{Step: step, Steps: steps, Err: err}
}

func (r *sagaRun) execute(ctx context.Context) (*domain.ProjectRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, r.fail(domain.StepEnableAPI, err)
	}
	r.enableAPIs(ctx)
	if err := ctx.Err(); err != nil {
		return nil, r.fail(domain.StepCreateIdentity, err)
	}

	identity, err := r.createIdentity(ctx)
	if err != nil {
		return nil, r.fail(domain.StepCreateIdentity, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(domain.StepGrantRoles, err)
	}

	r.grantRoles(ctx, identity)
	if err := ctx.Err(); err != nil {
		return nil, r.fail(domain.StepSettleIdentity, err)
	}

	if err := r.settleIdentity(ctx, identity); err != nil {
		return nil, r.fail(domain.StepSettleIdentity, err)
	}

	credential, err := r.mintKey(ctx, identity)
	if err != nil {
		return nil, r.fail(domain.StepMintKey, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(domain.StepPropagateSecret, err)
	}

	r.propagateSecrets(ctx, identity, credential)
	if err := ctx.Err(); err != nil {
		return nil, r.fail(domain.StepCommitFiles, err)
	}

	if err := r.commitFiles(ctx); err != nil {
		return nil, r.fail(domain.StepCommitFiles, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(domain.StepPersistRecord, err)
	}

	record, err := r.persistRecord(ctx)
	if err != nil {
		return nil, r.fail(domain.StepPersistRecord, err)
	}
	return record, nil
}

func (r *sagaRun) enableAPIs(ctx context.Context) {
	results := make([]error, len(RequiredAPIs))
	var g errgroup.Group
	limit := r.c.cfg.EnableParallelism
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, api := range RequiredAPIs {
		g.Go(func() error {
			results[i] = r.c.cloud.EnableAPI(ctx, r.req.CloudProjectID, api)
			return nil
		})
	}
	_ = g.Wait()

	for i, api := range RequiredAPIs {
		err := results[i]
		switch {
		case err == nil:
			r.record(domain.StepEnableAPI, domain.OutcomeSuccess, api+" enabled")
		case errors.Is(err, cloud.ErrAlreadyExists):
			r.record(domain.StepEnableAPI, domain.OutcomeSuccess, api+" already enabled")
		default:
			r.record(domain.StepEnableAPI, domain.OutcomeToleratedFailure, fmt.Sprintf("%s: %v", api, err))
		}
	}
}

func (r *sagaRun) createIdentity(ctx context.Context) (domain.ServiceIdentity, error) {
	accountID := AccountID(r.req.ServiceName)
	displayName := "GitHub Actions deployer for " + r.req.ServiceName
	identity, created, err := r.c.cloud.CreateOrGetServiceIdentity(ctx, r.req.CloudProjectID, accountID, displayName)
	if err != nil {
		return domain.ServiceIdentity{}, fmt.Errorf("create service account %s: %w", accountID, err)
	}
	if identity.Email == "" {
		identity.Email = cloud.ServiceAccountEmail(accountID, r.req.CloudProjectID)
	}
	if identity.ProjectID == "" {
		identity.ProjectID = r.req.CloudProjectID
	}
	detail := "created " + identity.Email
	if !created {
		detail = "resolved existing " + identity.Email
	}
	r.record(domain.StepCreateIdentity, domain.OutcomeSuccess, detail)
	return identity, nil
}

func (r *sagaRun) grantRoles(ctx context.Context, identity domain.ServiceIdentity) {
	member := cloud.ServiceAccountMember(identity.Email)
	var (
		added int
		err   error
	)
	for attempt := 0; attempt < policyWriteAttempts; attempt++ {
		added, err = r.applyRoles(ctx, member)
		// An etag conflict means another writer raced us; re-read and merge again.
		if err == nil || !errors.Is(err, cloud.ErrAlreadyExists) || ctx.Err() != nil {
			break
		}
	}
	switch {
	case err != nil:
		r.record(domain.StepGrantRoles, domain.OutcomeToleratedFailure, fmt.Sprintf("grant roles to %s: %v", identity.Email, err))
	case added == 0:
		r.record(domain.StepGrantRoles, domain.OutcomeSuccess, "roles already granted")
	default:
		r.record(domain.StepGrantRoles, domain.OutcomeSuccess, fmt.Sprintf("granted %d roles", added))
	}
}

func (r *sagaRun) applyRoles(ctx context.Context, member string) (int, error) {
	policy, err := r.c.cloud.GetAccessPolicy(ctx, r.req.CloudProjectID)
	if err != nil {
		return 0, fmt.Errorf("read policy: %w", err)
	}
	added := 0
	for _, role := range RequiredRoles {
		if policy.AddMember(role, member) {
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	if err := r.c.cloud.SetAccessPolicy(ctx, r.req.CloudProjectID, policy); err != nil {
		return 0, fmt.Errorf("write policy: %w", err)
	}
	return added, nil
}

// settleIdentity polls until the identity is readable. Exhausting the attempts
// is tolerated; only cancellation aborts.
func (r *sagaRun) settleIdentity(ctx context.Context, identity domain.ServiceIdentity) error {
	attempts := 0
	err := retry.Do(ctx, r.c.settleBackoff(), func(ctx context.Context) error {
		attempts++
		_, err := r.c.cloud.GetServiceIdentity(ctx, identity.ProjectID, identity.Email)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return retry.RetryableError(err)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		r.record(domain.StepSettleIdentity, domain.OutcomeToleratedFailure, fmt.Sprintf("identity not visible after %d attempts: %v", attempts, err))
		return nil
	}
	r.record(domain.StepSettleIdentity, domain.OutcomeSuccess, fmt.Sprintf("identity visible after %d attempts", attempts))
	return nil
}

func (c *Coordinator) settleBackoff() retry.Backoff {
	attempts := c.cfg.SettleAttempts
	if attempts < 1 {
		attempts = 1
	}
	initial := c.cfg.SettleInitialBackoff
	if initial <= 0 {
		initial = defaultSettleBackoff
	}
	b := retry.NewExponential(initial)
	b = retry.WithCappedDuration(maxSettleBackoff, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

func (r *sagaRun) mintKey(ctx context.Context, identity domain.ServiceIdentity) (string, error) {
	encoded, err := r.c.cloud.CreateKey(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("create key for %s: %w", identity.Email, err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode key for %s: %w", identity.Email, err)
	}
	r.record(domain.StepMintKey, domain.OutcomeSuccess, "key created for "+identity.Email)
	return string(raw), nil
}

func (r *sagaRun) propagateSecrets(ctx context.Context, identity domain.ServiceIdentity, credential string) {
	specs := r.secretSpecs(identity, credential)
	for _, res := range r.c.secrets.PropagateAll(ctx, r.repo, specs) {
		if res.Err != nil {
			r.record(domain.StepPropagateSecret, domain.OutcomeToleratedFailure, fmt.Sprintf("%s: %v", res.Name, res.Err))
			continue
		}
		r.record(domain.StepPropagateSecret, domain.OutcomeSuccess, res.Name+" published")
	}
}

func (r *sagaRun) secretSpecs(identity domain.ServiceIdentity, credential string) []domain.SecretSpec {
	repository := r.repo.String()
	specs := []domain.SecretSpec{
		{Name: SecretServiceAccountKey, Value: credential, Repository: repository},
		{Name: SecretProjectID, Value: r.req.CloudProjectID, Repository: repository},
		{Name: SecretServiceAccountEmail, Value: identity.Email, Repository: repository},
		{Name: SecretServiceName, Value: r.req.ServiceName, Repository: repository},
		{Name: SecretRegion, Value: r.req.Region, Repository: repository},
	}
	keys := make([]string, 0, len(r.req.EnvironmentVariables))
	for k := range r.req.EnvironmentVariables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		specs = append(specs, domain.SecretSpec{Name: k, Value: r.req.EnvironmentVariables[k], Repository: repository})
	}
	return specs
}

func (r *sagaRun) commitFiles(ctx context.Context) error {
	batch := domain.CommitBatch{Message: r.c.cfg.CommitMessage, Branch: r.req.Branch}
	paths := make([]string, 0, len(r.req.Files))
	for path := range r.req.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		batch.Files = append(batch.Files, domain.FileChange{Path: path, Content: r.req.Files[path]})
	}

	res, err := r.c.committer.CommitFiles(ctx, r.repo, batch)
	if err != nil {
		return fmt.Errorf("commit %d files to %s: %w", len(batch.Files), batch.Branch, err)
	}
	if res.Atomic {
		r.record(domain.StepCommitFiles, domain.OutcomeSuccess, fmt.Sprintf("commit %s with %d files", res.CommitID, len(batch.Files)))
		return nil
	}
	r.record(domain.StepCommitFiles, domain.OutcomeSuccess, fmt.Sprintf("non-atomic: %d files written individually, last commit %s", res.Written(), res.CommitID))
	return nil
}

func (r *sagaRun) persistRecord(ctx context.Context) (*domain.ProjectRecord, error) {
	now := r.c.now().UTC()
	record := &domain.ProjectRecord{
		ID:             uuid.NewString(),
		UserID:         r.c.owner,
		Repository:     r.req.Repository,
		CloudProjectID: r.req.CloudProjectID,
		ServiceName:    r.req.ServiceName,
		Region:         r.req.Region,
		DeploymentURL:  DeploymentURL(r.req.ServiceName, r.req.CloudProjectID, r.req.Region),
		WorkflowPath:   workflowPath(r.req.Files),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.c.ledger.UpsertProject(ctx, record); err != nil {
		return nil, fmt.Errorf("persist project: %w", err)
	}
	r.record(domain.StepPersistRecord, domain.OutcomeSuccess, "project "+record.ID+" recorded")
	return record, nil
}

// normalize validates req and returns a private copy with defaults applied.
func (c *Coordinator) normalize(req domain.ProvisioningRequest) (domain.ProvisioningRequest, scm.Repository, error) {
	out := domain.ProvisioningRequest{
		Repository:     strings.TrimSpace(req.Repository),
		CloudProjectID: strings.TrimSpace(req.CloudProjectID),
		ServiceName:    strings.TrimSpace(req.ServiceName),
		Region:         strings.TrimSpace(req.Region),
		Branch:         strings.TrimSpace(req.Branch),
	}
	repo, err := scm.ParseRepository(out.Repository)
	if err != nil {
		return out, scm.Repository{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	out.Repository = repo.String()
	if out.CloudProjectID == "" {
		return out, repo, fmt.Errorf("%w: cloud project id is required", ErrInvalidRequest)
	}
	if out.ServiceName == "" {
		return out, repo, fmt.Errorf("%w: service name is required", ErrInvalidRequest)
	}
	if out.Region == "" {
		out.Region = c.cfg.DefaultRegion
	}
	if out.Branch == "" {
		out.Branch = c.cfg.DefaultBranch
	}
	out.EnvironmentVariables = make(map[string]string, len(req.EnvironmentVariables))
	for k, v := range req.EnvironmentVariables {
		key := strings.TrimSpace(k)
		if !secretNamePattern.MatchString(key) || strings.HasPrefix(strings.ToUpper(key), "GITHUB_") {
			return out, repo, fmt.Errorf("%w: invalid environment variable name %q", ErrInvalidRequest, k)
		}
		for _, reserved := range ReservedSecrets {
			if strings.EqualFold(key, reserved) {
				return out, repo, fmt.Errorf("%w: %s is reserved", ErrInvalidRequest, key)
			}
		}
		if _, dup := out.EnvironmentVariables[key]; dup {
			return out, repo, fmt.Errorf("%w: duplicate environment variable %s", ErrInvalidRequest, key)
		}
		out.EnvironmentVariables[key] = v
	}

	out.Files = make(map[string]string, len(req.Files))
	for path, content := range req.Files {
		clean := strings.TrimLeft(strings.TrimSpace(path), "/")
		if clean == "" || strings.Contains(clean, "..") {
			return out, repo, fmt.Errorf("%w: invalid file path %q", ErrInvalidRequest, path)
		}
		out.Files[clean] = content
	}
	if len(out.Files) == 0 {
		out.Files = DefaultFiles(out.CloudProjectID, out.ServiceName, out.Region, out.Branch)
	}
	return out, repo, nil
}
