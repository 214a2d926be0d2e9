package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/runway/api/internal/cloud"
	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
	"github.com/splax/runway/api/internal/scm"
	"github.com/splax/runway/api/internal/service/auth"
	"github.com/splax/runway/pkg/config"
)

// CredentialSource resolves a user's decrypted provider token.
type CredentialSource interface {
	AccessToken(ctx context.Context, userID, provider string) (string, error)
}

// EventPublisher streams saga progress.
type EventPublisher interface {
	PublishStep(userID, repository, runID string, step domain.StepResult)
	PublishRunFinished(userID string, run domain.ProvisionRun)
}

// Recorder observes saga outcomes for metrics.
type Recorder interface {
	ObserveStep(step domain.StepName, outcome domain.Outcome)
	ObserveRun(status string, duration time.Duration)
}

// Dependencies wires a Service.
type Dependencies struct {
	Credentials CredentialSource
	Cloud       cloud.Factory
	SCM         scm.Factory
	Projects    repository.ProjectRepository
	Runs        repository.ProvisionRunRepository
	Events      EventPublisher
	Metrics     Recorder
	Config      config.ProvisionConfig
	Logger      *slog.Logger
}

// Result is a finished saga invocation.
type Result struct {
	RunID   string                `json:"run_id"`
	Project *domain.ProjectRecord `json:"project,omitempty"`
	Steps   []domain.StepResult   `json:"steps"`
}

// Service runs sagas on behalf of authenticated users.
type Service struct {
	deps   Dependencies
	logger *slog.Logger
}

// NewService constructs a provisioning service.
func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger
	return &Service{deps: deps, logger: logger.With("component", "provision_service")}
}

// Provision resolves the caller's linked accounts and runs the saga. Missing
// linkages fail with ErrPreconditionMissing before any remote call. Every run
// that reaches the saga is saved to the run history.
func (s *Service) Provision(ctx context.Context, userID string, req domain.ProvisioningRequest) (Result, error) {
	ghToken, err := s.token(ctx, userID, domain.ProviderGitHub)
	if err != nil {
		return Result{}, err
	}
	gcpToken, err := s.token(ctx, userID, domain.ProviderGoogle)
	if err != nil {
		return Result{}, err
	}

	if s.deps.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.Config.Timeout)
		defer cancel()
	}

	cloudClient, err := s.deps.Cloud(ctx, gcpToken)
	if err != nil {
		return Result{}, fmt.Errorf("cloud client: %w", err)
	}
	scmClient, err := s.deps.SCM(ctx, ghToken)
	if err != nil {
		return Result{}, fmt.Errorf("source control client: %w", err)
	}

	runID := uuid.NewString()
	opts := []Option{
		WithOwner(userID),
		WithObserver(func(step domain.StepResult) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.ObserveStep(step.Step, step.Outcome)
			}
			if s.deps.Events != nil {
				s.deps.Events.PublishStep(userID, req.Repository, runID, step)
			}
		}),
	}
	coordinator := NewCoordinator(cloudClient, scmClient, s.deps.Projects, s.deps.Config, s.deps.Logger, opts...)

	started := time.Now().UTC()
	record, steps, err := coordinator.Provision(ctx, req)
	if errors.Is(err, ErrInvalidRequest) {
		return Result{}, err
	}
	s.saveRun(ctx, userID, runID, req, record, steps, err, started)
	return Result{RunID: runID, Project: record, Steps: steps}, err
}

// ListRuns returns the caller's recent saga runs.
func (s *Service) ListRuns(ctx context.Context, userID string, limit int) ([]domain.ProvisionRun, error) {
	return s.deps.Runs.ListProvisionRunsByUser(ctx, userID, limit)
}

// CloudProjects lists the projects the caller's Google linkage can deploy to.
func (s *Service) CloudProjects(ctx context.Context, userID string) ([]domain.CloudProject, error) {
	token, err := s.token(ctx, userID, domain.ProviderGoogle)
	if err != nil {
		return nil, err
	}
	client, err := s.deps.Cloud(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("cloud client: %w", err)
	}
	projects, err := client.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cloud projects: %w", err)
	}
	if projects == nil {
		projects = []domain.CloudProject{}
	}
	return projects, nil
}

// CheckCloudConnection reports whether the caller's Google token is linked
// and still accepted. A rejected token is a result, not an error.
func (s *Service) CheckCloudConnection(ctx context.Context, userID string) (domain.CloudConnection, error) {
	token, err := s.deps.Credentials.AccessToken(ctx, userID, domain.ProviderGoogle)
	if errors.Is(err, auth.ErrLinkageMissing) {
		return domain.CloudConnection{}, nil
	}
	if err != nil {
		return domain.CloudConnection{}, err
	}
	conn := domain.CloudConnection{Linked: true}
	client, err := s.deps.Cloud(ctx, token)
	if err != nil {
		return conn, fmt.Errorf("cloud client: %w", err)
	}
	projects, err := client.ListProjects(ctx)
	switch {
	case err == nil:
		conn.ValidToken = true
		conn.ProjectCount = len(projects)
	case errors.Is(err, cloud.ErrUnauthorized):
		conn.Error = err.Error()
	case errors.Is(err, cloud.ErrPermissionDenied):
		conn.ValidToken = true
		conn.Error = err.Error()
	default:
		return conn, fmt.Errorf("check cloud connection: %w", err)
	}
	s.logger.Info("cloud connection checked", "user_id", userID, "valid", conn.ValidToken, "projects", conn.ProjectCount)
	return conn, nil
}

func (s *Service) token(ctx context.Context, userID, provider string) (string, error) {
	token, err := s.deps.Credentials.AccessToken(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, auth.ErrLinkageMissing) {
			return "", fmt.Errorf("%w: %s account not linked", ErrPreconditionMissing, provider)
		}
		return "", err
	}
	return token, nil
}

func (s *Service) saveRun(ctx context.Context, userID, runID string, req domain.ProvisioningRequest, record *domain.ProjectRecord, steps []domain.StepResult, runErr error, started time.Time) {
	run := domain.ProvisionRun{
		ID:          runID,
		UserID:      userID,
		Repository:  req.Repository,
		ServiceName: req.ServiceName,
		Status:      domain.RunStatusSucceeded,
		Steps:       steps,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	if runErr != nil {
		run.Status = domain.RunStatusFailed
		run.Error = runErr.Error()
	}
	if record != nil {
		id := record.ID
		run.ProjectID = &id
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveRun(run.Status, run.CompletedAt.Sub(started))
	}
	if s.deps.Events != nil {
		s.deps.Events.PublishRunFinished(userID, run)
	}
	if s.deps.Runs == nil {
		return
	}
	// The run is recorded even if the request context was cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Runs.InsertProvisionRun(saveCtx, &run); err != nil {
		s.logger.Warn("failed to save provision run", "run_id", runID, "error", err)
	}
}
