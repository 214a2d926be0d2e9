package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/runway/api/internal/cloud"
	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
	"github.com/splax/runway/api/internal/scm"
	"github.com/splax/runway/api/internal/service/auth"
	"github.com/splax/runway/api/internal/service/provision"
)

// Recorder observes rollback outcomes for metrics.
type Recorder interface {
	ObserveRollback(outcome string)
}

// Rollback outcomes reported to the Recorder.
const (
	OutcomeSucceeded           = "succeeded"
	OutcomeInsufficientHistory = "insufficient_history"
	OutcomeFailed              = "failed"
)

// Service loads ledger records for the caller and runs the Orchestrator.
type Service struct {
	projects    repository.ProjectRepository
	credentials provision.CredentialSource
	cloud       cloud.Factory
	scm         scm.Factory
	metrics     Recorder
	timeout     time.Duration
	logger      *slog.Logger
}

// NewService constructs a rollback service. metrics may be nil.
func NewService(projects repository.ProjectRepository, credentials provision.CredentialSource, cloudFactory cloud.Factory, scmFactory scm.Factory, metrics Recorder, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		projects:    projects,
		credentials: credentials,
		cloud:       cloudFactory,
		scm:         scmFactory,
		metrics:     metrics,
		timeout:     timeout,
		logger:      logger,
	}
}

// Rollback rolls back the caller's project.
func (s *Service) Rollback(ctx context.Context, userID, projectID string, req Request) (domain.RollbackResult, error) {
	record, err := s.project(ctx, userID, projectID)
	if err != nil {
		return domain.RollbackResult{}, err
	}
	orchestrator, err := s.orchestrator(ctx, userID, true)
	if err != nil {
		return domain.RollbackResult{}, err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	result, err := orchestrator.Rollback(ctx, *record, req)
	s.observe(err)
	return result, err
}

// Revisions lists the caller's project revisions, newest first.
func (s *Service) Revisions(ctx context.Context, userID, projectID string) ([]domain.Revision, error) {
	record, err := s.project(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	orchestrator, err := s.orchestrator(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	return orchestrator.ListRevisions(ctx, *record)
}

func (s *Service) project(ctx context.Context, userID, projectID string) (*domain.ProjectRecord, error) {
	record, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return record, nil
}

// orchestrator builds an Orchestrator from the user's linkages. The source
// control linkage is optional: without it no audit issue is opened.
func (s *Service) orchestrator(ctx context.Context, userID string, withAudit bool) (*Orchestrator, error) {
	gcpToken, err := s.credentials.AccessToken(ctx, userID, domain.ProviderGoogle)
	if err != nil {
		if errors.Is(err, auth.ErrLinkageMissing) {
			return nil, fmt.Errorf("%w: google account not linked", provision.ErrPreconditionMissing)
		}
		return nil, err
	}
	cloudClient, err := s.cloud(ctx, gcpToken)
	if err != nil {
		return nil, fmt.Errorf("cloud client: %w", err)
	}
	var scmClient scm.Client
	if withAudit && s.scm != nil {
		ghToken, err := s.credentials.AccessToken(ctx, userID, domain.ProviderGitHub)
		switch {
		case err == nil:
			if scmClient, err = s.scm(ctx, ghToken); err != nil {
				s.logger.Warn("source control client unavailable", "user_id", userID, "error", err)
				scmClient = nil
			}
		case errors.Is(err, auth.ErrLinkageMissing):
		default:
			s.logger.Warn("github token unavailable", "user_id", userID, "error", err)
		}
	}
	return NewOrchestrator(cloudClient, scmClient, s.logger), nil
}

func (s *Service) observe(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.ObserveRollback(OutcomeSucceeded)
	case errors.Is(err, ErrInsufficientHistory):
		s.metrics.ObserveRollback(OutcomeInsufficientHistory)
	default:
		s.metrics.ObserveRollback(OutcomeFailed)
	}
}
