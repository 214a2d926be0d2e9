// Package project exposes the caller's ledger records.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
	"github.com/splax/runway/api/internal/scm"
	"github.com/splax/runway/api/internal/service/auth"
	"github.com/splax/runway/api/internal/service/provision"
)

const recentRuns = 10

var errMissingProjectID = errors.New("project id required")

// Verification reports whether a provisioned repository still carries the
// pieces the deploy workflow needs.
type Verification struct {
	Project         domain.ProjectRecord `json:"project"`
	PresentSecrets  []string             `json:"present_secrets"`
	MissingSecrets  []string             `json:"missing_secrets"`
	WorkflowPresent bool                 `json:"workflow_present"`
	Ready           bool                 `json:"ready"`
}

// Service reads and prunes ledger records for their owners.
type Service struct {
	projects    repository.ProjectRepository
	credentials provision.CredentialSource
	scm         scm.Factory
	logger      *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, credentials provision.CredentialSource, scmFactory scm.Factory, logger *slog.Logger) Service {
	return Service{projects: projects, credentials: credentials, scm: scmFactory, logger: logger}
}

// List returns the user's projects.
func (s Service) List(ctx context.Context, userID string) ([]domain.ProjectRecord, error) {
	return s.projects.ListProjectsByUser(ctx, userID)
}

// Get returns one project owned by the user. Projects of other users are
// reported as not found.
func (s Service) Get(ctx context.Context, userID, projectID string) (*domain.ProjectRecord, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errMissingProjectID
	}
	record, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return record, nil
}

// Delete removes the ledger record. Cloud and repository resources are left
// in place.
func (s Service) Delete(ctx context.Context, userID, projectID string) error {
	record, err := s.Get(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if err := s.projects.DeleteProject(ctx, record.ID); err != nil {
		return err
	}
	s.logger.Info("project record deleted", "project_id", record.ID, "repository", record.Repository)
	return nil
}

// Deployments reports the recent pipeline runs of the project's deploy
// workflow. A positive runID also loads that run's jobs and steps; a run that
// is not among the recent ones is reported as not found.
func (s Service) Deployments(ctx context.Context, userID, projectID string, runID int64) (domain.DeploymentStatus, error) {
	record, err := s.Get(ctx, userID, projectID)
	if err != nil {
		return domain.DeploymentStatus{}, err
	}
	client, repo, err := s.client(ctx, userID, record)
	if err != nil {
		return domain.DeploymentStatus{}, err
	}

	workflow := record.WorkflowPath
	if workflow == "" {
		workflow = provision.WorkflowPath
	}
	runs, err := client.ListWorkflowRuns(ctx, repo, path.Base(workflow), recentRuns)
	if errors.Is(err, scm.ErrNotFound) {
		// The workflow is not registered until its first push lands.
		runs, err = client.ListWorkflowRuns(ctx, repo, "", recentRuns)
	}
	if err != nil {
		return domain.DeploymentStatus{}, fmt.Errorf("list workflow runs: %w", err)
	}
	status := domain.DeploymentStatus{Project: *record, Runs: runs, Jobs: []domain.WorkflowJob{}}
	if status.Runs == nil {
		status.Runs = []domain.WorkflowRun{}
	}
	if runID <= 0 {
		return status, nil
	}
	for i := range runs {
		if runs[i].ID == runID {
			status.Current = &runs[i]
			break
		}
	}
	if status.Current == nil {
		return domain.DeploymentStatus{}, fmt.Errorf("%w: workflow run %d", repository.ErrNotFound, runID)
	}
	jobs, err := client.ListRunJobs(ctx, repo, runID)
	if err != nil {
		return domain.DeploymentStatus{}, fmt.Errorf("list run jobs: %w", err)
	}
	status.Jobs = jobs
	return status, nil
}

func (s Service) client(ctx context.Context, userID string, record *domain.ProjectRecord) (scm.Client, scm.Repository, error) {
	token, err := s.credentials.AccessToken(ctx, userID, domain.ProviderGitHub)
	if err != nil {
		if errors.Is(err, auth.ErrLinkageMissing) {
			return nil, scm.Repository{}, fmt.Errorf("%w: github account not linked", provision.ErrPreconditionMissing)
		}
		return nil, scm.Repository{}, err
	}
	repo, err := scm.ParseRepository(record.Repository)
	if err != nil {
		return nil, scm.Repository{}, err
	}
	client, err := s.scm(ctx, token)
	if err != nil {
		return nil, scm.Repository{}, fmt.Errorf("source control client: %w", err)
	}
	return client, repo, nil
}

// Verify checks the repository for the saga's secrets and workflow file.
func (s Service) Verify(ctx context.Context, userID, projectID string) (Verification, error) {
	record, err := s.Get(ctx, userID, projectID)
	if err != nil {
		return Verification{}, err
	}
	client, repo, err := s.client(ctx, userID, record)
	if err != nil {
		return Verification{}, err
	}

	names, err := client.ListSecretNames(ctx, repo)
	if err != nil {
		return Verification{}, fmt.Errorf("list secrets: %w", err)
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[strings.ToUpper(n)] = true
	}
	v := Verification{Project: *record, PresentSecrets: []string{}, MissingSecrets: []string{}}
	for _, name := range provision.ReservedSecrets {
		if have[name] {
			v.PresentSecrets = append(v.PresentSecrets, name)
		} else {
			v.MissingSecrets = append(v.MissingSecrets, name)
		}
	}
	sort.Strings(v.MissingSecrets)

	workflow := record.WorkflowPath
	if workflow == "" {
		workflow = provision.WorkflowPath
	}
	switch _, err := client.GetFileSHA(ctx, repo, workflow, ""); {
	case err == nil:
		v.WorkflowPresent = true
	case errors.Is(err, scm.ErrNotFound):
	default:
		return Verification{}, fmt.Errorf("workflow lookup: %w", err)
	}
	v.Ready = v.WorkflowPresent && len(v.MissingSecrets) == 0
	return v, nil
}
