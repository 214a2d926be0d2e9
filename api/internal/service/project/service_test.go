package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
	"github.com/splax/runway/api/internal/scm"
	"github.com/splax/runway/api/internal/service/auth"
	"github.com/splax/runway/api/internal/service/provision"
)

type stubProjectRepository struct {
	projectBy map[string]domain.ProjectRecord
	deleted   []string
}

func (s *stubProjectRepository) UpsertProject(context.Context, *domain.ProjectRecord) error {
	return nil
}

func (s *stubProjectRepository) GetProject(context.Context, string, string) (*domain.ProjectRecord, error) {
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) GetProjectByID(_ context.Context, id string) (*domain.ProjectRecord, error) {
	if p, ok := s.projectBy[id]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) ListProjectsByUser(_ context.Context, userID string) ([]domain.ProjectRecord, error) {
	var out []domain.ProjectRecord
	for _, p := range s.projectBy {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubProjectRepository) DeleteProject(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	delete(s.projectBy, id)
	return nil
}

type stubSCM struct {
	scm.Client
	secrets   []string
	files     map[string]bool
	fileErr   error
	lastRepo  scm.Repository
	runs      map[string][]domain.WorkflowRun
	workflows []string
	jobs      map[int64][]domain.WorkflowJob
}

func (s *stubSCM) ListWorkflowRuns(_ context.Context, _ scm.Repository, workflowFile string, _ int) ([]domain.WorkflowRun, error) {
	s.workflows = append(s.workflows, workflowFile)
	runs, ok := s.runs[workflowFile]
	if !ok {
		return nil, scm.ErrNotFound
	}
	return runs, nil
}

func (s *stubSCM) ListRunJobs(_ context.Context, _ scm.Repository, runID int64) ([]domain.WorkflowJob, error) {
	return s.jobs[runID], nil
}

func (s *stubSCM) ListSecretNames(_ context.Context, repo scm.Repository) ([]string, error) {
	s.lastRepo = repo
	return s.secrets, nil
}

func (s *stubSCM) GetFileSHA(_ context.Context, _ scm.Repository, path, _ string) (string, error) {
	if s.fileErr != nil {
		return "", s.fileErr
	}
	if s.files[path] {
		return "sha", nil
	}
	return "", scm.ErrNotFound
}

type tokens map[string]string

func (t tokens) AccessToken(_ context.Context, _, provider string) (string, error) {
	if v, ok := t[provider]; ok {
		return v, nil
	}
	return "", auth.ErrLinkageMissing
}

func newTestService(client *stubSCM, creds tokens) (Service, *stubProjectRepository) {
	repo := &stubProjectRepository{projectBy: map[string]domain.ProjectRecord{
		"p1": {ID: "p1", UserID: "u1", Repository: "acme/web", ServiceName: "web", WorkflowPath: provision.WorkflowPath},
		"p2": {ID: "p2", UserID: "u2", Repository: "acme/api", ServiceName: "api"},
	}}
	factory := func(context.Context, string) (scm.Client, error) { return client, nil }
	return New(repo, creds, factory, slog.New(slog.NewTextHandler(io.Discard, nil))), repo
}

func TestGetScopesToOwner(t *testing.T) {
	svc, _ := newTestService(&stubSCM{}, tokens{})
	if _, err := svc.Get(context.Background(), "u1", "p2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "u1", " "); !errors.Is(err, errMissingProjectID) {
		t.Fatalf("expected errMissingProjectID, got %v", err)
	}
	list, err := svc.List(context.Background(), "u1")
	if err != nil || len(list) != 1 || list[0].ID != "p1" {
		t.Fatalf("unexpected list %v (%v)", list, err)
	}
}

func TestDeleteOnlyOwnProject(t *testing.T) {
	svc, repo := newTestService(&stubSCM{}, tokens{})
	if err := svc.Delete(context.Background(), "u1", "p2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := svc.Delete(context.Background(), "u1", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "p1" {
		t.Fatalf("unexpected deletes %v", repo.deleted)
	}
}

func TestVerifyReportsMissingPieces(t *testing.T) {
	client := &stubSCM{secrets: []string{"GCP_SA_KEY", "GCP_PROJECT_ID", "DATABASE_URL"}, files: map[string]bool{}}
	svc, _ := newTestService(client, tokens{"github": "gh"})

	v, err := svc.Verify(context.Background(), "u1", "p1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if client.lastRepo.String() != "acme/web" {
		t.Fatalf("unexpected repository %s", client.lastRepo)
	}
	if v.Ready || v.WorkflowPresent {
		t.Fatalf("expected not ready, got %+v", v)
	}
	if len(v.PresentSecrets) != 2 || len(v.MissingSecrets) != 3 {
		t.Fatalf("unexpected secrets %+v", v)
	}
}

func TestVerifyReady(t *testing.T) {
	client := &stubSCM{secrets: provision.ReservedSecrets, files: map[string]bool{provision.WorkflowPath: true}}
	svc, _ := newTestService(client, tokens{"github": "gh"})

	v, err := svc.Verify(context.Background(), "u1", "p1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Ready || len(v.MissingSecrets) != 0 {
		t.Fatalf("expected ready, got %+v", v)
	}
}

func TestVerifyRequiresGitHubLinkage(t *testing.T) {
	svc, _ := newTestService(&stubSCM{}, tokens{"google": "g"})
	if _, err := svc.Verify(context.Background(), "u1", "p1"); !errors.Is(err, provision.ErrPreconditionMissing) {
		t.Fatalf("expected precondition missing, got %v", err)
	}
}

func TestVerifyPropagatesLookupFailures(t *testing.T) {
	client := &stubSCM{fileErr: scm.ErrUnauthorized}
	svc, _ := newTestService(client, tokens{"github": "gh"})
	if _, err := svc.Verify(context.Background(), "u1", "p1"); !errors.Is(err, scm.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestDeploymentsListsRecentRuns(t *testing.T) {
	client := &stubSCM{runs: map[string][]domain.WorkflowRun{
		"deploy.yml": {{ID: 9, Status: "completed", Conclusion: "success"}, {ID: 8, Status: "completed", Conclusion: "failure"}},
	}}
	svc, _ := newTestService(client, tokens{"github": "gh"})

	status, err := svc.Deployments(context.Background(), "u1", "p1", 0)
	if err != nil {
		t.Fatalf("deployments: %v", err)
	}
	if len(status.Runs) != 2 || status.Current != nil || len(status.Jobs) != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(client.workflows) != 1 || client.workflows[0] != "deploy.yml" {
		t.Fatalf("expected lookup by workflow file, got %v", client.workflows)
	}
}

func TestDeploymentsLoadsSelectedRunJobs(t *testing.T) {
	client := &stubSCM{
		runs: map[string][]domain.WorkflowRun{"deploy.yml": {{ID: 9}, {ID: 8}}},
		jobs: map[int64][]domain.WorkflowJob{8: {{ID: 1, Name: "deploy", Steps: []domain.WorkflowStep{{Number: 1, Name: "checkout"}}}}},
	}
	svc, _ := newTestService(client, tokens{"github": "gh"})

	status, err := svc.Deployments(context.Background(), "u1", "p1", 8)
	if err != nil {
		t.Fatalf("deployments: %v", err)
	}
	if status.Current == nil || status.Current.ID != 8 {
		t.Fatalf("expected run 8 selected, got %+v", status.Current)
	}
	if len(status.Jobs) != 1 || len(status.Jobs[0].Steps) != 1 {
		t.Fatalf("unexpected jobs %+v", status.Jobs)
	}
	if _, err := svc.Deployments(context.Background(), "u1", "p1", 77); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected unknown run to be not found, got %v", err)
	}
}

func TestDeploymentsFallsBackToRepositoryRuns(t *testing.T) {
	client := &stubSCM{runs: map[string][]domain.WorkflowRun{"": {{ID: 3}}}}
	svc, _ := newTestService(client, tokens{"github": "gh"})

	status, err := svc.Deployments(context.Background(), "u1", "p1", 0)
	if err != nil {
		t.Fatalf("deployments: %v", err)
	}
	if len(status.Runs) != 1 || len(client.workflows) != 2 || client.workflows[1] != "" {
		t.Fatalf("expected repository wide fallback, got %+v after %v", status.Runs, client.workflows)
	}
}

func TestDeploymentsScopedToOwner(t *testing.T) {
	svc, _ := newTestService(&stubSCM{}, tokens{"github": "gh"})
	if _, err := svc.Deployments(context.Background(), "u1", "p2", 0); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	svc, _ = newTestService(&stubSCM{}, tokens{})
	if _, err := svc.Deployments(context.Background(), "u1", "p1", 0); !errors.Is(err, provision.ErrPreconditionMissing) {
		t.Fatalf("expected precondition missing, got %v", err)
	}
}
