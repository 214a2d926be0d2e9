package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/runway/api/internal/cloud"
	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
	"github.com/splax/runway/api/internal/scm"
	"github.com/splax/runway/api/internal/service/auth"
)

type ledgerRepo struct {
	repository.ProjectRepository
	*fakeLedger
}

func (l ledgerRepo) UpsertProject(ctx context.Context, record *domain.ProjectRecord) error {
	return l.fakeLedger.UpsertProject(ctx, record)
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []domain.ProvisionRun
	ctxs []error
}

func (f *fakeRuns) InsertProvisionRun(ctx context.Context, run *domain.ProvisionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	f.ctxs = append(f.ctxs, ctx.Err())
	return nil
}

func (f *fakeRuns) ListProvisionRunsByUser(_ context.Context, userID string, limit int) ([]domain.ProvisionRun, error) {
	var out []domain.ProvisionRun
	for _, r := range f.runs {
		if r.UserID == userID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type staticCredentials map[string]string

func (s staticCredentials) AccessToken(_ context.Context, _, provider string) (string, error) {
	if t, ok := s[provider]; ok {
		return t, nil
	}
	return "", auth.ErrLinkageMissing
}

type recordedEvents struct {
	mu       sync.Mutex
	steps    []domain.StepResult
	finished []domain.ProvisionRun
}

func (r *recordedEvents) PublishStep(_, _, _ string, step domain.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recordedEvents) PublishRunFinished(_ string, run domain.ProvisionRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, run)
}

type recordedMetrics struct {
	mu    sync.Mutex
	steps map[domain.StepName][]domain.Outcome
	runs  []string
}

func (r *recordedMetrics) ObserveStep(step domain.StepName, outcome domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.steps == nil {
		r.steps = map[domain.StepName][]domain.Outcome{}
	}
	r.steps[step] = append(r.steps[step], outcome)
}

func (r *recordedMetrics) ObserveRun(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, status)
}

type serviceHarness struct {
	svc         *Service
	cloud       *fakeCloud
	scm         *fakeSCM
	runs        *fakeRuns
	events      *recordedEvents
	metrics     *recordedMetrics
	factoryHits int
}

func newServiceHarness(creds staticCredentials) *serviceHarness {
	h := &serviceHarness{
		cloud:   newFakeCloud(),
		scm:     newFakeSCM(),
		runs:    &fakeRuns{},
		events:  &recordedEvents{},
		metrics: &recordedMetrics{},
	}
	h.svc = NewService(Dependencies{
		Credentials: creds,
		Cloud: func(context.Context, string) (cloud.Client, error) {
			h.factoryHits++
			return h.cloud, nil
		},
		SCM: func(context.Context, string) (scm.Client, error) {
			h.factoryHits++
			return h.scm, nil
		},
		Projects: ledgerRepo{fakeLedger: newFakeLedger()},
		Runs:     h.runs,
		Events:   h.events,
		Metrics:  h.metrics,
		Config:   testConfig(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func TestServiceProvisionRecordsRun(t *testing.T) {
	h := newServiceHarness(staticCredentials{"github": "gh", "google": "gc"})

	result, err := h.svc.Provision(context.Background(), "u1", testRequest())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if result.RunID == "" || result.Project == nil || result.Project.UserID != "u1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(h.runs.runs) != 1 {
		t.Fatalf("expected one saved run, got %d", len(h.runs.runs))
	}
	run := h.runs.runs[0]
	if run.ID != result.RunID || run.Status != domain.RunStatusSucceeded {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.ProjectID == nil || *run.ProjectID != result.Project.ID {
		t.Fatalf("expected run to reference project %s", result.Project.ID)
	}
	if len(h.events.steps) != len(result.Steps) {
		t.Fatalf("expected %d step events, got %d", len(result.Steps), len(h.events.steps))
	}
	if len(h.events.finished) != 1 {
		t.Fatalf("expected a run finished event")
	}
	if got := h.metrics.steps[domain.StepPersistRecord]; len(got) != 1 || got[0] != domain.OutcomeSuccess {
		t.Fatalf("unexpected persist metrics %v", got)
	}
	if len(h.metrics.runs) != 1 || h.metrics.runs[0] != domain.RunStatusSucceeded {
		t.Fatalf("unexpected run metrics %v", h.metrics.runs)
	}

	runs, err := h.svc.ListRuns(context.Background(), "u1", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one listed run, got %d (%v)", len(runs), err)
	}
}

func TestServiceProvisionRequiresLinkages(t *testing.T) {
	for _, creds := range []staticCredentials{{"google": "gc"}, {"github": "gh"}} {
		h := newServiceHarness(creds)
		_, err := h.svc.Provision(context.Background(), "u1", testRequest())
		if !errors.Is(err, ErrPreconditionMissing) {
			t.Fatalf("expected precondition missing, got %v", err)
		}
		if h.factoryHits != 0 {
			t.Fatalf("expected no remote clients, got %d factory calls", h.factoryHits)
		}
		if len(h.runs.runs) != 0 {
			t.Fatalf("expected no run history for unlinked accounts")
		}
	}
}

func TestServiceInvalidRequestIsNotRecorded(t *testing.T) {
	h := newServiceHarness(staticCredentials{"github": "gh", "google": "gc"})
	req := testRequest()
	req.Repository = "not-a-repo"

	if _, err := h.svc.Provision(context.Background(), "u1", req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if len(h.runs.runs) != 0 || len(h.events.steps) != 0 {
		t.Fatalf("expected nothing recorded for invalid requests")
	}
}

func TestServiceFailedRunIsSavedAfterCancellation(t *testing.T) {
	h := newServiceHarness(staticCredentials{"github": "gh", "google": "gc"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.cloud.cancelOnKey = cancel

	result, err := h.svc.Provision(ctx, "u1", testRequest())
	if !errors.Is(err, ErrFatalStep) {
		t.Fatalf("expected fatal step, got %v", err)
	}
	if result.Project != nil {
		t.Fatalf("expected no project after cancellation")
	}
	if len(h.runs.runs) != 1 {
		t.Fatalf("expected failed run to be saved")
	}
	if h.runs.runs[0].Status != domain.RunStatusFailed || h.runs.runs[0].Error == "" {
		t.Fatalf("unexpected run %+v", h.runs.runs[0])
	}
	if h.runs.ctxs[0] != nil {
		t.Fatalf("expected run to be saved with a live context, got %v", h.runs.ctxs[0])
	}
}

func TestCloudProjectsRequiresGoogleLinkage(t *testing.T) {
	h := newServiceHarness(staticCredentials{"github": "gh"})
	if _, err := h.svc.CloudProjects(context.Background(), "u1"); !errors.Is(err, ErrPreconditionMissing) {
		t.Fatalf("expected precondition missing, got %v", err)
	}
	if h.factoryHits != 0 {
		t.Fatalf("expected no client before linkage check")
	}

	h = newServiceHarness(staticCredentials{"google": "gc"})
	projects, err := h.svc.CloudProjects(context.Background(), "u1")
	if err != nil {
		t.Fatalf("cloud projects: %v", err)
	}
	if projects == nil || len(projects) != 0 {
		t.Fatalf("expected empty list, got %v", projects)
	}
}

func TestCheckCloudConnection(t *testing.T) {
	h := newServiceHarness(staticCredentials{})
	conn, err := h.svc.CheckCloudConnection(context.Background(), "u1")
	if err != nil || conn.Linked {
		t.Fatalf("expected unlinked result, got %+v (%v)", conn, err)
	}

	h = newServiceHarness(staticCredentials{"google": "gc"})
	h.cloud.projects = []domain.CloudProject{{ProjectID: "demo"}, {ProjectID: "prod"}}
	conn, err = h.svc.CheckCloudConnection(context.Background(), "u1")
	if err != nil || !conn.Linked || !conn.ValidToken || conn.ProjectCount != 2 {
		t.Fatalf("expected valid connection, got %+v (%v)", conn, err)
	}

	h.cloud.projectsErr = cloud.ErrUnauthorized
	conn, err = h.svc.CheckCloudConnection(context.Background(), "u1")
	if err != nil || conn.ValidToken || conn.Error == "" {
		t.Fatalf("expected rejected token result, got %+v (%v)", conn, err)
	}

	h.cloud.projectsErr = cloud.ErrTransient
	if _, err := h.svc.CheckCloudConnection(context.Background(), "u1"); !errors.Is(err, cloud.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
