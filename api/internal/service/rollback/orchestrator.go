// Package rollback shifts a service's traffic back to its previous revision.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/splax/runway/api/internal/cloud"
	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/scm"
)

// ErrInsufficientHistory is returned when fewer than two revisions exist.
var ErrInsufficientHistory = errors.New("rollback: fewer than two revisions")

// Issue labels attached to rollback audit issues.
var auditLabels = []string{"rollback", "production"}

// Request carries audit context for a rollback.
type Request struct {
	Actor  string
	Reason string
}

// Orchestrator performs rollbacks against one cloud client. The scm client is
// optional and only used for the audit issue.
type Orchestrator struct {
	cloud  cloud.Client
	scm    scm.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cloudClient cloud.Client, scmClient scm.Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cloud: cloudClient, scm: scmClient, logger: logger.With("component", "rollback"), now: time.Now}
}

// ListRevisions returns the service's revisions, newest first.
func (o *Orchestrator) ListRevisions(ctx context.Context, record domain.ProjectRecord) ([]domain.Revision, error) {
	revisions, err := o.cloud.ListRevisions(ctx, record.CloudProjectID, record.Region, record.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	SortRevisions(revisions)
	return revisions, nil
}

// Rollback routes all traffic to the second newest revision by creation time
// in a single traffic update.
func (o *Orchestrator) Rollback(ctx context.Context, record domain.ProjectRecord, req Request) (domain.RollbackResult, error) {
	revisions, err := o.ListRevisions(ctx, record)
	if err != nil {
		return domain.RollbackResult{}, err
	}
	if len(revisions) < 2 {
		return domain.RollbackResult{}, fmt.Errorf("%w: %s has %d", ErrInsufficientHistory, record.ServiceName, len(revisions))
	}
	current, target := revisions[0].Name, revisions[1].Name

	split := make(map[string]int64, len(revisions))
	for _, rev := range revisions {
		split[rev.Name] = 0
	}
	split[target] = 100

	url, err := o.cloud.UpdateTrafficSplit(ctx, record.CloudProjectID, record.Region, record.ServiceName, split)
	if err != nil {
		return domain.RollbackResult{}, fmt.Errorf("update traffic: %w", err)
	}
	if url == "" {
		url = record.DeploymentURL
	}
	o.logger.Info("service rolled back",
		"project_id", record.ID,
		"service", record.ServiceName,
		"from", current,
		"to", target,
		"actor", req.Actor,
	)

	result := domain.RollbackResult{Previous: current, Current: target, URL: url}
	result.IssueNumber = o.audit(ctx, record, req, current, target)
	return result, nil
}

// audit opens a tracking issue. Failures are logged and swallowed.
func (o *Orchestrator) audit(ctx context.Context, record domain.ProjectRecord, req Request, from, to string) int {
	if o.scm == nil {
		return 0
	}
	repo, err := scm.ParseRepository(record.Repository)
	if err != nil {
		o.logger.Warn("rollback audit skipped", "repository", record.Repository, "error", err)
		return 0
	}
	title := fmt.Sprintf("[Rollback] %s rolled back to %s", record.ServiceName, to)
	issue, err := o.scm.CreateIssue(ctx, repo, title, auditBody(record, req, from, to, o.now().UTC()), auditLabels)
	if err != nil {
		o.logger.Warn("rollback audit issue failed", "repository", record.Repository, "error", err)
		return 0
	}
	return issue.Number
}

func auditBody(record domain.ProjectRecord, req Request, from, to string, at time.Time) string {
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "unknown"
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual rollback"
	}
	var b strings.Builder
	b.WriteString("## Rollback\n\n")
	b.WriteString("- **Service:** " + record.ServiceName + "\n")
	b.WriteString("- **Project:** " + record.CloudProjectID + " (" + record.Region + ")\n")
	b.WriteString("- **From revision:** " + from + "\n")
	b.WriteString("- **To revision:** " + to + "\n")
	b.WriteString("- **Requested by:** " + actor + "\n")
	b.WriteString("- **At:** " + at.Format(time.RFC3339) + "\n")
	b.WriteString("- **Reason:** " + reason + "\n")
	return b.String()
}

// SortRevisions orders revisions newest first, breaking timestamp ties by name
// descending so the order is deterministic.
func SortRevisions(revisions []domain.Revision) {
	sort.SliceStable(revisions, func(i, j int) bool {
		a, b := revisions[i], revisions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Name > b.Name
	})
}
