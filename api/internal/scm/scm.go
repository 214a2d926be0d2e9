// Package scm defines the source control capabilities used for secret
// propagation, multi-file commits, rollback issues and pipeline status.
package scm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/splax/runway/api/internal/domain"
)

var (
	// ErrNotFound indicates a missing repository, branch, file or secret.
	ErrNotFound = errors.New("scm: not found")
	// ErrUnauthorized indicates the token was rejected or lacks scope.
	ErrUnauthorized = errors.New("scm: unauthorized")
	// ErrConflict indicates a stale sha or a non fast-forward ref update.
	ErrConflict = errors.New("scm: conflict")
	// ErrTransient marks retryable failures (5xx, rate limits, network).
	ErrTransient = errors.New("scm: transient remote failure")
	// ErrInvalidRepository is returned for malformed owner/name strings.
	ErrInvalidRepository = errors.New("scm: repository must be owner/name")
)

// Repository identifies a hosted repository.
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepository splits "owner/name". GitHub names are case-insensitive, so
// both parts are lowercased to give one canonical form per repository.
func ParseRepository(full string) (Repository, error) {
	parts := strings.Split(strings.TrimSpace(full), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return Repository{}, fmt.Errorf("%w: %q", ErrInvalidRepository, full)
	}
	return Repository{
		Owner: strings.ToLower(strings.TrimSpace(parts[0])),
		Name:  strings.ToLower(strings.TrimSpace(parts[1])),
	}, nil
}

// PublicKey is the repository's secret encryption key.
type PublicKey struct {
	KeyID string
	Key   string
}

// BranchHead is a branch tip and its root tree.
type BranchHead struct {
	CommitSHA string
	TreeSHA   string
}

// TreeEntry places a blob at a path.
type TreeEntry struct {
	Path    string
	BlobSHA string
}

// Issue is a created issue.
type Issue struct {
	Number int
	URL    string
}

// Client wraps the source control REST API for a single user.
type Client interface {
	GetPublicKey(ctx context.Context, repo Repository) (PublicKey, error)
	// PutSecret creates or overwrites a secret with an already sealed value.
	PutSecret(ctx context.Context, repo Repository, name, encryptedValue, keyID string) error
	ListSecretNames(ctx context.Context, repo Repository) ([]string, error)

	// GetFileSHA returns the blob sha of path on branch, or ErrNotFound.
	GetFileSHA(ctx context.Context, repo Repository, path, branch string) (string, error)
	// PutFile creates or updates a single file and returns the commit sha.
	// sha must be empty for new files.
	PutFile(ctx context.Context, repo Repository, path, branch, message string, content []byte, sha string) (string, error)

	GetBranchHead(ctx context.Context, repo Repository, branch string) (BranchHead, error)
	CreateBlob(ctx context.Context, repo Repository, content []byte) (string, error)
	CreateTree(ctx context.Context, repo Repository, baseTree string, entries []TreeEntry) (string, error)
	CreateCommit(ctx context.Context, repo Repository, message, tree string, parents []string) (string, error)
	// UpdateRef moves branch to sha without forcing.
	UpdateRef(ctx context.Context, repo Repository, branch, sha string) error

	CreateIssue(ctx context.Context, repo Repository, title, body string, labels []string) (Issue, error)

	// ListWorkflowRuns returns up to limit recent runs, newest first. An empty
	// workflowFile lists runs of every workflow in the repository.
	ListWorkflowRuns(ctx context.Context, repo Repository, workflowFile string, limit int) ([]domain.WorkflowRun, error)
	ListRunJobs(ctx context.Context, repo Repository, runID int64) ([]domain.WorkflowJob, error)
}

// Factory builds a Client authenticated with a user's access token.
type Factory func(ctx context.Context, accessToken string) (Client, error)
