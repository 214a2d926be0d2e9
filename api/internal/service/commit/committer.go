// Package commit applies a batch of files to a branch as one commit, falling
// back to per-file writes when the git data path is unavailable.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/scm"
)

var (
	// ErrEmptyBatch is returned when there is nothing to commit.
	ErrEmptyBatch = errors.New("commit batch has no files")
	// ErrPartialCommit is returned when the per-file fallback wrote only some files.
	ErrPartialCommit = errors.New("fallback commit wrote a subset of files")
)

// FileResult is the per-file outcome of a fallback commit.
type FileResult struct {
	Path     string `json:"path"`
	CommitID string `json:"commit_id,omitempty"`
	Err      error  `json:"-"`
}

// Result describes a completed commit attempt.
type Result struct {
	CommitID string
	Atomic   bool
	// AtomicErr is the error that forced the fallback path.
	AtomicErr error
	// Files is populated on the fallback path, one entry per batch file in order.
	Files []FileResult
}

// Written counts files that landed on the fallback path.
func (r Result) Written() int {
	n := 0
	for _, f := range r.Files {
		if f.Err == nil {
			n++
		}
	}
	return n
}

// Committer writes CommitBatches through an scm.Client.
type Committer struct {
	client scm.Client
	logger *slog.Logger
}

// New returns a Committer.
func New(client scm.Client, logger *slog.Logger) Committer {
	if logger == nil {
		logger = slog.Default()
	}
	return Committer{client: client, logger: logger.With("component", "commit")}
}

// CommitFiles applies batch to repo. On the atomic path every file lands in a
// single commit. If any atomic step fails the files are written one at a time
// in batch order; the returned Result then lists every file and the error is
// ErrPartialCommit when at least one write failed.
func (c Committer) CommitFiles(ctx context.Context, repo scm.Repository, batch domain.CommitBatch) (Result, error) {
	if len(batch.Files) == 0 {
		return Result{}, ErrEmptyBatch
	}
	for _, f := range batch.Files {
		if strings.TrimSpace(f.Path) == "" {
			return Result{}, fmt.Errorf("%w: empty path", ErrEmptyBatch)
		}
	}

	commitID, err := c.commitAtomic(ctx, repo, batch)
	if err == nil {
		c.logger.Info("files committed", "repository", repo.String(), "branch", batch.Branch, "commit", commitID, "files", len(batch.Files))
		return Result{CommitID: commitID, Atomic: true}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	c.logger.Warn("atomic commit failed, writing files individually", "repository", repo.String(), "branch", batch.Branch, "error", err)

	res := c.commitEach(ctx, repo, batch)
	res.AtomicErr = err
	if written := res.Written(); written != len(batch.Files) {
		return res, fmt.Errorf("%w: %d of %d files written: %w", ErrPartialCommit, written, len(batch.Files), err)
	}
	return res, nil
}

func (c Committer) commitAtomic(ctx context.Context, repo scm.Repository, batch domain.CommitBatch) (string, error) {
	head, err := c.client.GetBranchHead(ctx, repo, batch.Branch)
	if err != nil {
		return "", fmt.Errorf("resolve branch head: %w", err)
	}
	entries := make([]scm.TreeEntry, 0, len(batch.Files))
	for _, f := range batch.Files {
		sha, err := c.client.CreateBlob(ctx, repo, []byte(f.Content))
		if err != nil {
			return "", fmt.Errorf("create blob %s: %w", f.Path, err)
		}
		entries = append(entries, scm.TreeEntry{Path: f.Path, BlobSHA: sha})
	}
	tree, err := c.client.CreateTree(ctx, repo, head.TreeSHA, entries)
	if err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}
	commit, err := c.client.CreateCommit(ctx, repo, batch.Message, tree, []string{head.CommitSHA})
	if err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}
	if err := c.client.UpdateRef(ctx, repo, batch.Branch, commit); err != nil {
		return "", fmt.Errorf("update ref: %w", err)
	}
	return commit, nil
}

func (c Committer) commitEach(ctx context.Context, repo scm.Repository, batch domain.CommitBatch) Result {
	res := Result{Files: make([]FileResult, 0, len(batch.Files))}
	for _, f := range batch.Files {
		fr := FileResult{Path: f.Path}
		fr.CommitID, fr.Err = c.putFile(ctx, repo, batch, f)
		if fr.Err != nil {
			c.logger.Warn("file write failed", "repository", repo.String(), "path", f.Path, "error", fr.Err)
		} else {
			res.CommitID = fr.CommitID
		}
		res.Files = append(res.Files, fr)
	}
	return res
}

func (c Committer) putFile(ctx context.Context, repo scm.Repository, batch domain.CommitBatch, f domain.FileChange) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sha, err := c.client.GetFileSHA(ctx, repo, f.Path, batch.Branch)
	if err != nil && !errors.Is(err, scm.ErrNotFound) {
		return "", fmt.Errorf("lookup %s: %w", f.Path, err)
	}
	return c.client.PutFile(ctx, repo, f.Path, batch.Branch, batch.Message, []byte(f.Content), sha)
}
