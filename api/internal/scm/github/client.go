// Package github implements scm.Client on the GitHub REST API.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/github"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/scm"
)

const (
	fileMode          = "100644"
	blobType          = "blob"
	maxRunsPerPage    = 100
	defaultAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 20 * time.Second
)

// Client implements scm.Client.
type Client struct {
	gh      *gh.Client
	limiter *rate.Limiter
	retries uint64
	delay   time.Duration
}

var _ scm.Client = (*Client)(nil)

// Option customises a Client.
type Option func(*settings)

type settings struct {
	baseURL    string
	httpClient *http.Client
	rps        float64
	attempts   int
	delay      time.Duration
}

// WithBaseURL targets a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(s *settings) { s.baseURL = strings.TrimSpace(raw) }
}

// WithHTTPClient replaces the oauth2 transport.
func WithHTTPClient(h *http.Client) Option {
	return func(s *settings) { s.httpClient = h }
}

// WithRequestsPerSecond paces outgoing calls. Zero disables pacing.
func WithRequestsPerSecond(rps float64) Option {
	return func(s *settings) { s.rps = rps }
}

// WithRetry bounds retries of transient failures. attempts counts the first
// call; initial is the first backoff delay. Zero values keep the defaults.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(s *settings) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if initial > 0 {
			s.delay = initial
		}
	}
}

// New builds a Client for accessToken.
func New(ctx context.Context, accessToken string, opts ...Option) (*Client, error) {
	s := settings{rps: 10, attempts: defaultAttempts, delay: defaultRetryDelay}
	for _, opt := range opts {
		opt(&s)
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("github: access token required")
	}
	httpClient := s.httpClient
	if httpClient == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
		httpClient = oauth2.NewClient(ctx, ts)
	} else {
		httpClient = &http.Client{
			Timeout:   httpClient.Timeout,
			Transport: &tokenTransport{token: accessToken, base: httpClient.Transport},
		}
	}
	client := gh.NewClient(httpClient)
	if s.baseURL != "" {
		base := s.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github: parse base url: %w", err)
		}
		client.BaseURL = u
		client.UploadURL = u
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rps), int(s.rps)+1)
	}
	return &Client{gh: client, limiter: limiter, retries: uint64(s.attempts - 1), delay: s.delay}, nil
}

// NewFactory returns an scm.Factory producing Clients with shared options.
func NewFactory(opts ...Option) scm.Factory {
	return func(ctx context.Context, accessToken string) (scm.Client, error) {
		return New(ctx, accessToken, opts...)
	}
}

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return base.RoundTrip(clone)
}

type publicKeyPayload struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"`
}

type secretPayload struct {
	EncryptedValue string `json:"encrypted_value"`
	KeyID          string `json:"key_id"`
}

type secretList struct {
	TotalCount int `json:"total_count"`
	Secrets    []struct {
		Name string `json:"name"`
	} `json:"secrets"`
}

// GetPublicKey fetches the Actions secret key of repo.
func (c *Client) GetPublicKey(ctx context.Context, repo scm.Repository) (scm.PublicKey, error) {
	var key publicKeyPayload
	err := c.call(ctx, func(ctx context.Context) error {
		req, err := c.gh.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/actions/secrets/public-key", repo.Owner, repo.Name), nil)
		if err != nil {
			return err
		}
		_, err = c.gh.Do(ctx, req, &key)
		return err
	})
	if err != nil {
		return scm.PublicKey{}, err
	}
	return scm.PublicKey{KeyID: key.KeyID, Key: key.Key}, nil
}

// PutSecret creates or overwrites an Actions secret.
func (c *Client) PutSecret(ctx context.Context, repo scm.Repository, name, encryptedValue, keyID string) error {
	body := secretPayload{EncryptedValue: encryptedValue, KeyID: keyID}
	return c.call(ctx, func(ctx context.Context) error {
		req, err := c.gh.NewRequest(http.MethodPut, fmt.Sprintf("repos/%s/%s/actions/secrets/%s", repo.Owner, repo.Name, url.PathEscape(name)), body)
		if err != nil {
			return err
		}
		_, err = c.gh.Do(ctx, req, nil)
		return err
	})
}

// ListSecretNames returns the names of the repository's Actions secrets.
func (c *Client) ListSecretNames(ctx context.Context, repo scm.Repository) ([]string, error) {
	var names []string
	for page := 1; ; page++ {
		var list secretList
		err := c.call(ctx, func(ctx context.Context) error {
			path := fmt.Sprintf("repos/%s/%s/actions/secrets?per_page=100&page=%d", repo.Owner, repo.Name, page)
			req, err := c.gh.NewRequest(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			_, err = c.gh.Do(ctx, req, &list)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, s := range list.Secrets {
			names = append(names, s.Name)
		}
		if len(list.Secrets) == 0 || len(names) >= list.TotalCount {
			return names, nil
		}
	}
}

// GetFileSHA returns the blob sha of path on branch.
func (c *Client) GetFileSHA(ctx context.Context, repo scm.Repository, path, branch string) (string, error) {
	var sha string
	err := c.call(ctx, func(ctx context.Context) error {
		file, _, _, err := c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, &gh.RepositoryContentGetOptions{Ref: branch})
		if err != nil {
			return err
		}
		if file == nil {
			return fmt.Errorf("%w: %s is a directory", scm.ErrNotFound, path)
		}
		sha = file.GetSHA()
		return nil
	})
	return sha, err
}

// PutFile creates or updates a single file.
func (c *Client) PutFile(ctx context.Context, repo scm.Repository, path, branch, message string, content []byte, sha string) (string, error) {
	opts := &gh.RepositoryContentFileOptions{
		Message: gh.String(message),
		Content: content,
		Branch:  gh.String(branch),
	}
	var commitSHA string
	err := c.call(ctx, func(ctx context.Context) error {
		var (
			res *gh.RepositoryContentResponse
			err error
		)
		if sha == "" {
			res, _, err = c.gh.Repositories.CreateFile(ctx, repo.Owner, repo.Name, path, opts)
		} else {
			opts.SHA = gh.String(sha)
			res, _, err = c.gh.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, path, opts)
		}
		if err != nil {
			return err
		}
		if res != nil {
			commitSHA = res.Commit.GetSHA()
		}
		return nil
	})
	return commitSHA, err
}

// GetBranchHead resolves the tip commit and root tree of branch.
func (c *Client) GetBranchHead(ctx context.Context, repo scm.Repository, branch string) (scm.BranchHead, error) {
	var head scm.BranchHead
	err := c.call(ctx, func(ctx context.Context) error {
		br, _, err := c.gh.Repositories.GetBranch(ctx, repo.Owner, repo.Name, branch)
		if err != nil {
			return err
		}
		commit := br.GetCommit()
		head = scm.BranchHead{
			CommitSHA: commit.GetSHA(),
			TreeSHA:   commit.GetCommit().GetTree().GetSHA(),
		}
		return nil
	})
	if err != nil {
		return scm.BranchHead{}, err
	}
	if head.CommitSHA == "" {
		return scm.BranchHead{}, fmt.Errorf("%w: branch %s has no commit", scm.ErrNotFound, branch)
	}
	return head, nil
}

// CreateBlob uploads content and returns its sha.
func (c *Client) CreateBlob(ctx context.Context, repo scm.Repository, content []byte) (string, error) {
	blob := &gh.Blob{
		Content:  gh.String(base64.StdEncoding.EncodeToString(content)),
		Encoding: gh.String("base64"),
	}
	var sha string
	err := c.call(ctx, func(ctx context.Context) error {
		created, _, err := c.gh.Git.CreateBlob(ctx, repo.Owner, repo.Name, blob)
		if err != nil {
			return err
		}
		sha = created.GetSHA()
		return nil
	})
	return sha, err
}

// CreateTree creates a tree layered on baseTree.
func (c *Client) CreateTree(ctx context.Context, repo scm.Repository, baseTree string, entries []scm.TreeEntry) (string, error) {
	ghEntries := make([]gh.TreeEntry, 0, len(entries))
	for _, e := range entries {
		ghEntries = append(ghEntries, gh.TreeEntry{
			Path: gh.String(e.Path),
			Mode: gh.String(fileMode),
			Type: gh.String(blobType),
			SHA:  gh.String(e.BlobSHA),
		})
	}
	var sha string
	err := c.call(ctx, func(ctx context.Context) error {
		tree, _, err := c.gh.Git.CreateTree(ctx, repo.Owner, repo.Name, baseTree, ghEntries)
		if err != nil {
			return err
		}
		sha = tree.GetSHA()
		return nil
	})
	return sha, err
}

// CreateCommit creates a commit object.
func (c *Client) CreateCommit(ctx context.Context, repo scm.Repository, message, tree string, parents []string) (string, error) {
	commit := &gh.Commit{
		Message: gh.String(message),
		Tree:    &gh.Tree{SHA: gh.String(tree)},
	}
	for _, p := range parents {
		commit.Parents = append(commit.Parents, gh.Commit{SHA: gh.String(p)})
	}
	var sha string
	err := c.call(ctx, func(ctx context.Context) error {
		created, _, err := c.gh.Git.CreateCommit(ctx, repo.Owner, repo.Name, commit)
		if err != nil {
			return err
		}
		sha = created.GetSHA()
		return nil
	})
	return sha, err
}

// UpdateRef fast-forwards branch to sha.
func (c *Client) UpdateRef(ctx context.Context, repo scm.Repository, branch, sha string) error {
	ref := &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: gh.String(sha)},
	}
	return c.call(ctx, func(ctx context.Context) error {
		_, _, err := c.gh.Git.UpdateRef(ctx, repo.Owner, repo.Name, ref, false)
		return err
	})
}

// CreateIssue opens an issue.
func (c *Client) CreateIssue(ctx context.Context, repo scm.Repository, title, body string, labels []string) (scm.Issue, error) {
	req := &gh.IssueRequest{Title: gh.String(title), Body: gh.String(body)}
	if len(labels) > 0 {
		l := append([]string(nil), labels...)
		req.Labels = &l
	}
	var issue scm.Issue
	err := c.call(ctx, func(ctx context.Context) error {
		created, _, err := c.gh.Issues.Create(ctx, repo.Owner, repo.Name, req)
		if err != nil {
			return err
		}
		issue = scm.Issue{Number: created.GetNumber(), URL: created.GetHTMLURL()}
		return nil
	})
	return issue, err
}

type workflowRunList struct {
	TotalCount   int `json:"total_count"`
	WorkflowRuns []struct {
		ID         int64     `json:"id"`
		Name       string    `json:"name"`
		Status     string    `json:"status"`
		Conclusion string    `json:"conclusion"`
		RunNumber  int       `json:"run_number"`
		HeadBranch string    `json:"head_branch"`
		HeadSHA    string    `json:"head_sha"`
		HTMLURL    string    `json:"html_url"`
		CreatedAt  time.Time `json:"created_at"`
		UpdatedAt  time.Time `json:"updated_at"`
	} `json:"workflow_runs"`
}

type jobStepPayload struct {
	Number      int        `json:"number"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type runJobList struct {
	TotalCount int `json:"total_count"`
	Jobs       []struct {
		ID          int64            `json:"id"`
		Name        string           `json:"name"`
		Status      string           `json:"status"`
		Conclusion  string           `json:"conclusion"`
		HTMLURL     string           `json:"html_url"`
		StartedAt   *time.Time       `json:"started_at"`
		CompletedAt *time.Time       `json:"completed_at"`
		Steps       []jobStepPayload `json:"steps"`
	} `json:"jobs"`
}

// ListWorkflowRuns returns the most recent Actions runs of repo.
func (c *Client) ListWorkflowRuns(ctx context.Context, repo scm.Repository, workflowFile string, limit int) ([]domain.WorkflowRun, error) {
	if limit <= 0 || limit > maxRunsPerPage {
		limit = maxRunsPerPage
	}
	path := fmt.Sprintf("repos/%s/%s/actions/runs?per_page=%d", repo.Owner, repo.Name, limit)
	if workflowFile != "" {
		path = fmt.Sprintf("repos/%s/%s/actions/workflows/%s/runs?per_page=%d", repo.Owner, repo.Name, url.PathEscape(workflowFile), limit)
	}
	var list workflowRunList
	err := c.call(ctx, func(ctx context.Context) error {
		req, err := c.gh.NewRequest(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		_, err = c.gh.Do(ctx, req, &list)
		return err
	})
	if err != nil {
		return nil, err
	}
	runs := make([]domain.WorkflowRun, 0, len(list.WorkflowRuns))
	for _, r := range list.WorkflowRuns {
		runs = append(runs, domain.WorkflowRun{
			ID:         r.ID,
			Name:       r.Name,
			Status:     r.Status,
			Conclusion: r.Conclusion,
			RunNumber:  r.RunNumber,
			HeadBranch: r.HeadBranch,
			HeadSHA:    r.HeadSHA,
			URL:        r.HTMLURL,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListRunJobs returns every job of a run with its steps.
func (c *Client) ListRunJobs(ctx context.Context, repo scm.Repository, runID int64) ([]domain.WorkflowJob, error) {
	jobs := make([]domain.WorkflowJob, 0)
	for page := 1; ; page++ {
		var list runJobList
		err := c.call(ctx, func(ctx context.Context) error {
			path := fmt.Sprintf("repos/%s/%s/actions/runs/%d/jobs?per_page=%d&page=%d", repo.Owner, repo.Name, runID, maxRunsPerPage, page)
			req, err := c.gh.NewRequest(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			_, err = c.gh.Do(ctx, req, &list)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, j := range list.Jobs {
			job := domain.WorkflowJob{
				ID:          j.ID,
				Name:        j.Name,
				Status:      j.Status,
				Conclusion:  j.Conclusion,
				URL:         j.HTMLURL,
				StartedAt:   j.StartedAt,
				CompletedAt: j.CompletedAt,
				Steps:       make([]domain.WorkflowStep, 0, len(j.Steps)),
			}
			for _, st := range j.Steps {
				job.Steps = append(job.Steps, domain.WorkflowStep(st))
			}
			jobs = append(jobs, job)
		}
		if len(list.Jobs) == 0 || len(jobs) >= list.TotalCount {
			return jobs, nil
		}
	}
}

func (c *Client) call(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := classify(fn(ctx))
		if errors.Is(err, scm.ErrTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.delay)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(maxRetryDelay, b)
	return retry.WithMaxRetries(c.retries, b)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w: %w", scm.ErrTransient, err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %w", scm.ErrTransient, err)
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		switch {
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", scm.ErrNotFound, err)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return fmt.Errorf("%w: %w", scm.ErrUnauthorized, err)
		case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %w", scm.ErrConflict, err)
		case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", scm.ErrTransient, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", scm.ErrTransient, err)
	}
	return err
}
