// Package client is a typed client for the runway API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:4000"

// Client provides typed access to the runway API for interactive tools.
// Requests are bounded by the caller's context; provisioning can run for
// minutes, so the default HTTP client has no timeout of its own.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API. Failed provisioning
// runs carry the step ledger recorded before the failure.
type APIError struct {
	Status  int
	Message string
	RunID   string
	Steps   []StepResult
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, resp.Body)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error string       `json:"error"`
		RunID string       `json:"run_id"`
		Steps []StepResult `json:"steps"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.RunID = payload.RunID
	apiErr.Steps = payload.Steps
	return apiErr
}

// LoginResponse captures the token payload emitted by the API.
type LoginResponse struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    time.Duration `json:"expires_in"`
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	return c.credentials(ctx, "/auth/login", email, password)
}

// Signup registers an account and returns its first token pair.
func (c *Client) Signup(ctx context.Context, email, password string) (LoginResponse, error) {
	return c.credentials(ctx, "/auth/signup", email, password)
}

func (c *Client) credentials(ctx context.Context, path, email, password string) (LoginResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, path, body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Refresh trades a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var resp struct {
		Tokens TokenPair `json:"tokens"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, "", &resp); err != nil {
		return TokenPair{}, err
	}
	return resp.Tokens, nil
}

// Linkage is a connected provider account.
type Linkage struct {
	Provider    string    `json:"provider"`
	AccountName string    `json:"account_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Me returns the caller and their linked accounts.
func (c *Client) Me(ctx context.Context, token string) (User, []Linkage, error) {
	var resp struct {
		User     User      `json:"user"`
		Linkages []Linkage `json:"linkages"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", nil, token, &resp); err != nil {
		return User{}, nil, err
	}
	return resp.User, resp.Linkages, nil
}

// Link stores a provider access token for the caller.
func (c *Client) Link(ctx context.Context, token, provider, accountName, accessToken string) (Linkage, error) {
	body := map[string]string{"account_name": accountName, "access_token": accessToken}
	var resp Linkage
	if err := c.do(ctx, http.MethodPut, "/me/linkages/"+url.PathEscape(provider), body, token, &resp); err != nil {
		return Linkage{}, err
	}
	return resp, nil
}

// Unlink removes a provider linkage.
func (c *Client) Unlink(ctx context.Context, token, provider string) error {
	return c.do(ctx, http.MethodDelete, "/me/linkages/"+url.PathEscape(provider), nil, token, nil)
}

// ProvisionRequest mirrors the API's provisioning payload.
type ProvisionRequest struct {
	Repository           string            `json:"repository"`
	CloudProjectID       string            `json:"cloud_project_id"`
	ServiceName          string            `json:"service_name"`
	Region               string            `json:"region,omitempty"`
	Branch               string            `json:"branch,omitempty"`
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`
	Files                map[string]string `json:"files,omitempty"`
}

// StepResult is one saga ledger entry.
type StepResult struct {
	Step      string    `json:"step"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Project is a ledger record.
type Project struct {
	ID             string    `json:"id"`
	Repository     string    `json:"repository"`
	CloudProjectID string    `json:"cloud_project_id"`
	ServiceName    string    `json:"service_name"`
	Region         string    `json:"region"`
	DeploymentURL  string    `json:"deployment_url"`
	WorkflowPath   string    `json:"workflow_path"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProvisionResult is a successful provisioning run.
type ProvisionResult struct {
	RunID   string       `json:"run_id"`
	Project *Project     `json:"project"`
	Steps   []StepResult `json:"steps"`
}

// Provision runs the provisioning saga and waits for it to finish.
func (c *Client) Provision(ctx context.Context, token string, req ProvisionRequest) (ProvisionResult, error) {
	var resp ProvisionResult
	if err := c.do(ctx, http.MethodPost, "/provision", req, token, &resp); err != nil {
		return ProvisionResult{}, err
	}
	return resp, nil
}

// Run is a past provisioning run.
type Run struct {
	ID          string       `json:"id"`
	Repository  string       `json:"repository"`
	ServiceName string       `json:"service_name"`
	Status      string       `json:"status"`
	Error       string       `json:"error"`
	Steps       []StepResult `json:"steps"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// ListRuns returns recent provisioning runs.
func (c *Client) ListRuns(ctx context.Context, token string, limit int) ([]Run, error) {
	path := "/provision/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var runs []Run
	if err := c.do(ctx, http.MethodGet, path, nil, token, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Revision is a deployed service revision.
type Revision struct {
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	TrafficPercent int64     `json:"traffic_percent"`
	Active         bool      `json:"active"`
}

// Revisions lists a project's revisions, newest first.
func (c *Client) Revisions(ctx context.Context, token, projectID string) ([]Revision, error) {
	var revisions []Revision
	if err := c.do(ctx, http.MethodGet, "/revisions/"+url.PathEscape(projectID), nil, token, &revisions); err != nil {
		return nil, err
	}
	return revisions, nil
}

// RollbackResult reports a completed rollback.
type RollbackResult struct {
	Previous    string `json:"previous"`
	Current     string `json:"current"`
	URL         string `json:"url"`
	IssueNumber int    `json:"issue_number"`
}

// Rollback shifts a project's traffic to its previous revision.
func (c *Client) Rollback(ctx context.Context, token, projectID, reason string) (RollbackResult, error) {
	var resp RollbackResult
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/rollback/"+url.PathEscape(projectID), body, token, &resp); err != nil {
		return RollbackResult{}, err
	}
	return resp, nil
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// DeleteProject removes a ledger record.
func (c *Client) DeleteProject(ctx context.Context, token, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, token, nil)
}

// Verification reports whether a repository still has its deploy wiring.
type Verification struct {
	PresentSecrets  []string `json:"present_secrets"`
	MissingSecrets  []string `json:"missing_secrets"`
	WorkflowPresent bool     `json:"workflow_present"`
	Ready           bool     `json:"ready"`
}

// Verify checks a project's repository.
func (c *Client) Verify(ctx context.Context, token, projectID string) (Verification, error) {
	var v Verification
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/verify", nil, token, &v); err != nil {
		return Verification{}, err
	}
	return v, nil
}

// WorkflowRun is one pipeline run of a project's repository.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	RunNumber  int       `json:"run_number"`
	HeadBranch string    `json:"head_branch"`
	URL        string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowStep is a step of a job.
type WorkflowStep struct {
	Number     int    `json:"number"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// WorkflowJob is a job of a run.
type WorkflowJob struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Conclusion string         `json:"conclusion"`
	Steps      []WorkflowStep `json:"steps"`
}

// Deployments is a project's recent pipeline activity.
type Deployments struct {
	Runs    []WorkflowRun `json:"workflow_runs"`
	Current *WorkflowRun  `json:"current_run"`
	Jobs    []WorkflowJob `json:"jobs"`
}

// Deployments lists a project's recent runs. A positive runID also returns
// that run's jobs.
func (c *Client) Deployments(ctx context.Context, token, projectID string, runID int64) (Deployments, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/deployments"
	if runID > 0 {
		path += "?run_id=" + strconv.FormatInt(runID, 10)
	}
	var d Deployments
	if err := c.do(ctx, http.MethodGet, path, nil, token, &d); err != nil {
		return Deployments{}, err
	}
	return d, nil
}

// CloudConnection reports the state of the Google linkage.
type CloudConnection struct {
	Linked       bool   `json:"linked"`
	ValidToken   bool   `json:"valid_token"`
	ProjectCount int    `json:"project_count"`
	Error        string `json:"error"`
}

// CloudProject is a Google Cloud project the caller can deploy to.
type CloudProject struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	State     string `json:"lifecycle_state"`
}

// CloudConnection checks the caller's Google linkage.
func (c *Client) CloudConnection(ctx context.Context, token string) (CloudConnection, error) {
	var conn CloudConnection
	if err := c.do(ctx, http.MethodGet, "/cloud/connection", nil, token, &conn); err != nil {
		return CloudConnection{}, err
	}
	return conn, nil
}

// CloudProjects lists the caller's active Google Cloud projects.
func (c *Client) CloudProjects(ctx context.Context, token string) ([]CloudProject, error) {
	var projects []CloudProject
	if err := c.do(ctx, http.MethodGet, "/cloud/projects", nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}
