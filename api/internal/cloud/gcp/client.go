// Package gcp implements cloud.Client on the Google Cloud REST APIs.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	crm "google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/googleapi"
	iam "google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
	run "google.golang.org/api/run/v1"
	"google.golang.org/api/serviceusage/v1"

	"github.com/splax/runway/api/internal/cloud"
	"github.com/splax/runway/api/internal/domain"
)

const (
	serviceLabel      = "serving.knative.dev/service"
	defaultAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 20 * time.Second
	revisionPageSize  = 100
)

// Client implements cloud.Client.
type Client struct {
	usage    *serviceusage.Service
	iam      *iam.Service
	crm      *crm.Service
	opts     []option.ClientOption
	endpoint string
	retries  uint64
	delay    time.Duration
}

var _ cloud.Client = (*Client)(nil)

// Option customises a Client.
type Option func(*settings)

type settings struct {
	endpoint   string
	httpClient *http.Client
	attempts   int
	delay      time.Duration
}

// WithEndpoint points every API at a single base URL.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.endpoint = strings.TrimSpace(endpoint) }
}

// WithHTTPClient replaces the oauth2 transport.
func WithHTTPClient(h *http.Client) Option {
	return func(s *settings) { s.httpClient = h }
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

// New builds a Client acting with the supplied OAuth access token.
func New(ctx context.Context, accessToken string, opts ...Option) (*Client, error) {
	s := settings{attempts: defaultAttempts, delay: defaultRetryDelay}
	for _, opt := range opts {
		opt(&s)
	}
	var clientOpts []option.ClientOption
	if s.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(s.httpClient))
	} else {
		if strings.TrimSpace(accessToken) == "" {
			return nil, errors.New("gcp: access token required")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
		clientOpts = append(clientOpts, option.WithTokenSource(ts))
	}
	shared := clientOpts
	if s.endpoint != "" {
		shared = append(append([]option.ClientOption{}, clientOpts...), option.WithEndpoint(s.endpoint))
	}

	usage, err := serviceusage.NewService(ctx, shared...)
	if err != nil {
		return nil, fmt.Errorf("serviceusage client: %w", err)
	}
	iamSvc, err := iam.NewService(ctx, shared...)
	if err != nil {
		return nil, fmt.Errorf("iam client: %w", err)
	}
	crmSvc, err := crm.NewService(ctx, shared...)
	if err != nil {
		return nil, fmt.Errorf("resource manager client: %w", err)
	}
	return &Client{
		usage:    usage,
		iam:      iamSvc,
		crm:      crmSvc,
		opts:     clientOpts,
		endpoint: s.endpoint,
		retries:  uint64(s.attempts - 1),
		delay:    s.delay,
	}, nil
}

// NewFactory returns a cloud.Factory producing Clients with shared options.
func NewFactory(opts ...Option) cloud.Factory {
	return func(ctx context.Context, accessToken string) (cloud.Client, error) {
		return New(ctx, accessToken, opts...)
	}
}

// EnableAPI activates apiName in the project. Enabling an enabled API succeeds.
func (c *Client) EnableAPI(ctx context.Context, projectID, apiName string) error {
	name := fmt.Sprintf("projects/%s/services/%s", projectID, apiName)
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.usage.Services.Enable(name, &serviceusage.EnableServiceRequest{}).Context(ctx).Do()
		return err
	})
}

// CreateOrGetServiceIdentity creates accountID or resolves it when it already exists.
func (c *Client) CreateOrGetServiceIdentity(ctx context.Context, projectID, accountID, displayName string) (domain.ServiceIdentity, bool, error) {
	var account *iam.ServiceAccount
	err := c.call(ctx, func(ctx context.Context) error {
		req := &iam.CreateServiceAccountRequest{
			AccountId: accountID,
			ServiceAccount: &iam.ServiceAccount{
				DisplayName: displayName,
				Description: "Service account for GitHub Actions deployment",
			},
		}
		var err error
		account, err = c.iam.Projects.ServiceAccounts.Create("projects/"+projectID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		if errors.Is(err, cloud.ErrAlreadyExists) {
			email := cloud.ServiceAccountEmail(accountID, projectID)
			return domain.ServiceIdentity{
				Email:     email,
				Name:      serviceAccountName(projectID, email),
				ProjectID: projectID,
			}, false, nil
		}
		return domain.ServiceIdentity{}, false, err
	}
	return domain.ServiceIdentity{Email: account.Email, Name: account.Name, ProjectID: projectID}, true, nil
}

// GetServiceIdentity reads an account by email.
func (c *Client) GetServiceIdentity(ctx context.Context, projectID, email string) (domain.ServiceIdentity, error) {
	var account *iam.ServiceAccount
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		account, err = c.iam.Projects.ServiceAccounts.Get(serviceAccountName(projectID, email)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return domain.ServiceIdentity{}, err
	}
	return domain.ServiceIdentity{Email: account.Email, Name: account.Name, ProjectID: projectID}, nil
}

// GetAccessPolicy reads the project IAM policy.
func (c *Client) GetAccessPolicy(ctx context.Context, projectID string) (*cloud.Policy, error) {
	var policy *crm.Policy
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		policy, err = c.crm.Projects.GetIamPolicy(projectID, &crm.GetIamPolicyRequest{
			Options: &crm.GetPolicyOptions{RequestedPolicyVersion: 3},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return fromCRMPolicy(policy), nil
}

// SetAccessPolicy writes the project IAM policy guarded by its etag.
func (c *Client) SetAccessPolicy(ctx context.Context, projectID string, policy *cloud.Policy) error {
	if policy == nil {
		return errors.New("gcp: nil policy")
	}
	body := toCRMPolicy(policy)
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.crm.Projects.SetIamPolicy(projectID, &crm.SetIamPolicyRequest{Policy: body}).Context(ctx).Do()
		return err
	})
}

// CreateKey mints a JSON key and returns its base64 private key data.
func (c *Client) CreateKey(ctx context.Context, identity domain.ServiceIdentity) (string, error) {
	name := identity.Name
	if name == "" {
		name = serviceAccountName(identity.ProjectID, identity.Email)
	}
	var key *iam.ServiceAccountKey
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		key, err = c.iam.Projects.ServiceAccounts.Keys.Create(name, &iam.CreateServiceAccountKeyRequest{
			PrivateKeyType: "TYPE_GOOGLE_CREDENTIALS_FILE",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if key.PrivateKeyData == "" {
		return "", errors.New("gcp: key response missing private key data")
	}
	return key.PrivateKeyData, nil
}

// ListRevisions lists the service's revisions annotated with current traffic.
func (c *Client) ListRevisions(ctx context.Context, projectID, region, serviceName string) ([]domain.Revision, error) {
	runSvc, err := c.runService(ctx, region)
	if err != nil {
		return nil, err
	}
	parent := fmt.Sprintf("projects/%s/locations/%s", projectID, region)

	var service *run.Service
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		service, err = runSvc.Projects.Locations.Services.Get(parent + "/services/" + serviceName).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	var items []*run.Revision
	token := ""
	for {
		var page *run.ListRevisionsResponse
		err = c.call(ctx, func(ctx context.Context) error {
			call := runSvc.Projects.Locations.Revisions.List(parent).
				LabelSelector(serviceLabel + "=" + serviceName).
				Limit(revisionPageSize)
			if token != "" {
				call = call.Continue(token)
			}
			var err error
			page, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.Metadata == nil || page.Metadata.Continue == "" || page.Metadata.Continue == token {
			break
		}
		token = page.Metadata.Continue
	}

	traffic := trafficByRevision(service)
	revisions := make([]domain.Revision, 0, len(items))
	for _, item := range items {
		if item == nil || item.Metadata == nil {
			continue
		}
		rev := domain.Revision{Name: item.Metadata.Name}
		if ts, err := time.Parse(time.RFC3339, item.Metadata.CreationTimestamp); err == nil {
			rev.CreatedAt = ts.UTC()
		}
		if item.Spec != nil && len(item.Spec.Containers) > 0 && item.Spec.Containers[0] != nil {
			rev.Image = item.Spec.Containers[0].Image
		}
		if percent, ok := traffic[rev.Name]; ok {
			rev.TrafficPercent = percent
			rev.Active = percent > 0
		}
		revisions = append(revisions, rev)
	}
	return revisions, nil
}

// UpdateTrafficSplit replaces the service traffic block in one ReplaceService call.
func (c *Client) UpdateTrafficSplit(ctx context.Context, projectID, region, serviceName string, split map[string]int64) (string, error) {
	runSvc, err := c.runService(ctx, region)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("projects/%s/locations/%s/services/%s", projectID, region, serviceName)

	var service *run.Service
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		service, err = runSvc.Projects.Locations.Services.Get(name).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if service.Spec == nil {
		service.Spec = &run.ServiceSpec{}
	}
	service.Spec.Traffic = trafficTargets(split)

	var updated *run.Service
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		updated, err = runSvc.Projects.Locations.Services.ReplaceService(name, service).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if updated.Status != nil && updated.Status.Url != "" {
		return updated.Status.Url, nil
	}
	if service.Status != nil {
		return service.Status.Url, nil
	}
	return "", nil
}

// ListProjects returns the active projects visible to the token.
func (c *Client) ListProjects(ctx context.Context) ([]domain.CloudProject, error) {
	var projects []domain.CloudProject
	err := c.call(ctx, func(ctx context.Context) error {
		projects = projects[:0]
		return c.crm.Projects.List().Filter("lifecycleState:ACTIVE").Pages(ctx, func(page *crm.ListProjectsResponse) error {
			for _, p := range page.Projects {
				if p == nil {
					continue
				}
				projects = append(projects, domain.CloudProject{
					ProjectID:     p.ProjectId,
					Name:          p.Name,
					ProjectNumber: p.ProjectNumber,
					State:         p.LifecycleState,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ProjectID < projects[j].ProjectID })
	return projects, nil
}

func (c *Client) runService(ctx context.Context, region string) (*run.APIService, error) {
	endpoint := c.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s-run.googleapis.com/", region)
	}
	opts := append(append([]option.ClientOption{}, c.opts...), option.WithEndpoint(endpoint))
	svc, err := run.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("run client: %w", err)
	}
	return svc, nil
}

// call runs fn with retries on transient failures and classifies the final error.
func (c *Client) call(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		err := classify(fn(ctx))
		if errors.Is(err, cloud.ErrTransient) {
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
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusConflict:
			return fmt.Errorf("%w: %w", cloud.ErrAlreadyExists, err)
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", cloud.ErrUnauthorized, err)
		case gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %w", cloud.ErrPermissionDenied, err)
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", cloud.ErrNotFound, err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", cloud.ErrTransient, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", cloud.ErrTransient, err)
	}
	return err
}

func serviceAccountName(projectID, email string) string {
	return fmt.Sprintf("projects/%s/serviceAccounts/%s", projectID, email)
}

func trafficByRevision(service *run.Service) map[string]int64 {
	traffic := make(map[string]int64)
	if service == nil {
		return traffic
	}
	var targets []*run.TrafficTarget
	latest := ""
	if service.Status != nil {
		targets = service.Status.Traffic
		latest = service.Status.LatestReadyRevisionName
	}
	if len(targets) == 0 && service.Spec != nil {
		targets = service.Spec.Traffic
	}
	for _, t := range targets {
		if t == nil {
			continue
		}
		name := t.RevisionName
		if name == "" && t.LatestRevision {
			name = latest
		}
		if name == "" {
			continue
		}
		traffic[name] += t.Percent
	}
	return traffic
}

func trafficTargets(split map[string]int64) []*run.TrafficTarget {
	names := make([]string, 0, len(split))
	for name := range split {
		names = append(names, name)
	}
	sort.Strings(names)
	targets := make([]*run.TrafficTarget, 0, len(names))
	for _, name := range names {
		targets = append(targets, &run.TrafficTarget{RevisionName: name, Percent: split[name]})
	}
	return targets
}

func fromCRMPolicy(p *crm.Policy) *cloud.Policy {
	out := &cloud.Policy{Source: p}
	if p == nil {
		return out
	}
	out.Etag = p.Etag
	out.Version = p.Version
	for _, b := range p.Bindings {
		if b == nil {
			continue
		}
		binding := cloud.Binding{Role: b.Role, Members: append([]string(nil), b.Members...)}
		if b.Condition != nil {
			binding.Condition = &cloud.Condition{
				Expression:  b.Condition.Expression,
				Title:       b.Condition.Title,
				Description: b.Condition.Description,
			}
		}
		out.Bindings = append(out.Bindings, binding)
	}
	return out
}

func toCRMPolicy(p *cloud.Policy) *crm.Policy {
	out := &crm.Policy{}
	if src, ok := p.Source.(*crm.Policy); ok && src != nil {
		copied := *src
		out = &copied
	}
	out.Etag = p.Etag
	out.Version = p.Version
	out.Bindings = make([]*crm.Binding, 0, len(p.Bindings))
	for _, b := range p.Bindings {
		binding := &crm.Binding{Role: b.Role, Members: append([]string(nil), b.Members...)}
		if b.Condition != nil {
			binding.Condition = &crm.Expr{
				Expression:  b.Condition.Expression,
				Title:       b.Condition.Title,
				Description: b.Condition.Description,
			}
			if out.Version < 3 {
				out.Version = 3
			}
		}
		out.Bindings = append(out.Bindings, binding)
	}
	return out
}
