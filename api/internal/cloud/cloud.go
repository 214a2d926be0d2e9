// Package cloud defines the cloud resource capabilities consumed by the
// provisioning saga and the rollback orchestrator.
package cloud

import (
	"context"
	"errors"

	"github.com/splax/runway/api/internal/domain"
)

var (
	// ErrAlreadyExists indicates the resource exists or the API is already enabled.
	ErrAlreadyExists = errors.New("cloud: already exists")
	// ErrUnauthorized indicates the access token was rejected.
	ErrUnauthorized = errors.New("cloud: unauthorized")
	// ErrPermissionDenied indicates the caller lacks a permission.
	ErrPermissionDenied = errors.New("cloud: permission denied")
	// ErrNotFound indicates the resource is missing or not yet visible.
	ErrNotFound = errors.New("cloud: not found")
	// ErrTransient marks retryable remote failures (5xx, 429, network).
	ErrTransient = errors.New("cloud: transient remote failure")
)

// Client wraps IAM, service usage and serving revision APIs.
type Client interface {
	EnableAPI(ctx context.Context, projectID, apiName string) error
	// CreateOrGetServiceIdentity creates the account or resolves the existing one; created reports which.
	CreateOrGetServiceIdentity(ctx context.Context, projectID, accountID, displayName string) (identity domain.ServiceIdentity, created bool, err error)
	GetServiceIdentity(ctx context.Context, projectID, email string) (domain.ServiceIdentity, error)
	GetAccessPolicy(ctx context.Context, projectID string) (*Policy, error)
	SetAccessPolicy(ctx context.Context, projectID string, policy *Policy) error
	// CreateKey returns the base64 encoded JSON credential of a new key.
	CreateKey(ctx context.Context, identity domain.ServiceIdentity) (string, error)
	// ListRevisions returns revisions annotated with traffic share, in no particular order.
	ListRevisions(ctx context.Context, projectID, region, serviceName string) ([]domain.Revision, error)
	// UpdateTrafficSplit replaces the traffic assignment in one update and returns the service URL.
	UpdateTrafficSplit(ctx context.Context, projectID, region, serviceName string, split map[string]int64) (string, error)
	// ListProjects returns the active projects the token can see.
	ListProjects(ctx context.Context) ([]domain.CloudProject, error)
}

// Factory builds a Client authenticated with a user's access token.
type Factory func(ctx context.Context, accessToken string) (Client, error)

// ServiceAccountEmail is the deterministic email of an account in a project.
func ServiceAccountEmail(accountID, projectID string) string {
	return accountID + "@" + projectID + ".iam.gserviceaccount.com"
}

// ServiceAccountMember formats an IAM member for a service account email.
func ServiceAccountMember(email string) string {
	return "serviceAccount:" + email
}
