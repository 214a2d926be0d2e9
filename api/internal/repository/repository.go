package repository

import (
	"context"

	"github.com/splax/runway/api/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// LinkageRepository stores encrypted external account tokens.
type LinkageRepository interface {
	UpsertLinkage(ctx context.Context, linkage *domain.Linkage) error
	GetLinkage(ctx context.Context, userID, provider string) (*domain.Linkage, error)
	ListLinkages(ctx context.Context, userID string) ([]domain.Linkage, error)
	DeleteLinkage(ctx context.Context, userID, provider string) error
}

// ProjectRepository is the project ledger. Writes are serialized per
// (repository, service name).
type ProjectRepository interface {
	UpsertProject(ctx context.Context, record *domain.ProjectRecord) error
	GetProject(ctx context.Context, repository, serviceName string) (*domain.ProjectRecord, error)
	GetProjectByID(ctx context.Context, id string) (*domain.ProjectRecord, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]domain.ProjectRecord, error)
	DeleteProject(ctx context.Context, id string) error
}

// ProvisionRunRepository stores saga run history.
type ProvisionRunRepository interface {
	InsertProvisionRun(ctx context.Context, run *domain.ProvisionRun) error
	ListProvisionRunsByUser(ctx context.Context, userID string, limit int) ([]domain.ProvisionRun, error)
}
