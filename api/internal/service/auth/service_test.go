package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
	"github.com/splax/runway/pkg/config"
	jwtpkg "github.com/splax/runway/pkg/jwt"
)

type fakeUsers struct {
	byID map[string]*domain.User
}

func (f *fakeUsers) CreateUser(_ context.Context, user *domain.User) error {
	for _, u := range f.byID {
		if u.Email == user.Email {
			return repository.ErrConflict
		}
	}
	f.byID[user.ID] = user
	return nil
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUsers) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

type fakeLinkages struct {
	rows map[string]domain.Linkage
}

func (f *fakeLinkages) UpsertLinkage(_ context.Context, l *domain.Linkage) error {
	f.rows[l.UserID+"|"+l.Provider] = *l
	return nil
}

func (f *fakeLinkages) GetLinkage(_ context.Context, userID, provider string) (*domain.Linkage, error) {
	l, ok := f.rows[userID+"|"+provider]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

func (f *fakeLinkages) ListLinkages(_ context.Context, userID string) ([]domain.Linkage, error) {
	var out []domain.Linkage
	for _, l := range f.rows {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLinkages) DeleteLinkage(_ context.Context, userID, provider string) error {
	key := userID + "|" + provider
	if _, ok := f.rows[key]; !ok {
		return repository.ErrNotFound
	}
	delete(f.rows, key)
	return nil
}

func newTestService(logOut io.Writer) (Service, *fakeLinkages) {
	if logOut == nil {
		logOut = io.Discard
	}
	links := &fakeLinkages{rows: map[string]domain.Linkage{}}
	cfg := config.APIConfig{
		JWTSecret:          "test-secret",
		TokenEncryptionKey: "token-key",
		AccessTokenTTL:     time.Minute,
		RefreshTokenTTL:    time.Hour,
	}
	svc := New(&fakeUsers{byID: map[string]*domain.User{}}, links, slog.New(slog.NewTextHandler(logOut, nil)), cfg)
	return svc, links
}

func TestSignupLoginAuthorize(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	user, tokens, err := svc.Signup(ctx, " Dev@Example.com ", "password123")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "dev@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	authed, claims, err := svc.Authorize(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if authed.ID != user.ID || claims.Kind != jwtpkg.KindAccess {
		t.Fatalf("unexpected authorization %+v %+v", authed, claims)
	}
	if _, _, err := svc.Authorize(ctx, tokens.RefreshToken); !errors.Is(err, jwtpkg.ErrWrongKind) {
		t.Fatalf("expected refresh token to be rejected, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "dev@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "DEV@example.com", "password123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	refreshed, err := svc.Refresh(ctx, tokens.RefreshToken)
	if err != nil || refreshed.AccessToken == "" {
		t.Fatalf("refresh: %v", err)
	}
}

func TestSignupRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(nil)
	if _, _, err := svc.Signup(context.Background(), "not-an-email", "password123"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected invalid email, got %v", err)
	}
	if _, _, err := svc.Signup(context.Background(), "a@b.co", "short"); err == nil {
		t.Fatalf("expected short password error")
	}
	if _, _, err := svc.Authorize(context.Background(), " "); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected token required, got %v", err)
	}
}

func TestLinkAccountEncryptsToken(t *testing.T) {
	var logs bytes.Buffer
	svc, links := newTestService(&logs)
	ctx := context.Background()

	if _, err := svc.LinkAccount(ctx, "u1", "GitHub", "octocat", "gho_secret_token"); err != nil {
		t.Fatalf("link: %v", err)
	}
	stored := links.rows["u1|github"]
	if bytes.Contains(stored.Token, []byte("gho_secret_token")) {
		t.Fatalf("expected token to be encrypted at rest")
	}
	if bytes.Contains(logs.Bytes(), []byte("gho_secret_token")) {
		t.Fatalf("token leaked into logs")
	}
	token, err := svc.AccessToken(ctx, "u1", "github")
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if token != "gho_secret_token" {
		t.Fatalf("expected decrypted token, got %q", token)
	}
}

func TestAccessTokenMissingLinkage(t *testing.T) {
	svc, _ := newTestService(nil)
	if _, err := svc.AccessToken(context.Background(), "u1", "google"); !errors.Is(err, ErrLinkageMissing) {
		t.Fatalf("expected linkage missing, got %v", err)
	}
	if _, err := svc.LinkAccount(context.Background(), "u1", "gitlab", "", "t"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
	if err := svc.UnlinkAccount(context.Background(), "u1", "google"); !errors.Is(err, ErrLinkageMissing) {
		t.Fatalf("expected linkage missing on unlink, got %v", err)
	}
}
