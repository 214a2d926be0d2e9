package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
	"github.com/splax/runway/pkg/crypto"
)

// LinkAccount stores an OAuth access token for provider, encrypted at rest.
// Linking again replaces the previous token.
func (s Service) LinkAccount(ctx context.Context, userID, provider, accountName, accessToken string) (*domain.Linkage, error) {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return nil, err
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("%w: access token required", repository.ErrInvalidArgument)
	}
	sealed, err := crypto.EncryptString(s.cfg.TokenEncryptionKey, accessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}
	linkage := &domain.Linkage{
		UserID:      userID,
		Provider:    provider,
		AccountName: strings.TrimSpace(accountName),
		Token:       sealed,
		ConnectedAt: time.Now().UTC(),
	}
	if err := s.linkages.UpsertLinkage(ctx, linkage); err != nil {
		return nil, err
	}
	s.logger.Info("account linked", "user_id", userID, "provider", provider)
	return linkage, nil
}

// UnlinkAccount removes a provider linkage.
func (s Service) UnlinkAccount(ctx context.Context, userID, provider string) error {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return err
	}
	if err := s.linkages.DeleteLinkage(ctx, userID, provider); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrLinkageMissing
		}
		return err
	}
	s.logger.Info("account unlinked", "user_id", userID, "provider", provider)
	return nil
}

// Linkages lists the user's linked providers. Tokens stay encrypted.
func (s Service) Linkages(ctx context.Context, userID string) ([]domain.Linkage, error) {
	return s.linkages.ListLinkages(ctx, userID)
}

// AccessToken returns the decrypted token for provider or ErrLinkageMissing.
func (s Service) AccessToken(ctx context.Context, userID, provider string) (string, error) {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return "", err
	}
	linkage, err := s.linkages.GetLinkage(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrLinkageMissing, provider)
		}
		return "", err
	}
	token, err := crypto.DecryptToString(s.cfg.TokenEncryptionKey, linkage.Token)
	if err != nil {
		return "", fmt.Errorf("decrypt %s token: %w", provider, err)
	}
	return token, nil
}

func normalizeProvider(provider string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(provider)); p {
	case domain.ProviderGitHub, domain.ProviderGoogle:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}
