// Package secrets publishes encrypted repository secrets.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/scm"
	"github.com/splax/runway/pkg/crypto"
)

// ErrInvalidSecretName is returned for empty names.
var ErrInvalidSecretName = errors.New("secret name is required")

// Result is the outcome of publishing one secret.
type Result struct {
	Name string
	Err  error
}

// Propagator seals values with the repository key and publishes them.
type Propagator struct {
	client scm.Client
	logger *slog.Logger
}

// New returns a Propagator bound to one source control client.
func New(client scm.Client, logger *slog.Logger) Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return Propagator{client: client, logger: logger.With("component", "secrets")}
}

// Propagate publishes value under name, replacing any existing secret.
func (p Propagator) Propagate(ctx context.Context, repo scm.Repository, name, value string) error {
	key, err := p.client.GetPublicKey(ctx, repo)
	if err != nil {
		return fmt.Errorf("fetch public key: %w", err)
	}
	return p.publish(ctx, repo, key, domain.SecretSpec{Name: name, Value: value, Repository: repo.String()})
}

// PropagateAll publishes each secret independently using one key fetch.
// A failed secret does not stop the rest; results follow input order.
// If the key cannot be fetched every result carries that error.
func (p Propagator) PropagateAll(ctx context.Context, repo scm.Repository, specs []domain.SecretSpec) []Result {
	results := make([]Result, len(specs))
	key, err := p.client.GetPublicKey(ctx, repo)
	if err != nil {
		err = fmt.Errorf("fetch public key: %w", err)
		p.logger.Warn("public key unavailable", "repository", repo.String(), "error", err)
		for i, spec := range specs {
			results[i] = Result{Name: spec.Name, Err: err}
		}
		return results
	}
	for i, spec := range specs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			results[i] = Result{Name: spec.Name, Err: ctxErr}
			continue
		}
		results[i] = Result{Name: spec.Name, Err: p.publish(ctx, repo, key, spec)}
	}
	return results
}

func (p Propagator) publish(ctx context.Context, repo scm.Repository, key scm.PublicKey, spec domain.SecretSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return ErrInvalidSecretName
	}
	sealed, err := crypto.SealBase64(key.Key, []byte(spec.Value))
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", spec.Name, err)
	}
	if err := p.client.PutSecret(ctx, repo, spec.Name, sealed, key.KeyID); err != nil {
		p.logger.Warn("secret publish failed", "secret", spec, "error", err)
		return fmt.Errorf("publish %s: %w", spec.Name, err)
	}
	p.logger.Debug("secret published", "secret", spec)
	return nil
}
