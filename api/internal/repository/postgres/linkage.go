package postgres

import (
	"context"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
)

// UpsertLinkage stores or replaces a user's external account token.
func (r *Repository) UpsertLinkage(ctx context.Context, linkage *domain.Linkage) error {
	const query = `INSERT INTO user_linkages (user_id, provider, account_name, token, connected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			account_name = EXCLUDED.account_name,
			token = EXCLUDED.token,
			connected_at = EXCLUDED.connected_at`
	_, err := r.pool.Exec(ctx, query, linkage.UserID, linkage.Provider, linkage.AccountName, linkage.Token, linkage.ConnectedAt)
	return mapError(err)
}

// GetLinkage returns the linkage for a provider.
func (r *Repository) GetLinkage(ctx context.Context, userID, provider string) (*domain.Linkage, error) {
	const query = `SELECT user_id, provider, account_name, token, connected_at
		FROM user_linkages WHERE user_id = $1 AND provider = $2`
	var l domain.Linkage
	err := r.pool.QueryRow(ctx, query, userID, provider).Scan(&l.UserID, &l.Provider, &l.AccountName, &l.Token, &l.ConnectedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &l, nil
}

// ListLinkages returns every linkage of a user without decrypting tokens.
func (r *Repository) ListLinkages(ctx context.Context, userID string) ([]domain.Linkage, error) {
	const query = `SELECT user_id, provider, account_name, token, connected_at
		FROM user_linkages WHERE user_id = $1 ORDER BY provider`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	linkages := make([]domain.Linkage, 0)
	for rows.Next() {
		var l domain.Linkage
		if err := rows.Scan(&l.UserID, &l.Provider, &l.AccountName, &l.Token, &l.ConnectedAt); err != nil {
			return nil, err
		}
		linkages = append(linkages, l)
	}
	return linkages, rows.Err()
}

// DeleteLinkage removes a provider linkage.
func (r *Repository) DeleteLinkage(ctx context.Context, userID, provider string) error {
	const query = `DELETE FROM user_linkages WHERE user_id = $1 AND provider = $2`
	tag, err := r.pool.Exec(ctx, query, userID, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
