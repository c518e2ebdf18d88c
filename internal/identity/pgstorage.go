package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStorage is a thin, read-only adapter over the externally-owned user and
// API key tables of the Auth & Subscription store. It never writes: user
// and API key lifecycle (creation, rotation, password changes) belongs to
// that store, not to this module.
type PGStorage struct {
	pool *pgxpool.Pool
}

// NewPGStorage creates a PGStorage backed by pool.
func NewPGStorage(pool *pgxpool.Pool) *PGStorage {
	return &PGStorage{pool: pool}
}

// GetUserByID looks up a user by id.
func (s *PGStorage) GetUserByID(ctx context.Context, userID string) (*UserRow, error) {
	var u UserRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, active, tier_id FROM users WHERE id = $1`, userID,
	).Scan(&u.UserID, &u.Email, &u.Active, &u.TierID)
	if err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", userID, err)
	}
	return &u, nil
}

// GetAPIKeyByHash looks up an API key by its stored hash.
func (s *PGStorage) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKeyRow, error) {
	var k APIKeyRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, active, expires_at FROM api_keys WHERE key_hash = $1`, hash,
	).Scan(&k.APIKeyID, &k.UserID, &k.Active, &k.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	return &k, nil
}
