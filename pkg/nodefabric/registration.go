package nodefabric

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/probemesh/internal/apierr"
	"github.com/wisbric/probemesh/internal/identity"
)

// RegistrationToken is a one-shot bootstrap credential that mints a
// ProbeNode identity.
type RegistrationToken struct {
	Token       string
	Description string
	Region      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	IsUsed      bool
	UsedAt      *time.Time
	BoundNodeID string
}

// Vault issues and redeems RegistrationTokens against Postgres.
type Vault struct {
	pool *pgxpool.Pool
}

func NewVault(pool *pgxpool.Pool) *Vault {
	return &Vault{pool: pool}
}

func generateOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue creates a new RegistrationToken, valid for expiryHours.
func (v *Vault) Issue(ctx context.Context, description, region string, expiryHours int) (*RegistrationToken, error) {
	token, err := generateOpaqueToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t := &RegistrationToken{
		Token:       token,
		Description: description,
		Region:      region,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(expiryHours) * time.Hour),
	}
	_, err = v.pool.Exec(ctx, `
		INSERT INTO registration_tokens (token, description, region, created_at, expires_at, is_used)
		VALUES ($1, $2, $3, $4, $5, false)`,
		t.Token, t.Description, nullIfEmpty(t.Region), t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("issuing registration token: %w", err)
	}
	return t, nil
}

// Revoke marks a token used and expired, independent of whether it was ever
// redeemed.
func (v *Vault) Revoke(ctx context.Context, token string) error {
	now := time.Now()
	tag, err := v.pool.Exec(ctx, `
		UPDATE registration_tokens SET is_used = true, used_at = $2, expires_at = $2
		WHERE token = $1`, token, now)
	if err != nil {
		return fmt.Errorf("revoking registration token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "registration token not found")
	}
	return nil
}

// NodeAttrs is the caller-supplied node description at registration time.
type NodeAttrs struct {
	Name           string
	Hostname       string
	Region         string
	Zone           string
	SupportedTools map[string]bool
}

// Redeem atomically finds an unused, unexpired token matching the given
// value, marks it used, and creates the new ProbeNode — all within one
// transaction, per invariant I5 (a token transitions is_used false→true at
// most once).
func (v *Vault) Redeem(ctx context.Context, token string, attrs NodeAttrs) (nodeUUID, rawAPIKey string, err error) {
	tx, err := v.pool.Begin(ctx)
	if err != nil {
		return "", "", fmt.Errorf("beginning registration transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var region *string
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT region, expires_at FROM registration_tokens
		WHERE token = $1 AND is_used = false
		FOR UPDATE`, token).Scan(&region, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", "", apierr.New(apierr.Unauthenticated, "registration token invalid or already used")
		}
		return "", "", fmt.Errorf("locking registration token: %w", err)
	}
	if time.Now().After(expiresAt) {
		return "", "", apierr.New(apierr.Unauthenticated, "registration token expired")
	}

	nodeUUID = uuid.NewString()
	rawAPIKey, err = generateOpaqueToken()
	if err != nil {
		return "", "", err
	}
	apiKeyHash := identity.HashAPIKey(rawAPIKey)

	tools, err := marshalTools(attrs.SupportedTools)
	if err != nil {
		return "", "", fmt.Errorf("encoding supported tools: %w", err)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO probe_nodes (node_uuid, api_key, name, hostname, region, zone, supported_tools,
			priority, max_concurrent_probes, status, current_load, avg_response_time, error_count,
			total_probes_executed, reconnect_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 5, 'registered', 0, 0, 0, 0, 0, $8, $8)`,
		nodeUUID, apiKeyHash, attrs.Name, attrs.Hostname, attrs.Region, nullIfEmpty(attrs.Zone), tools, now)
	if err != nil {
		return "", "", fmt.Errorf("creating probe node: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE registration_tokens SET is_used = true, used_at = $2, bound_node_id = $3
		WHERE token = $1`, token, now, nodeUUID)
	if err != nil {
		return "", "", fmt.Errorf("marking registration token used: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", "", fmt.Errorf("committing registration: %w", err)
	}
	return nodeUUID, rawAPIKey, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
