// Package identity resolves an inbound request to a Principal: either an
// authenticated user or an anonymous, IP-bucketed identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wisbric/probemesh/internal/apierr"
	"github.com/wisbric/probemesh/pkg/tier"
)

// Principal is the accounting subject for admission: a sum type of an
// authenticated user or an anonymous IP-bucketed identity. Both are treated
// as opaque keys by the Admission Engine.
type Principal struct {
	UserID     string // set iff Anonymous == false
	AnonBucket int    // set iff Anonymous == true
	APIKeyID   string // set when authenticated via API key
	Tier       tier.Limits
	Anonymous  bool
}

// Key returns the opaque identity used to key a PrincipalAccount.
func (p Principal) Key() string {
	if p.Anonymous {
		return fmt.Sprintf("anon:%d", p.AnonBucket)
	}
	return fmt.Sprintf("user:%s", p.UserID)
}

// UserRow is the subset of a user record the Identity Resolver needs.
type UserRow struct {
	UserID   string
	Email    string
	Active   bool
	TierID   string
}

// APIKeyRow is the subset of an API key record the Identity Resolver needs.
type APIKeyRow struct {
	APIKeyID  string
	UserID    string
	Active    bool
	ExpiresAt *time.Time
}

// Storage abstracts the read-only external Auth & Subscription store the
// Identity Resolver consults. It decouples resolution logic from any
// specific persistence schema, the same way a downstream service's own
// database is never assumed by this package.
type Storage interface {
	GetUserByID(ctx context.Context, userID string) (*UserRow, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKeyRow, error)
}

// Resolver resolves a *http.Request to a Principal per the precedence rules:
//  1. api_key header/query param, if present, must resolve to an active key
//     tied to an active user, else the request fails Unauthenticated.
//  2. Else a bearer session token, if it verifies, yields an authenticated
//     Principal; an invalid bearer token degrades to anonymous rather than
//     failing the request.
//  3. Else an anonymous Principal keyed by stable_hash(client_addr) mod 10^6.
type Resolver struct {
	Storage  Storage
	Sessions *SessionManager
	Tiers    *tier.Catalog
}

// Resolve implements the three-rule precedence from the Identity Resolver's
// contract. It returns apierr.Unauthenticated only for a present-but-invalid
// api_key; all other failure modes degrade to an anonymous Principal.
func (r *Resolver) Resolve(req *http.Request) (Principal, error) {
	if rawKey := apiKeyFromRequest(req); rawKey != "" {
		return r.resolveAPIKey(req.Context(), rawKey)
	}

	if bearer := req.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(bearer), "bearer ") {
		raw := strings.TrimSpace(bearer[len("bearer "):])
		if p, ok := r.resolveBearer(req.Context(), raw); ok {
			return p, nil
		}
		// Invalid bearer token degrades to anonymous rather than failing.
	}

	return r.anonymous(req), nil
}

func apiKeyFromRequest(req *http.Request) string {
	if k := req.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return req.URL.Query().Get("api_key")
}

func (r *Resolver) resolveAPIKey(ctx context.Context, rawKey string) (Principal, error) {
	hash := HashAPIKey(rawKey)
	key, err := r.Storage.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: api key lookup failed: %v", apierr.Unauthenticated, err)
	}
	if !key.Active || (key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now())) {
		return Principal{}, fmt.Errorf("%w: api key inactive or expired", apierr.Unauthenticated)
	}

	user, err := r.Storage.GetUserByID(ctx, key.UserID)
	if err != nil || !user.Active {
		return Principal{}, fmt.Errorf("%w: api key user not active", apierr.Unauthenticated)
	}

	limits, ok := r.Tiers.Get(user.TierID)
	if !ok {
		limits = r.Tiers.Default()
	}

	return Principal{UserID: user.UserID, APIKeyID: key.APIKeyID, Tier: limits}, nil
}

func (r *Resolver) resolveBearer(ctx context.Context, raw string) (Principal, bool) {
	if r.Sessions == nil {
		return Principal{}, false
	}
	claims, err := r.Sessions.ValidateToken(raw)
	if err != nil {
		return Principal{}, false
	}

	user, err := r.Storage.GetUserByID(ctx, claims.UserID)
	if err != nil || !user.Active {
		return Principal{}, false
	}

	limits, ok := r.Tiers.Get(user.TierID)
	if !ok {
		limits = r.Tiers.Default()
	}

	return Principal{UserID: user.UserID, Tier: limits}, true
}

func (r *Resolver) anonymous(req *http.Request) Principal {
	addr := ClientAddr(req)
	return Principal{
		Anonymous:  true,
		AnonBucket: StableHash(addr),
		Tier:       r.Tiers.Default(),
	}
}

var errNoPrincipal = errors.New("no principal in context")

type contextKey string

const principalContextKey contextKey = "principal"

// NewContext returns a copy of ctx carrying the given Principal.
func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext extracts the Principal stored by NewContext.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	if !ok {
		return Principal{}, errNoPrincipal
	}
	return p, nil
}
