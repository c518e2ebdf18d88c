package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/probemesh/pkg/tier"
)

type fakeStorage struct {
	users   map[string]*UserRow
	apiKeys map[string]*APIKeyRow
}

func (f *fakeStorage) GetUserByID(_ context.Context, userID string) (*UserRow, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, errNoPrincipal
	}
	return u, nil
}

func (f *fakeStorage) GetAPIKeyByHash(_ context.Context, hash string) (*APIKeyRow, error) {
	k, ok := f.apiKeys[hash]
	if !ok {
		return nil, errNoPrincipal
	}
	return k, nil
}

func newTestCatalog(t *testing.T) *tier.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
default: free
tiers:
  free:
    name: Free
    rate_per_minute: 10
    rate_per_hour: 50
    max_concurrent: 5
    priority: 0
  pro:
    name: Pro
    rate_per_minute: 100
    rate_per_hour: 1000
    max_concurrent: 25
    priority: 10
`), 0644))
	cat, err := tier.New(path, nil)
	require.NoError(t, err)
	return cat
}

func TestResolveAPIKey(t *testing.T) {
	storage := &fakeStorage{
		users:   map[string]*UserRow{"u1": {UserID: "u1", Active: true, TierID: "pro"}},
		apiKeys: map[string]*APIKeyRow{HashAPIKey("secret-key"): {APIKeyID: "k1", UserID: "u1", Active: true}},
	}
	r := &Resolver{Storage: storage, Tiers: newTestCatalog(t)}

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-API-Key", "secret-key")

	p, err := r.Resolve(req)
	require.NoError(t, err)
	require.False(t, p.Anonymous)
	require.Equal(t, "u1", p.UserID)
	require.Equal(t, "k1", p.APIKeyID)
	require.Equal(t, 10, p.Tier.Priority)
}

func TestResolveInvalidAPIKeyFailsAuthentication(t *testing.T) {
	storage := &fakeStorage{users: map[string]*UserRow{}, apiKeys: map[string]*APIKeyRow{}}
	r := &Resolver{Storage: storage, Tiers: newTestCatalog(t)}

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-API-Key", "bogus")

	_, err := r.Resolve(req)
	require.Error(t, err)
}

func TestResolveInvalidBearerDegradesToAnonymous(t *testing.T) {
	storage := &fakeStorage{users: map[string]*UserRow{}, apiKeys: map[string]*APIKeyRow{}}
	sessions, err := NewSessionManager("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	r := &Resolver{Storage: storage, Sessions: sessions, Tiers: newTestCatalog(t)}

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	req.RemoteAddr = "203.0.113.5:1234"

	p, err := r.Resolve(req)
	require.NoError(t, err)
	require.True(t, p.Anonymous)
	require.Equal(t, StableHash("203.0.113.5"), p.AnonBucket)
}

func TestResolveAnonymousNoCredentials(t *testing.T) {
	storage := &fakeStorage{}
	r := &Resolver{Storage: storage, Tiers: newTestCatalog(t)}

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.RemoteAddr = "198.51.100.7:5555"

	p, err := r.Resolve(req)
	require.NoError(t, err)
	require.True(t, p.Anonymous)
	require.Equal(t, "free", p.Tier.ID)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	sessions, err := NewSessionManager("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)

	token, err := sessions.IssueToken(SessionClaims{UserID: "u1", Email: "u1@example.com"})
	require.NoError(t, err)

	claims, err := sessions.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
}

func TestContextRoundTrip(t *testing.T) {
	p := Principal{UserID: "u1"}
	ctx := NewContext(context.Background(), p)
	got, err := FromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, p, got)
}
