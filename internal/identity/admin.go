package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// AdminClaims is the subset of operator identity extracted from a verified
// OIDC ID token for the registration-token admin endpoint.
type AdminClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// AdminAuthenticator verifies bearer OIDC ID tokens for the one
// operator-facing admin surface this control plane exposes: issuing
// RegistrationTokens. It validates tokens only — there is no browser login
// flow here, so no authorization-code exchange is implemented.
type AdminAuthenticator struct {
	verifier *oidc.IDTokenVerifier
	provider *oidc.Provider
}

// NewAdminAuthenticator performs OIDC discovery against issuerURL and
// returns a ready AdminAuthenticator.
func NewAdminAuthenticator(ctx context.Context, issuerURL, clientID string) (*AdminAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}
	return &AdminAuthenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		provider: provider,
	}, nil
}

// Endpoint returns the OAuth2 endpoint discovered from the OIDC provider.
func (a *AdminAuthenticator) Endpoint() oauth2.Endpoint {
	return a.provider.Endpoint()
}

// Authenticate verifies a raw "Bearer <token>" header value and returns the
// operator's claims.
func (a *AdminAuthenticator) Authenticate(ctx context.Context, authHeader string) (*AdminClaims, error) {
	raw := strings.TrimSpace(authHeader)
	raw = strings.TrimPrefix(raw, "Bearer ")
	raw = strings.TrimPrefix(raw, "bearer ")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty bearer token")
	}

	idToken, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verifying admin token: %w", err)
	}

	var claims AdminClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extracting admin claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("admin token missing sub claim")
	}
	return &claims, nil
}
