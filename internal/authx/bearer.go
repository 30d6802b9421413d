package authx

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"collabauth/internal/directory"
	"collabauth/internal/observability"
	"collabauth/internal/oidc"
	"collabauth/internal/provision"
)

// BearerAuthenticator authenticates API requests carrying a Bearer or PoP
// access token. Requests without one are declined, not failed, so other
// authentication mechanisms can have a go.
type BearerAuthenticator struct {
	provider  *oidc.Provider
	validator *oidc.TokenValidator
	cache     *VerificationCache
	lookup    *provision.Service
	dir       directory.Directory
	log       observability.Logger
	metrics   *observability.Metrics
}

// NewBearerAuthenticator wires the bearer path. cache must use the
// bearer-verification namespace; metrics may be nil.
func NewBearerAuthenticator(
	provider *oidc.Provider,
	validator *oidc.TokenValidator,
	cache *VerificationCache,
	lookup *provision.Service,
	dir directory.Directory,
	log observability.Logger,
	metrics *observability.Metrics,
) *BearerAuthenticator {
	return &BearerAuthenticator{
		provider:  provider,
		validator: validator,
		cache:     cache,
		lookup:    lookup,
		dir:       dir,
		log:       log.WithComponent("bearer-auth"),
		metrics:   metrics,
	}
}

// parseAuthorization extracts the token from a Bearer or PoP Authorization
// header. ok is false for any other scheme.
func parseAuthorization(header string) (token string, kind oidc.TokenKind, ok bool) {
	scheme, rest, found := strings.Cut(header, " ")
	if !found || rest == "" {
		return "", "", false
	}
	switch {
	case strings.EqualFold(scheme, "Bearer"):
		return rest, oidc.TokenBearer, true
	case strings.EqualFold(scheme, "PoP"):
		return rest, oidc.TokenPoP, true
	default:
		return "", "", false
	}
}

// AuthenticateRequest authenticates the request's Authorization header.
// Returns nil, nil when the request carries no Bearer or PoP token.
func (b *BearerAuthenticator) AuthenticateRequest(ctx context.Context, r *http.Request) (*directory.Principal, error) {
	token, kind, ok := parseAuthorization(r.Header.Get("Authorization"))
	if !ok {
		return nil, nil
	}
	return b.AuthenticateToken(ctx, token, kind)
}

// AuthenticateToken verifies the token and resolves it to a principal,
// provisioning one when configured. The expiry is re-checked against the
// wall clock even on a cache hit.
func (b *BearerAuthenticator) AuthenticateToken(ctx context.Context, token string, kind oidc.TokenKind) (*directory.Principal, error) {
	if principalID, expiry, ok := b.cache.Get(ctx, token); ok {
		if !expiry.IsZero() && time.Until(expiry) < 0 {
			b.reject(ctx, "expired")
			return nil, oidc.ErrTokenExpired
		}
		p, err := b.dir.GetByID(ctx, principalID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			// Account vanished since it was cached.
			b.cache.Remove(ctx, token)
			return nil, nil
		}
		b.accept()
		return p, nil
	}

	verification, err := b.validator.Validate(ctx, oidc.Credential{Token: token, Kind: kind})
	if err != nil {
		b.reject(ctx, "invalid")
		b.recordValidation("bearer", "failed")
		return nil, err
	}
	b.recordValidation("bearer", "ok")

	if !verification.Expiry.IsZero() && verification.TTL() < 0 {
		b.reject(ctx, "expired")
		return nil, oidc.ErrTokenExpired
	}

	claims, err := b.identityClaims(ctx, token, verification.Claims)
	if err != nil {
		b.reject(ctx, "no-identity")
		return nil, err
	}

	p, err := b.lookup.LookupOrProvision(ctx, claims)
	if err != nil {
		b.reject(ctx, "no-principal")
		return nil, err
	}

	b.cache.Put(ctx, token, p.ID, verification.Expiry)
	b.accept()
	return p, nil
}

// identityClaims makes sure the claims carry the identity claim, falling
// back to the userinfo endpoint when the token payload does not (opaque
// introspection responses often carry only sub).
func (b *BearerAuthenticator) identityClaims(ctx context.Context, token string, claims oidc.Claims) (oidc.Claims, error) {
	identityClaim := b.provider.Config().IdentityClaimName()
	if _, ok := claims.GetString(identityClaim); ok {
		return claims, nil
	}
	userinfo, err := b.provider.UserInfo(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("resolve identity via userinfo: %w", err)
	}
	merged := make(oidc.Claims, len(claims)+len(userinfo))
	for k, v := range claims {
		merged[k] = v
	}
	for k, v := range userinfo {
		merged[k] = v
	}
	return merged, nil
}

func (b *BearerAuthenticator) accept() {
	if b.metrics != nil {
		b.metrics.RecordBearerAuth(true)
	}
}

func (b *BearerAuthenticator) reject(ctx context.Context, reason string) {
	if b.metrics != nil {
		b.metrics.RecordBearerAuth(false)
	}
	b.log.DebugContext(ctx, "bearer authentication rejected", "reason", reason)
}

func (b *BearerAuthenticator) recordValidation(path, outcome string) {
	if b.metrics != nil {
		b.metrics.RecordTokenValidation(path, outcome)
	}
}
