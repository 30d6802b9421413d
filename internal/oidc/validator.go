package oidc

import (
	"context"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"collabauth/internal/observability"
)

// TokenKind tags the authentication scheme a credential arrived with. PoP
// tokens are validated exactly like bearer tokens; the tag is kept for
// logging and future divergence.
type TokenKind string

const (
	TokenBearer  TokenKind = "bearer"
	TokenPoP     TokenKind = "pop"
	TokenSession TokenKind = "session"
)

// Credential is a token under verification. RefreshToken is only consulted
// when the provider is configured for refresh-token exchange before
// introspection.
type Credential struct {
	Token        string
	Kind         TokenKind
	RefreshToken string
}

// Verification is the outcome of a successful credential check. Expiry is
// reported but not enforced here; callers re-check it against the wall clock
// at every use, including on cached results.
type Verification struct {
	Expiry time.Time
	Claims Claims
}

// TTL returns the remaining lifetime of the verified token. Negative when
// already expired.
func (v *Verification) TTL() time.Duration {
	return time.Until(v.Expiry)
}

var localSignatureAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
	"PS256", "PS384", "PS512",
}

// TokenValidator verifies access tokens either locally against the
// provider's JWKS or remotely through introspection, as configured.
type TokenValidator struct {
	provider *Provider
	log      observability.Logger
	jwks     jwt.Keyfunc
	parser   *jwt.Parser
}

// NewTokenValidator builds a validator for the provider. When introspection
// is disabled it starts an auto-refreshing JWKS fetch from the provider's
// published key set; the ctx bounds the background refresh.
func NewTokenValidator(ctx context.Context, p *Provider, log observability.Logger) (*TokenValidator, error) {
	v := &TokenValidator{
		provider: p,
		log:      log.WithComponent("token-validator"),
		parser: jwt.NewParser(
			jwt.WithValidMethods(localSignatureAlgorithms),
			jwt.WithoutClaimsValidation(),
		),
	}
	if !p.Config().Introspection.Enabled {
		if p.JWKSURL() == "" {
			return nil, fmt.Errorf("provider advertises no jwks_uri and introspection is disabled")
		}
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{p.JWKSURL()})
		if err != nil {
			return nil, fmt.Errorf("jwks init: %w", err)
		}
		v.jwks = kf.Keyfunc
	}
	return v, nil
}

// Validate verifies the credential and returns its expiry and claims.
// Expiry is not enforced; see Verification.
func (v *TokenValidator) Validate(ctx context.Context, cred Credential) (*Verification, error) {
	if cred.Token == "" {
		return nil, fmt.Errorf("empty token")
	}
	if v.provider.Config().Introspection.Enabled {
		return v.validateRemote(ctx, cred)
	}
	return v.validateLocal(cred)
}

// validateLocal checks the JWT signature against the provider JWKS and
// returns the payload claims. The token's own exp is reported, not enforced.
func (v *TokenValidator) validateLocal(cred Credential) (*Verification, error) {
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(cred.Token, claims, v.jwks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var expiry time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}
	return &Verification{Expiry: expiry, Claims: Claims(claims)}, nil
}

// validateRemote introspects the token, optionally exchanging it first per
// the configured token exchange mode.
func (v *TokenValidator) validateRemote(ctx context.Context, cred Credential) (*Verification, error) {
	token := cred.Token

	switch v.provider.Config().TokenExchangeMode {
	case ExchangeRefreshToken:
		exchanged, _, err := v.provider.ExchangeToken(ctx, cred.RefreshToken, tokenTypeRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntrospectionFailed, err)
		}
		token = exchanged
	case ExchangeAccessToken:
		exchanged, _, err := v.provider.ExchangeToken(ctx, cred.Token, tokenTypeAccessToken)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntrospectionFailed, err)
		}
		token = exchanged
	}

	claims, err := v.provider.Introspect(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntrospectionFailed, err)
	}
	if msg, ok := claims.GetString("error"); ok && msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrIntrospectionFailed, msg)
	}
	if active, ok := claims.GetBool("active"); !ok || !active {
		return nil, ErrTokenInactive
	}

	var expiry time.Time
	if exp, ok := claims.GetTime("exp"); ok {
		expiry = exp
	}
	return &Verification{Expiry: expiry, Claims: claims}, nil
}
