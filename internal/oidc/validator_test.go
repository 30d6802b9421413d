package oidc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"collabauth/internal/oidc"
	"collabauth/internal/testutil"
)

func newLocalValidator(t *testing.T, idp *testutil.IdentityProvider) *oidc.TokenValidator {
	t.Helper()
	p := newTestProvider(t, idp, nil)
	v, err := oidc.NewTokenValidator(context.Background(), p, testLogger())
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}
	return v
}

func TestValidateLocalSignature(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	v := newLocalValidator(t, idp)

	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	token := idp.SignAccessToken(t, "user-7", exp, map[string]any{"email": "carol@example.com"})

	ver, err := v.Validate(context.Background(), oidc.Credential{Token: token, Kind: oidc.TokenBearer})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ver.Expiry.Equal(exp) {
		t.Errorf("Expiry = %v, want %v", ver.Expiry, exp)
	}
	if email, _ := ver.Claims.GetString("email"); email != "carol@example.com" {
		t.Errorf("email claim = %q", email)
	}
	if ver.TTL() <= 0 {
		t.Errorf("TTL() = %v, want positive", ver.TTL())
	}
}

func TestValidateLocalExpiredTokenStillVerifies(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	v := newLocalValidator(t, idp)

	exp := time.Now().Add(-time.Hour).Truncate(time.Second)
	token := idp.SignAccessToken(t, "user-7", exp, nil)

	// Expiry is reported, not enforced; callers compare it to the clock.
	ver, err := v.Validate(context.Background(), oidc.Credential{Token: token, Kind: oidc.TokenSession})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ver.Expiry.Equal(exp) {
		t.Errorf("Expiry = %v, want %v", ver.Expiry, exp)
	}
	if ver.TTL() >= 0 {
		t.Errorf("TTL() = %v, want negative", ver.TTL())
	}
}

func TestValidateLocalBadSignature(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	v := newLocalValidator(t, idp)

	// Signed by a different key than the one behind the provider's JWKS.
	other := testutil.NewIdentityProvider(t)
	token := other.SignAccessToken(t, "user-7", time.Now().Add(time.Hour), nil)

	_, err := v.Validate(context.Background(), oidc.Credential{Token: token, Kind: oidc.TokenBearer})
	if !errors.Is(err, oidc.ErrSignatureInvalid) {
		t.Errorf("error = %v, want ErrSignatureInvalid", err)
	}

	_, err = v.Validate(context.Background(), oidc.Credential{Token: "not.a.jwt", Kind: oidc.TokenBearer})
	if !errors.Is(err, oidc.ErrSignatureInvalid) {
		t.Errorf("garbage token error = %v, want ErrSignatureInvalid", err)
	}
}

func TestValidateEmptyToken(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	v := newLocalValidator(t, idp)

	if _, err := v.Validate(context.Background(), oidc.Credential{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestValidateRemoteActive(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	idp.IntrospectionResponse = map[string]any{
		"active": true,
		"sub":    "user-9",
		"exp":    float64(exp.Unix()),
	}
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{Enabled: true}
	})
	v, err := oidc.NewTokenValidator(context.Background(), p, testLogger())
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}

	ver, err := v.Validate(context.Background(), oidc.Credential{Token: "opaque-token", Kind: oidc.TokenBearer})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ver.Expiry.Equal(exp) {
		t.Errorf("Expiry = %v, want %v", ver.Expiry, exp)
	}
	if sub, _ := ver.Claims.GetString("sub"); sub != "user-9" {
		t.Errorf("sub = %q", sub)
	}
	if got := idp.IntrospectedTokens; len(got) != 1 || got[0] != "opaque-token" {
		t.Errorf("introspected tokens = %v", got)
	}
}

func TestValidateRemoteInactive(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.IntrospectionResponse = map[string]any{"active": false}
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{Enabled: true}
	})
	v, err := oidc.NewTokenValidator(context.Background(), p, testLogger())
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}

	_, err = v.Validate(context.Background(), oidc.Credential{Token: "revoked", Kind: oidc.TokenSession})
	if !errors.Is(err, oidc.ErrTokenInactive) {
		t.Errorf("error = %v, want ErrTokenInactive", err)
	}
}

func TestValidateRemoteProviderError(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.IntrospectionResponse = map[string]any{"error": "server_error"}
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{Enabled: true}
	})
	v, err := oidc.NewTokenValidator(context.Background(), p, testLogger())
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}

	_, err = v.Validate(context.Background(), oidc.Credential{Token: "whatever", Kind: oidc.TokenSession})
	if !errors.Is(err, oidc.ErrIntrospectionFailed) {
		t.Errorf("error = %v, want ErrIntrospectionFailed", err)
	}
}

func TestValidateRemoteRefreshTokenExchange(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{Enabled: true}
		cfg.TokenExchangeMode = oidc.ExchangeRefreshToken
	})
	v, err := oidc.NewTokenValidator(context.Background(), p, testLogger())
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}

	cred := oidc.Credential{
		Token:        "session-access-token",
		Kind:         oidc.TokenSession,
		RefreshToken: "session-refresh-token",
	}
	if _, err := v.Validate(context.Background(), cred); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if idp.LastExchangeSubjectToken != "session-refresh-token" {
		t.Errorf("exchange subject = %q, want session-refresh-token", idp.LastExchangeSubjectToken)
	}
	// The introspected token is the exchanged one, not the original.
	if got := idp.IntrospectedTokens; len(got) != 1 || got[0] != "exchanged-access-token" {
		t.Errorf("introspected tokens = %v", got)
	}
}

func TestValidateRemoteExchangeFailure(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.ExchangeResponse = map[string]any{"error": "invalid_grant"}
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{Enabled: true}
		cfg.TokenExchangeMode = oidc.ExchangeAccessToken
	})
	v, err := oidc.NewTokenValidator(context.Background(), p, testLogger())
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}

	_, err = v.Validate(context.Background(), oidc.Credential{Token: "tok", Kind: oidc.TokenBearer})
	if !errors.Is(err, oidc.ErrIntrospectionFailed) {
		t.Errorf("error = %v, want ErrIntrospectionFailed", err)
	}
	if len(idp.IntrospectedTokens) != 0 {
		t.Errorf("introspection reached after failed exchange: %v", idp.IntrospectedTokens)
	}
}
