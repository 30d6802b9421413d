package oidc_test

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"collabauth/internal/observability"
	"collabauth/internal/oidc"
	"collabauth/internal/testutil"
)

func testLogger() observability.Logger {
	return observability.NewLogger(observability.Config{Level: "error", Output: io.Discard})
}

func newTestProvider(t *testing.T, idp *testutil.IdentityProvider, mutate func(*oidc.ProviderConfig)) *oidc.Provider {
	t.Helper()
	cfg := oidc.ProviderConfig{
		ProviderURL:  idp.URL(),
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:8080/auth/callback",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := oidc.NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func TestProviderConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     oidc.ProviderConfig
		wantErr bool
	}{
		{
			name: "valid minimal",
			cfg:  oidc.ProviderConfig{ProviderURL: "https://idp.example.com", ClientID: "c"},
		},
		{
			name:    "missing provider url",
			cfg:     oidc.ProviderConfig{ClientID: "c"},
			wantErr: true,
		},
		{
			name:    "missing client id",
			cfg:     oidc.ProviderConfig{ProviderURL: "https://idp.example.com"},
			wantErr: true,
		},
		{
			name: "bad mode",
			cfg: oidc.ProviderConfig{
				ProviderURL: "https://idp.example.com", ClientID: "c", Mode: "upn",
			},
			wantErr: true,
		},
		{
			name: "exchange without introspection",
			cfg: oidc.ProviderConfig{
				ProviderURL: "https://idp.example.com", ClientID: "c",
				TokenExchangeMode: oidc.ExchangeAccessToken,
			},
			wantErr: true,
		},
		{
			name: "exchange with introspection",
			cfg: oidc.ProviderConfig{
				ProviderURL: "https://idp.example.com", ClientID: "c",
				TokenExchangeMode: oidc.ExchangeRefreshToken,
				Introspection:     oidc.IntrospectionConfig{Enabled: true},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := (oidc.ProviderConfig{ClientID: "c"}).Validate(); !errors.Is(err, oidc.ErrNotConfigured) {
		t.Errorf("missing provider url error = %v, want ErrNotConfigured", err)
	}
}

func TestProviderConfigDefaults(t *testing.T) {
	cfg := oidc.ProviderConfig{}
	if got := cfg.LookupMode(); got != oidc.ModeUserID {
		t.Errorf("LookupMode() = %q, want %q", got, oidc.ModeUserID)
	}
	if got := cfg.IdentityClaimName(); got != "email" {
		t.Errorf("IdentityClaimName() = %q, want %q", got, "email")
	}
	cfg.Mode = oidc.ModeEmail
	cfg.IdentityClaim = "preferred_username"
	if got := cfg.LookupMode(); got != oidc.ModeEmail {
		t.Errorf("LookupMode() = %q, want %q", got, oidc.ModeEmail)
	}
	if got := cfg.IdentityClaimName(); got != "preferred_username" {
		t.Errorf("IdentityClaimName() = %q, want %q", got, "preferred_username")
	}
}

func TestProviderDiscovery(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, nil)

	if p.JWKSURL() != idp.URL()+"/keys" {
		t.Errorf("JWKSURL() = %q, want %q", p.JWKSURL(), idp.URL()+"/keys")
	}

	authURL := p.AuthCodeURL("state-1")
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	if u.Query().Get("state") != "state-1" {
		t.Errorf("auth URL state = %q, want state-1", u.Query().Get("state"))
	}
	if u.Query().Get("client_id") != "test-client" {
		t.Errorf("auth URL client_id = %q", u.Query().Get("client_id"))
	}
}

func TestProviderExchange(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.IDClaims = map[string]any{"email": "alice@example.com", "sid": "idp-session-1"}
	p := newTestProvider(t, idp, nil)

	set, err := p.Exchange(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if set.AccessToken != "mock-access-token" {
		t.Errorf("AccessToken = %q", set.AccessToken)
	}
	if set.RefreshToken != "mock-refresh-token" {
		t.Errorf("RefreshToken = %q", set.RefreshToken)
	}
	if set.IDToken == "" {
		t.Error("expected id token in token set")
	}
	if email, _ := set.IDClaims.GetString("email"); email != "alice@example.com" {
		t.Errorf("id claims email = %q", email)
	}
	if sid, _ := set.IDClaims.GetString("sid"); sid != "idp-session-1" {
		t.Errorf("id claims sid = %q", sid)
	}
}

func TestProviderRefresh(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, nil)

	set, err := p.Refresh(context.Background(), "old-refresh-token")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if set.AccessToken != "refreshed-access-token" {
		t.Errorf("AccessToken = %q", set.AccessToken)
	}
	if set.RefreshToken != "refreshed-refresh-token" {
		t.Errorf("RefreshToken = %q", set.RefreshToken)
	}
	if idp.LastRefreshToken != "old-refresh-token" {
		t.Errorf("provider saw refresh token %q", idp.LastRefreshToken)
	}
}

func TestProviderRefreshKeepsTokenWithoutRotation(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.RefreshResponse = map[string]any{
		"access_token": "refreshed-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	p := newTestProvider(t, idp, nil)

	set, err := p.Refresh(context.Background(), "sticky-refresh-token")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if set.RefreshToken != "sticky-refresh-token" {
		t.Errorf("RefreshToken = %q, want sticky-refresh-token", set.RefreshToken)
	}
}

func TestProviderRefreshFailure(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.RefreshStatus = 400
	p := newTestProvider(t, idp, nil)

	_, err := p.Refresh(context.Background(), "revoked-token")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, oidc.ErrRefreshFailed) {
		t.Errorf("error = %v, want ErrRefreshFailed", err)
	}
}

func TestProviderIntrospect(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.IntrospectionResponse = map[string]any{
		"active": true,
		"sub":    "user-42",
		"exp":    float64(time.Now().Add(time.Hour).Unix()),
	}
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{
			Enabled:      true,
			ClientID:     "introspector",
			ClientSecret: "introspector-secret",
		}
	})

	claims, err := p.Introspect(context.Background(), "opaque-token")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if active, _ := claims.GetBool("active"); !active {
		t.Error("expected active claim")
	}
	if sub, _ := claims.GetString("sub"); sub != "user-42" {
		t.Errorf("sub = %q", sub)
	}
	if idp.LastIntrospectionAuth != "introspector" {
		t.Errorf("introspection client = %q, want introspector", idp.LastIntrospectionAuth)
	}
}

func TestProviderIntrospectFallsBackToPrimaryClient(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{Enabled: true}
	})

	if _, err := p.Introspect(context.Background(), "opaque-token"); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if idp.LastIntrospectionAuth != "test-client" {
		t.Errorf("introspection client = %q, want test-client", idp.LastIntrospectionAuth)
	}
}

func TestProviderUserInfo(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.UserinfoClaims = map[string]any{"sub": "user-123", "email": "bob@example.com"}
	p := newTestProvider(t, idp, nil)

	claims, err := p.UserInfo(context.Background(), "some-access-token")
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if email, _ := claims.GetString("email"); email != "bob@example.com" {
		t.Errorf("email = %q", email)
	}
}

func TestProviderRevoke(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, nil)

	if err := p.Revoke(context.Background(), "doomed-token"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if len(idp.RevokedTokens) != 1 || idp.RevokedTokens[0] != "doomed-token" {
		t.Errorf("revoked tokens = %v", idp.RevokedTokens)
	}
}

func TestProviderEndSession(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.PostLogoutRedirectURI = "https://app.example.com/"
	})

	endURL := p.EndSessionURL("raw-id-token")
	u, err := url.Parse(endURL)
	if err != nil {
		t.Fatalf("parse end-session URL: %v", err)
	}
	if u.Query().Get("id_token_hint") != "raw-id-token" {
		t.Errorf("id_token_hint = %q", u.Query().Get("id_token_hint"))
	}
	if u.Query().Get("post_logout_redirect_uri") != "https://app.example.com/" {
		t.Errorf("post_logout_redirect_uri = %q", u.Query().Get("post_logout_redirect_uri"))
	}

	if err := p.EndSession(context.Background(), "raw-id-token"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if idp.EndSessionCalls != 1 {
		t.Errorf("end-session calls = %d, want 1", idp.EndSessionCalls)
	}
}

func TestExchangeToken(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{Enabled: true}
		cfg.TokenExchangeMode = oidc.ExchangeAccessToken
	})

	token, expiry, err := p.ExchangeToken(context.Background(), "subject-token",
		"urn:ietf:params:oauth:token-type:access_token")
	if err != nil {
		t.Fatalf("ExchangeToken: %v", err)
	}
	if token != "exchanged-access-token" {
		t.Errorf("token = %q", token)
	}
	if expiry.IsZero() || time.Until(expiry) <= 0 {
		t.Errorf("expiry = %v, want future time", expiry)
	}
	if idp.LastExchangeSubjectToken != "subject-token" {
		t.Errorf("subject token = %q", idp.LastExchangeSubjectToken)
	}
}

func TestExchangeTokenErrors(t *testing.T) {
	idp := testutil.NewIdentityProvider(t)
	idp.ExchangeResponse = map[string]any{
		"error":             "invalid_target",
		"error_description": "audience not allowed",
	}
	p := newTestProvider(t, idp, func(cfg *oidc.ProviderConfig) {
		cfg.Introspection = oidc.IntrospectionConfig{Enabled: true}
		cfg.TokenExchangeMode = oidc.ExchangeAccessToken
	})

	_, _, err := p.ExchangeToken(context.Background(), "subject-token",
		"urn:ietf:params:oauth:token-type:access_token")
	if !errors.Is(err, oidc.ErrExchangeFailed) {
		t.Errorf("error = %v, want ErrExchangeFailed", err)
	}
	if !strings.Contains(err.Error(), "invalid_target") {
		t.Errorf("error %v does not carry provider error code", err)
	}

	_, _, err = p.ExchangeToken(context.Background(), "",
		"urn:ietf:params:oauth:token-type:refresh_token")
	if !errors.Is(err, oidc.ErrExchangeFailed) {
		t.Errorf("empty subject token error = %v, want ErrExchangeFailed", err)
	}
}

func TestSameIssuer(t *testing.T) {
	tests := []struct {
		name        string
		providerURL string
		issuer      string
		want        bool
	}{
		{"exact match", "https://idp.example.com", "https://idp.example.com", true},
		{"path ignored", "https://idp.example.com/realms/a", "https://idp.example.com/realms/b", true},
		{"different host", "https://idp.example.com", "https://evil.example.com", false},
		{"different scheme", "https://idp.example.com", "http://idp.example.com", false},
		{"different port", "https://idp.example.com:8443", "https://idp.example.com", false},
		{"unparseable issuer", "https://idp.example.com", "://nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := oidc.SameIssuer(tt.providerURL, tt.issuer); got != tt.want {
				t.Errorf("SameIssuer(%q, %q) = %v, want %v", tt.providerURL, tt.issuer, got, tt.want)
			}
		})
	}
}
