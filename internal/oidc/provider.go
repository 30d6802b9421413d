// Package oidc wraps the OpenID Connect relying-party client: provider
// discovery, authorization-code and refresh-token exchange, token
// introspection, RFC 8693 token exchange, and token validation policy.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Lookup modes for mapping a verified identity to a local principal.
const (
	// ModeEmail searches the directory by e-mail address.
	ModeEmail = "email"
	// ModeUserID looks up the directory by exact principal id.
	ModeUserID = "userid"
)

// Token exchange modes (RFC 8693) applied before introspection.
const (
	ExchangeDisabled     = ""
	ExchangeRefreshToken = "refresh-token"
	ExchangeAccessToken  = "access-token"
)

// IntrospectionConfig controls remote token verification (RFC 7662).
// The introspection client may be a different confidential client than the
// primary relying-party client.
type IntrospectionConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// AutoProvisionConfig controls just-in-time account creation.
type AutoProvisionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Claim mappings for mutable account attributes.
	EmailClaim       string `yaml:"email_claim"`
	DisplayNameClaim string `yaml:"display_name_claim"`
	PictureClaim     string `yaml:"picture_claim"`

	// Groups lists local groups every provisioned account joins.
	Groups []string `yaml:"groups"`

	// ProvisioningClaim/ProvisioningAttribute gate provisioning on an
	// IdP-supplied array claim containing the attribute value.
	ProvisioningClaim     string `yaml:"provisioning_claim"`
	ProvisioningAttribute string `yaml:"provisioning_attribute"`

	// Strict makes a disabled engine report an error when no local account
	// exists; when false the caller falls through to other lookup
	// strategies with an empty result.
	Strict bool `yaml:"strict"`
}

// AutoUpdateConfig controls attribute synchronization on repeat logins.
type AutoUpdateConfig struct {
	Enabled bool `yaml:"enabled"`
	// Attributes lists the attributes kept in sync: "email", "display-name".
	Attributes []string `yaml:"attributes"`
}

// ProviderConfig is the static view of the IdP settings. It is immutable and
// passed explicitly to every component constructor; verification logic never
// reads ambient configuration.
type ProviderConfig struct {
	ProviderURL  string   `yaml:"provider_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`

	// Mode selects identity lookup by "email" or "userid".
	Mode string `yaml:"mode"`
	// IdentityClaim names the claim carrying the identity value
	// (default "email").
	IdentityClaim string `yaml:"identity_claim"`

	Introspection IntrospectionConfig `yaml:"introspection"`

	// TokenExchangeMode selects the RFC 8693 subject token used before
	// introspection: "", "refresh-token" or "access-token".
	TokenExchangeMode string `yaml:"token_exchange_mode"`

	AutoProvision AutoProvisionConfig `yaml:"auto_provision"`
	AutoUpdate    AutoUpdateConfig    `yaml:"auto_update"`

	// AllowedBackends restricts which directory backends may authenticate
	// through this provider. Empty means all.
	AllowedBackends []string `yaml:"allowed_backends"`

	PostLogoutRedirectURI string `yaml:"post_logout_redirect_uri"`
}

// Validate checks the configuration for internal consistency.
func (c ProviderConfig) Validate() error {
	if c.ProviderURL == "" {
		return fmt.Errorf("%w: provider_url is required", ErrNotConfigured)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	switch c.Mode {
	case "", ModeEmail, ModeUserID:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeEmail, ModeUserID, c.Mode)
	}
	switch c.TokenExchangeMode {
	case ExchangeDisabled, ExchangeRefreshToken, ExchangeAccessToken:
	default:
		return fmt.Errorf("token_exchange_mode must be %q or %q, got %q",
			ExchangeRefreshToken, ExchangeAccessToken, c.TokenExchangeMode)
	}
	if c.TokenExchangeMode != ExchangeDisabled && !c.Introspection.Enabled {
		return fmt.Errorf("token_exchange_mode requires introspection to be enabled")
	}
	return nil
}

// LookupMode returns the configured mode, defaulting to userid.
func (c ProviderConfig) LookupMode() string {
	if c.Mode == "" {
		return ModeUserID
	}
	return c.Mode
}

// IdentityClaimName returns the configured identity claim, defaulting to email.
func (c ProviderConfig) IdentityClaimName() string {
	if c.IdentityClaim == "" {
		return "email"
	}
	return c.IdentityClaim
}

// TokenSet holds the tokens returned by an authorization-code or
// refresh-token exchange. Tokens are held only in the session store or per
// request; they are never persisted beyond the session lifetime.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
	// IDClaims are the verified ID token claims. Nil after a refresh that
	// returned no new id_token.
	IDClaims Claims
}

// extraEndpoints are discovery document fields the go-oidc endpoint struct
// does not surface.
type extraEndpoints struct {
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// Provider wraps OIDC discovery, the OAuth2 authorization-code flow, and the
// provider endpoints the verification layer needs.
type Provider struct {
	cfg          ProviderConfig
	oidcProvider *gooidc.Provider
	verifier     *gooidc.IDTokenVerifier
	oauth2Config oauth2.Config
	endpoints    extraEndpoints
	jwksURL      string
	httpClient   *http.Client
}

// ProviderOption customizes Provider construction.
type ProviderOption func(*Provider)

// WithHTTPClient sets the HTTP client used for direct IdP calls
// (introspection, revocation, token exchange). Outbound calls carry no
// automatic retry; the client's timeout bounds every call.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.httpClient = c }
}

// NewProvider creates a Provider by performing OIDC discovery on the issuer URL.
func NewProvider(ctx context.Context, cfg ProviderConfig, opts ...ProviderOption) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("provider config: %w", err)
	}

	oidcProv, err := gooidc.NewProvider(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}

	var extra extraEndpoints
	// Best-effort: providers without these endpoints simply leave them empty.
	_ = oidcProv.Claims(&extra)

	var jwks struct {
		JWKSURI string `json:"jwks_uri"`
	}
	_ = oidcProv.Claims(&jwks)

	p := &Provider{
		cfg:          cfg,
		oidcProvider: oidcProv,
		verifier: oidcProv.Verifier(&gooidc.Config{
			ClientID: cfg.ClientID,
		}),
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     oidcProv.Endpoint(),
			Scopes:       scopes,
		},
		endpoints:  extra,
		jwksURL:    jwks.JWKSURI,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the immutable provider configuration.
func (p *Provider) Config() ProviderConfig { return p.cfg }

// JWKSURL returns the provider's published key set URL.
func (p *Provider) JWKSURL() string { return p.jwksURL }

// AuthCodeURL generates the IdP redirect URL with the given state and options.
func (p *Provider) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	return p.oauth2Config.AuthCodeURL(state, opts...)
}

// Exchange exchanges an authorization code for tokens and verifies the ID token.
func (p *Provider) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return p.tokenSetFrom(ctx, token, true)
}

// Refresh performs a refresh-token exchange. The returned TokenSet carries
// the rotated refresh token when the IdP rotates on use, otherwise the
// original one.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := p.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	set, err := p.tokenSetFrom(ctx, token, false)
	if err != nil {
		return nil, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

func (p *Provider) tokenSetFrom(ctx context.Context, token *oauth2.Token, requireIDToken bool) (*TokenSet, error) {
	set := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		if requireIDToken {
			return nil, fmt.Errorf("no id_token in token response")
		}
		return set, nil
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract id_token claims: %w", err)
	}
	set.IDToken = rawIDToken
	set.IDClaims = claims
	return set, nil
}

// UserInfo fetches the userinfo document for the given access token.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (Claims, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	ui, err := p.oidcProvider.UserInfo(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	var claims Claims
	if err := ui.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return claims, nil
}

// Introspect calls the provider's introspection endpoint with the configured
// introspection client credentials, falling back to the primary client.
// The raw response body is returned as claims; callers interpret the
// "error" and "active" fields.
func (p *Provider) Introspect(ctx context.Context, token string) (Claims, error) {
	if p.endpoints.IntrospectionEndpoint == "" {
		return nil, fmt.Errorf("provider advertises no introspection endpoint")
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoints.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	clientID, clientSecret := p.cfg.Introspection.ClientID, p.cfg.Introspection.ClientSecret
	if clientID == "" {
		clientID, clientSecret = p.cfg.ClientID, p.cfg.ClientSecret
	}
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read introspection response: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("decode introspection response (status %d): %w", resp.StatusCode, err)
	}
	return claims, nil
}

// Revoke revokes a token at the provider's revocation endpoint. Callers
// treat failures as best-effort.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	if p.endpoints.RevocationEndpoint == "" {
		return fmt.Errorf("provider advertises no revocation endpoint")
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoints.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation failed, status %d", resp.StatusCode)
	}
	return nil
}

// EndSessionURL builds the RP-initiated logout URL carrying the ID token
// hint and the configured post-logout redirect URI (may be absent). Returns
// empty when the provider advertises no end-session endpoint.
func (p *Provider) EndSessionURL(idToken string) string {
	if p.endpoints.EndSessionEndpoint == "" {
		return ""
	}
	q := url.Values{}
	if idToken != "" {
		q.Set("id_token_hint", idToken)
	}
	if p.cfg.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", p.cfg.PostLogoutRedirectURI)
	}
	if len(q) == 0 {
		return p.endpoints.EndSessionEndpoint
	}
	return p.endpoints.EndSessionEndpoint + "?" + q.Encode()
}

// EndSession notifies the IdP that the RP session ended. Callers treat
// failures as best-effort.
func (p *Provider) EndSession(ctx context.Context, idToken string) error {
	endSessionURL := p.EndSessionURL(idToken)
	if endSessionURL == "" {
		return fmt.Errorf("provider advertises no end_session_endpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endSessionURL, nil)
	if err != nil {
		return fmt.Errorf("create end-session request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("end-session call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("end-session failed, status %d", resp.StatusCode)
	}
	return nil
}

// SameIssuer reports whether the given issuer matches the configured
// provider URL by scheme and host. Front-channel logout notifications with a
// foreign issuer are ignored.
func SameIssuer(providerURL, issuer string) bool {
	a, err := url.Parse(providerURL)
	if err != nil {
		return false
	}
	b, err := url.Parse(issuer)
	if err != nil {
		return false
	}
	return a.Scheme == b.Scheme && a.Host == b.Host
}
