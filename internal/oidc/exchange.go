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
)

// OAuth 2.0 Token Exchange (RFC 8693) identifiers.
const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
	tokenTypeRefreshToken  = "urn:ietf:params:oauth:token-type:refresh_token"
)

type exchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Error           string `json:"error"`
	ErrorDesc       string `json:"error_description"`
}

// ExchangeToken performs an RFC 8693 token exchange against the provider's
// token endpoint, using the introspection client credentials when configured.
// subjectTokenType is one of the urn:ietf:params:oauth:token-type values.
func (p *Provider) ExchangeToken(ctx context.Context, subjectToken, subjectTokenType string) (string, time.Time, error) {
	if subjectToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: no subject token available", ErrExchangeFailed)
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", subjectTokenType)
	form.Set("requested_token_type", tokenTypeAccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.oauth2Config.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create token exchange request: %w", err)
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
		return "", time.Time{}, fmt.Errorf("token exchange call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token exchange response: %w", err)
	}

	var out exchangeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token exchange response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != "" {
		return "", time.Time{}, fmt.Errorf("%w: %s (%s)", ErrExchangeFailed, out.Error, out.ErrorDesc)
	}
	if resp.StatusCode != http.StatusOK || out.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: status %d", ErrExchangeFailed, resp.StatusCode)
	}

	var expiry time.Time
	if out.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return out.AccessToken, expiry, nil
}
