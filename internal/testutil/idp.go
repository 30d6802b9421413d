// Package testutil provides shared test infrastructure, most importantly a
// mock OpenID Connect identity provider.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

const testKeyID = "test-key-1"

// IdentityProvider is an httptest-backed mock IdP serving discovery, JWKS,
// token, introspection, userinfo, revocation and end-session endpoints.
// Response knobs are plain fields; set them before the request under test.
type IdentityProvider struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey

	mu sync.Mutex

	// IntrospectionResponse is returned verbatim from the introspection
	// endpoint. Defaults to an active token expiring in an hour.
	IntrospectionResponse map[string]any
	// UserinfoClaims is returned from the userinfo endpoint.
	UserinfoClaims map[string]any
	// RefreshResponse overrides the refresh grant response. A nil value
	// issues fresh tokens. Set RefreshStatus to fail the grant.
	RefreshResponse map[string]any
	RefreshStatus   int
	// ExchangeResponse overrides the RFC 8693 grant response.
	ExchangeResponse map[string]any
	// IDClaims are merged into the ID token issued by the code grant.
	IDClaims map[string]any

	// Recorded requests.
	RevokedTokens            []string
	EndSessionCalls          int
	IntrospectedTokens       []string
	LastIntrospectionAuth    string
	LastRefreshToken         string
	LastExchangeSubjectToken string
}

// NewIdentityProvider starts a mock IdP. It is shut down via t.Cleanup.
func NewIdentityProvider(t *testing.T) *IdentityProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	idp := &IdentityProvider{Key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", idp.handleDiscovery)
	mux.HandleFunc("GET /keys", idp.handleJWKS)
	mux.HandleFunc("POST /token", idp.handleToken)
	mux.HandleFunc("POST /introspect", idp.handleIntrospect)
	mux.HandleFunc("/userinfo", idp.handleUserinfo)
	mux.HandleFunc("POST /revoke", idp.handleRevoke)
	mux.HandleFunc("GET /logout", idp.handleEndSession)

	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Server.Close)
	return idp
}

// URL returns the issuer URL.
func (i *IdentityProvider) URL() string { return i.Server.URL }

// SignToken issues an RS256 JWT with the given claims, signed by the
// provider's key. Callers supply iss/aud/exp themselves when they matter.
func (i *IdentityProvider) SignToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: i.Key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", testKeyID),
	)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	raw, err := josejwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

// SignAccessToken issues a standard access token for sub expiring at exp.
func (i *IdentityProvider) SignAccessToken(t *testing.T, sub string, exp time.Time, extra map[string]any) string {
	t.Helper()
	claims := map[string]any{
		"iss": i.URL(),
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return i.SignToken(t, claims)
}

func (i *IdentityProvider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"issuer":                 i.URL(),
		"authorization_endpoint": i.URL() + "/authorize",
		"token_endpoint":         i.URL() + "/token",
		"jwks_uri":               i.URL() + "/keys",
		"userinfo_endpoint":      i.URL() + "/userinfo",
		"introspection_endpoint": i.URL() + "/introspect",
		"revocation_endpoint":    i.URL() + "/revoke",
		"end_session_endpoint":   i.URL() + "/logout",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"code"},
	})
}

func (i *IdentityProvider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &i.Key.PublicKey,
			KeyID:     testKeyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	})
}

func (i *IdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "refresh_token":
		i.LastRefreshToken = r.PostForm.Get("refresh_token")
		if i.RefreshStatus != 0 {
			w.WriteHeader(i.RefreshStatus)
			writeJSON(w, map[string]any{"error": "invalid_grant"})
			return
		}
		if i.RefreshResponse != nil {
			writeJSON(w, i.RefreshResponse)
			return
		}
		writeJSON(w, map[string]any{
			"access_token":  "refreshed-access-token",
			"refresh_token": "refreshed-refresh-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	case "urn:ietf:params:oauth:grant-type:token-exchange":
		i.LastExchangeSubjectToken = r.PostForm.Get("subject_token")
		if i.ExchangeResponse != nil {
			writeJSON(w, i.ExchangeResponse)
			return
		}
		writeJSON(w, map[string]any{
			"access_token":      "exchanged-access-token",
			"issued_token_type": "urn:ietf:params:oauth:token-type:access_token",
			"token_type":        "Bearer",
			"expires_in":        3600,
		})
	default: // authorization_code
		idClaims := map[string]any{
			"iss": i.URL(),
			"sub": "user-123",
			"aud": "test-client",
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(time.Hour).Unix(),
		}
		for k, v := range i.IDClaims {
			idClaims[k] = v
		}
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.RS256, Key: i.Key},
			(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", testKeyID),
		)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rawIDToken, err := josejwt.Signed(signer).Claims(idClaims).Serialize()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"access_token":  "mock-access-token",
			"refresh_token": "mock-refresh-token",
			"token_type":    "Bearer",
			"id_token":      rawIDToken,
			"expires_in":    3600,
		})
	}
}

func (i *IdentityProvider) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.IntrospectedTokens = append(i.IntrospectedTokens, r.PostForm.Get("token"))
	if user, _, ok := r.BasicAuth(); ok {
		i.LastIntrospectionAuth = user
	}
	if i.IntrospectionResponse != nil {
		writeJSON(w, i.IntrospectionResponse)
		return
	}
	writeJSON(w, map[string]any{
		"active": true,
		"sub":    "user-123",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
}

func (i *IdentityProvider) handleUserinfo(w http.ResponseWriter, _ *http.Request) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.UserinfoClaims != nil {
		writeJSON(w, i.UserinfoClaims)
		return
	}
	writeJSON(w, map[string]any{
		"sub":   "user-123",
		"email": "alice@example.com",
		"name":  "Alice",
	})
}

func (i *IdentityProvider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.RevokedTokens = append(i.RevokedTokens, r.PostForm.Get("token"))
	w.WriteHeader(http.StatusOK)
}

func (i *IdentityProvider) handleEndSession(w http.ResponseWriter, _ *http.Request) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.EndSessionCalls++
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
