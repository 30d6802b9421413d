package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"collabauth/internal/audit"
	"collabauth/internal/authx"
	"collabauth/internal/cache"
	"collabauth/internal/config"
	"collabauth/internal/directory"
	"collabauth/internal/observability"
	"collabauth/internal/oidc"
	"collabauth/internal/provision"
	"collabauth/internal/testutil"
)

type apiFixture struct {
	idp      *testutil.IdentityProvider
	dir      *directory.MemoryDirectory
	sessions *authx.MemorySessionStore
	logouts  *authx.LogoutSessionStore
	audit    *audit.MemoryLogger
	srv      *Server
	handler  http.Handler
}

func testLogger() observability.Logger {
	return observability.NewLogger(observability.Config{Level: "error", Output: io.Discard})
}

func newAPIFixture(t *testing.T, mutate func(*oidc.ProviderConfig)) *apiFixture {
	t.Helper()
	idp := testutil.NewIdentityProvider(t)

	pcfg := oidc.ProviderConfig{
		ProviderURL:   idp.URL(),
		ClientID:      "test-client",
		ClientSecret:  "test-secret",
		RedirectURL:   "http://localhost:8080/auth/callback",
		Mode:          oidc.ModeEmail,
		Introspection: oidc.IntrospectionConfig{Enabled: true},
		AutoProvision: oidc.AutoProvisionConfig{Enabled: true},
	}
	if mutate != nil {
		mutate(&pcfg)
	}

	log := testLogger()
	provider, err := oidc.NewProvider(context.Background(), pcfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	validator, err := oidc.NewTokenValidator(context.Background(), provider, log)
	if err != nil {
		t.Fatalf("NewTokenValidator: %v", err)
	}

	f := cache.NewMemoryFactory()
	dir := directory.NewMemoryDirectory()
	sessions := authx.NewMemorySessionStore()
	logouts := authx.NewLogoutSessionStore(f)
	accounts := provision.NewService(pcfg, dir, log, nil)
	verifier := authx.NewSessionVerifier(provider, validator,
		authx.NewVerificationCache(f, authx.NamespaceSessionVerification, nil),
		logouts, sessions, log, nil)
	bearer := authx.NewBearerAuthenticator(provider, validator,
		authx.NewVerificationCache(f, authx.NamespaceBearerVerification, nil),
		accounts, dir, log, nil)
	auditLog := audit.NewMemoryLogger()

	mux := http.NewServeMux()
	srv := NewServer(mux, Options{
		Provider:  provider,
		Verifier:  verifier,
		Bearer:    bearer,
		Sessions:  sessions,
		Logouts:   logouts,
		Accounts:  accounts,
		Directory: dir,
		Audit:     auditLog,
		Logger:    log,
		Metrics:   nil,
		Session: config.SessionConfig{
			Duration:   time.Hour,
			CookieName: "collabauth_session",
		},
	})
	srv.RegisterRoutes()

	handler := ApplyMiddlewares(mux, RequestIDMiddleware(), srv.SessionMiddleware())
	return &apiFixture{
		idp:      idp,
		dir:      dir,
		sessions: sessions,
		logouts:  logouts,
		audit:    auditLog,
		srv:      srv,
		handler:  handler,
	}
}

func (fx *apiFixture) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, r)
	return rec
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHealth(t *testing.T) {
	fx := newAPIFixture(t, nil)
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAuthConfig(t *testing.T) {
	fx := newAPIFixture(t, nil)
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/auth/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["enabled"] != true {
		t.Error("provider not reported enabled")
	}
	if body["client_id"] != "test-client" {
		t.Errorf("client_id = %v", body["client_id"])
	}
	if _, ok := body["client_secret"]; ok {
		t.Error("client secret leaked into the public config")
	}
}

func TestLoginRedirectsToProvider(t *testing.T) {
	fx := newAPIFixture(t, nil)
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/auth/login?redirect_url=/files", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Error("auth URL carries no state")
	}
	if loc.Query().Get("nonce") == "" {
		t.Error("auth URL carries no nonce")
	}

	stateCookie := cookieByName(rec, stateCookieName)
	if stateCookie == nil || stateCookie.Value != state {
		t.Error("state cookie missing or does not match the auth URL")
	}
	if c := cookieByName(rec, redirectCookieName); c == nil || c.Value != "/files" {
		t.Error("redirect cookie missing")
	}
}

// login walks the full login flow against the mock IdP and returns the
// session cookie.
func (fx *apiFixture) login(t *testing.T) *http.Cookie {
	t.Helper()
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("login status = %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	state := loc.Query().Get("state")
	nonce := loc.Query().Get("nonce")

	fx.idp.IDClaims = map[string]any{
		"email": "alice@example.com",
		"sid":   "idp-session-1",
		"nonce": nonce,
	}

	cb := httptest.NewRequest(http.MethodGet, "/auth/callback?code=auth-code&state="+url.QueryEscape(state), nil)
	for _, c := range rec.Result().Cookies() {
		cb.AddCookie(c)
	}
	cbRec := fx.do(cb)
	if cbRec.Code != http.StatusFound {
		t.Fatalf("callback status = %d: %s", cbRec.Code, cbRec.Body.String())
	}
	sessCookie := cookieByName(cbRec, "collabauth_session")
	if sessCookie == nil || sessCookie.Value == "" {
		t.Fatal("no session cookie after callback")
	}
	return sessCookie
}

func TestCallbackEstablishesSession(t *testing.T) {
	ctx := context.Background()
	fx := newAPIFixture(t, nil)
	sessCookie := fx.login(t)

	sess, err := fx.sessions.Get(ctx, sessCookie.Value)
	if err != nil || sess == nil {
		t.Fatalf("stored session = %v, %v", sess, err)
	}
	if sess.Value(authx.KeyAccessToken) != "mock-access-token" {
		t.Errorf("access token = %q", sess.Value(authx.KeyAccessToken))
	}
	if sess.Value(authx.KeyProviderSessionID) != "idp-session-1" {
		t.Errorf("sid = %q", sess.Value(authx.KeyProviderSessionID))
	}
	if !fx.logouts.IsActive(ctx, "idp-session-1") {
		t.Error("provider session not marked active")
	}

	// The account was provisioned just in time.
	found, err := fx.dir.SearchByEmail(ctx, "alice@example.com")
	if err != nil || len(found) != 1 {
		t.Fatalf("directory search = %v, %v", found, err)
	}
	if sess.PrincipalID != found[0].ID {
		t.Error("session bound to a different principal")
	}

	events, _, _ := fx.audit.List(ctx, audit.ListOptions{Action: audit.ActionLogin, Outcome: audit.OutcomeSuccess})
	if len(events) != 1 {
		t.Errorf("login audit events = %d, want 1", len(events))
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	fx := newAPIFixture(t, nil)
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	cb := httptest.NewRequest(http.MethodGet, "/auth/callback?code=auth-code&state=forged", nil)
	for _, c := range rec.Result().Cookies() {
		cb.AddCookie(c)
	}
	cbRec := fx.do(cb)
	if cbRec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", cbRec.Code)
	}
}

func TestCallbackProviderError(t *testing.T) {
	fx := newAPIFixture(t, nil)
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/auth/callback?error=access_denied", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestLogoutWithSession(t *testing.T) {
	ctx := context.Background()
	fx := newAPIFixture(t, nil)
	sessCookie := fx.login(t)

	r := httptest.NewRequest(http.MethodGet, "/auth/logout", nil)
	r.AddCookie(sessCookie)
	rec := fx.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got, _ := fx.sessions.Get(ctx, sessCookie.Value); got != nil {
		t.Error("session survived logout")
	}
	if len(fx.idp.RevokedTokens) == 0 {
		t.Error("access token was not revoked")
	}
	if cc := rec.Header().Get("Cache-Control"); cc == "" {
		t.Error("logout response missing Cache-Control")
	}
	cleared := cookieByName(rec, "collabauth_session")
	if cleared == nil || cleared.MaxAge != -1 {
		t.Error("session cookie not cleared")
	}
}

func TestFrontChannelLogout(t *testing.T) {
	ctx := context.Background()
	fx := newAPIFixture(t, nil)
	if err := fx.logouts.MarkActive(ctx, "sid-9"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet,
		"/auth/logout?iss="+url.QueryEscape(fx.idp.URL())+"&sid=sid-9", nil)
	rec := fx.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if fx.logouts.IsActive(ctx, "sid-9") {
		t.Error("sid still active after front-channel logout")
	}
	if rec.Header().Get("Pragma") != "no-cache" {
		t.Error("missing Pragma header")
	}
}

func TestFrontChannelLogoutForeignIssuer(t *testing.T) {
	ctx := context.Background()
	fx := newAPIFixture(t, nil)
	if err := fx.logouts.MarkActive(ctx, "sid-9"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet,
		"/auth/logout?iss=https%3A%2F%2Fevil.example.com&sid=sid-9", nil)
	rec := fx.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !fx.logouts.IsActive(ctx, "sid-9") {
		t.Error("foreign issuer invalidated a local provider session")
	}
}

func TestFrontChannelLogoutMissingParams(t *testing.T) {
	fx := newAPIFixture(t, nil)
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/auth/logout?sid=sid-9", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestWhoamiWithBearerToken(t *testing.T) {
	fx := newAPIFixture(t, nil)
	fx.idp.IntrospectionResponse = map[string]any{
		"active": true,
		"email":  "bob@example.com",
		"exp":    float64(time.Now().Add(time.Hour).Unix()),
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	r.Header.Set("Authorization", "Bearer opaque-token")
	rec := fx.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["email"] != "bob@example.com" {
		t.Errorf("email = %v", body["email"])
	}
}

func TestWhoamiUnauthenticated(t *testing.T) {
	fx := newAPIFixture(t, nil)
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
}

func TestWhoamiRejectsInactiveToken(t *testing.T) {
	fx := newAPIFixture(t, nil)
	fx.idp.IntrospectionResponse = map[string]any{"active": false}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	r.Header.Set("Authorization", "Bearer revoked")
	rec := fx.do(r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	events, _, _ := fx.audit.List(context.Background(),
		audit.ListOptions{Action: audit.ActionBearerAuth, Outcome: audit.OutcomeFailure})
	if len(events) != 1 {
		t.Errorf("bearer audit events = %d, want 1", len(events))
	}
}

func TestDAVSessionFastPath(t *testing.T) {
	fx := newAPIFixture(t, nil)
	sessCookie := fx.login(t)

	r := httptest.NewRequest("PROPFIND", "/dav/files/alice/", nil)
	r.AddCookie(sessCookie)
	rec := fx.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Authenticated-Principal") == "" {
		t.Error("missing authenticated principal header")
	}

	sess, _ := fx.sessions.Get(context.Background(), sessCookie.Value)
	if sess.Value(authx.KeyDAVAuthenticated) == "" {
		t.Error("session fast-path marker not set")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	fx := newAPIFixture(t, nil)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("no request id assigned")
	}

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set(requestIDHeader, "client-supplied-id")
	rec = fx.do(r)
	if got := rec.Header().Get(requestIDHeader); got != "client-supplied-id" {
		t.Errorf("request id = %q, want client-supplied-id", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set(requestIDHeader, "bad id with spaces")
	rec = fx.do(r)
	if got := rec.Header().Get(requestIDHeader); got == "bad id with spaces" {
		t.Error("unsanitized request id echoed back")
	}
}

func TestLoginRateLimit(t *testing.T) {
	fx := newAPIFixture(t, nil)
	fx.srv.SetLoginRateLimit(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2})
	// Routes capture the limiter at registration time.
	mux := http.NewServeMux()
	fx.srv.mux = mux
	fx.srv.RegisterRoutes()
	fx.handler = ApplyMiddlewares(mux, RequestIDMiddleware(), fx.srv.SessionMiddleware())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
		r.RemoteAddr = "203.0.113.1:4444"
		statuses = append(statuses, fx.do(r).Code)
	}
	if statuses[0] != http.StatusFound || statuses[1] != http.StatusFound {
		t.Errorf("first requests = %v, want 302", statuses[:2])
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", statuses[2])
	}
}
