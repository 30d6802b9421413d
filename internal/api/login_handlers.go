package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"collabauth/internal/audit"
	"collabauth/internal/authx"
	"collabauth/internal/observability"
	"collabauth/internal/oidc"
)

const (
	stateCookieName    = "collabauth_oidc_state"
	nonceCookieName    = "collabauth_oidc_nonce"
	redirectCookieName = "collabauth_oidc_redirect"
	flowCookieTTL      = 10 * time.Minute
)

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Server) setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth/",
		MaxAge:   int(flowCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearFlowCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/auth/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess *authx.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sanitizeRedirect keeps post-login redirects on this host. Anything
// absolute or scheme-relative falls back to the root.
func sanitizeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "/"
	}
	return target
}

// handleLogin starts the authorization-code flow: state and nonce go into
// short-lived cookies, the browser goes to the IdP.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErr(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if s.provider == nil {
		s.writeErr(w, r, http.StatusServiceUnavailable, "no identity provider configured", "")
		return
	}

	state, err := randomToken()
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, "internal server error", err.Error())
		return
	}
	nonce, err := randomToken()
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, "internal server error", err.Error())
		return
	}

	s.setFlowCookie(w, stateCookieName, state)
	s.setFlowCookie(w, nonceCookieName, nonce)
	if target := sanitizeRedirect(r.URL.Query().Get("redirect_url")); target != "/" {
		s.setFlowCookie(w, redirectCookieName, target)
	}

	authURL := s.provider.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback finishes the flow: code exchange, identity lookup (with
// just-in-time provisioning), session establishment.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErr(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if s.provider == nil {
		s.writeErr(w, r, http.StatusServiceUnavailable, "no identity provider configured", "")
		return
	}
	ctx := r.Context()

	defer func() {
		s.clearFlowCookie(w, stateCookieName)
		s.clearFlowCookie(w, nonceCookieName)
		s.clearFlowCookie(w, redirectCookieName)
	}()

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		s.loginFailed(ctx, r, "provider error: "+errCode)
		s.writeErr(w, r, http.StatusForbidden, "login rejected by provider", errCode)
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		s.loginFailed(ctx, r, "state mismatch")
		s.writeErr(w, r, http.StatusBadRequest, "state mismatch", "")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		s.writeErr(w, r, http.StatusBadRequest, "missing authorization code", "")
		return
	}

	set, err := s.provider.Exchange(ctx, code)
	if err != nil {
		s.loginFailed(ctx, r, "code exchange failed")
		s.writeErr(w, r, http.StatusBadGateway, "code exchange failed", err.Error())
		return
	}

	if nonceCookie, err := r.Cookie(nonceCookieName); err == nil && nonceCookie.Value != "" {
		if nonce, _ := set.IDClaims.GetString("nonce"); nonce != nonceCookie.Value {
			s.loginFailed(ctx, r, "nonce mismatch")
			s.writeErr(w, r, http.StatusBadRequest, "nonce mismatch", "")
			return
		}
	}

	principal, err := s.accounts.LookupOrProvision(ctx, set.IDClaims)
	if err != nil {
		s.loginFailed(ctx, r, err.Error())
		s.writeErr(w, r, http.StatusForbidden, "no account for this identity", err.Error())
		return
	}
	if !principal.Enabled {
		s.loginFailed(ctx, r, "account disabled")
		s.writeErr(w, r, http.StatusForbidden, "account disabled", "")
		return
	}

	target := "/"
	if c, err := r.Cookie(redirectCookieName); err == nil {
		target = sanitizeRedirect(c.Value)
	}

	sess, err := s.establishSession(ctx, principal.ID, set, target)
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, "session creation failed", err.Error())
		return
	}
	s.setSessionCookie(w, sess)

	if s.metrics != nil {
		s.metrics.RecordLogin()
	}
	s.auditLog(ctx, r, audit.Success(audit.ActionLogin, principal.ID))

	http.Redirect(w, r, target, http.StatusFound)
}

// establishSession creates the browser session carrying the provider
// tokens. A sid claim in the ID token is registered live so front-channel
// logout can find it later.
func (s *Server) establishSession(ctx context.Context, principalID string, set *oidc.TokenSet, redirectTarget string) (*authx.Session, error) {
	id, err := authx.NewSessionID()
	if err != nil {
		return nil, err
	}
	duration := s.session.Duration
	if duration <= 0 {
		duration = authx.DefaultSessionDuration
	}
	now := time.Now()
	sess := &authx.Session{
		ID:          id,
		PrincipalID: principalID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(duration),
		Values:      map[string]string{},
	}
	sess.SetValue(authx.KeyAccessToken, set.AccessToken)
	if set.RefreshToken != "" {
		sess.SetValue(authx.KeyRefreshToken, set.RefreshToken)
	}
	if set.IDToken != "" {
		sess.SetValue(authx.KeyIDToken, set.IDToken)
	}
	if redirectTarget != "" && redirectTarget != "/" {
		sess.SetValue(authx.KeyPostLoginRedirect, redirectTarget)
	}
	if sid, ok := set.IDClaims.GetString("sid"); ok {
		sess.SetValue(authx.KeyProviderSessionID, sid)
		if err := s.logouts.MarkActive(ctx, sid); err != nil {
			s.log.WarnContext(ctx, "marking provider session active failed", "error", err)
		}
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// handleLogout serves both the user-initiated logout and the IdP's
// front-channel logout notification (?iss=...&sid=...).
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.writeErr(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	ctx := r.Context()

	// Logout responses must never be cached: a cached 200 would let the
	// browser skip a later, real notification.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")

	if sess := SessionFromContext(ctx); sess != nil {
		principalID := sess.PrincipalID
		sess.SetValue(authx.KeyWithinLogout, "1")
		if s.verifier != nil {
			s.verifier.Logout(ctx, sess)
		} else {
			_ = s.sessions.Delete(ctx, sess.ID)
		}
		s.clearSessionCookie(w)
		s.auditLog(ctx, r, audit.Success(audit.ActionLogout, principalID))
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
		return
	}

	iss := r.URL.Query().Get("iss")
	sid := r.URL.Query().Get("sid")
	if iss == "" || sid == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if s.provider == nil || !oidc.SameIssuer(s.provider.Config().ProviderURL, iss) {
		// A notification for a different issuer is not ours to act on.
		s.log.DebugContext(ctx, "ignoring logout notification from foreign issuer", "iss", iss)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if err := s.logouts.Invalidate(ctx, sid); err != nil {
		s.log.WarnContext(ctx, "provider session invalidation failed", "error", err)
	}
	s.auditLog(ctx, r, &audit.Event{Action: audit.ActionRemoteLogout, Outcome: audit.OutcomeSuccess})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loginFailed(ctx context.Context, r *http.Request, reason string) {
	if s.metrics != nil {
		s.metrics.RecordLoginFailure()
	}
	s.auditLog(ctx, r, audit.Failure(audit.ActionLogin, reason))
}

func (s *Server) auditLog(ctx context.Context, r *http.Request, e *audit.Event) {
	e.RequestID = observability.RequestIDFromContext(ctx)
	e.IPAddress = clientKey(r)
	if err := s.audit.Log(ctx, e); err != nil {
		s.log.WarnContext(ctx, "audit log write failed", "error", err)
	}
}
