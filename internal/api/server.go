// Package api is the HTTP surface: the OIDC login flow, front-channel
// logout, bearer-authenticated API and WebDAV endpoints, and operational
// endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/getsentry/sentry-go"

	"collabauth/internal/audit"
	"collabauth/internal/authx"
	"collabauth/internal/config"
	"collabauth/internal/directory"
	"collabauth/internal/observability"
	"collabauth/internal/oidc"
	"collabauth/internal/provision"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, code int, msg, detail string) {
	if detail != "" {
		s.log.WarnContext(r.Context(), "request failed", "status", code, "error", msg, "detail", detail)
	}
	if code >= 500 {
		sentry.CaptureMessage(msg)
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// Options carries the collaborators the server needs. Provider, verifier
// and bearer may be nil when no identity provider is configured; the auth
// endpoints then answer 503.
type Options struct {
	Provider  *oidc.Provider
	Verifier  *authx.SessionVerifier
	Bearer    *authx.BearerAuthenticator
	Sessions  authx.SessionStore
	Logouts   *authx.LogoutSessionStore
	Accounts  *provision.Service
	Directory directory.Directory
	Audit     audit.Logger
	Logger    observability.Logger
	Metrics   *observability.Metrics
	Session   config.SessionConfig
}

// Server serves the authentication HTTP API.
type Server struct {
	mux      *http.ServeMux
	provider *oidc.Provider
	verifier *authx.SessionVerifier
	bearer   *authx.BearerAuthenticator
	sessions authx.SessionStore
	logouts  *authx.LogoutSessionStore
	accounts *provision.Service
	dir      directory.Directory
	audit    audit.Logger
	log      observability.Logger
	metrics  *observability.Metrics
	session  config.SessionConfig

	loginLimit Middleware
}

// NewServer creates the server and wires its collaborators.
func NewServer(mux *http.ServeMux, opts Options) *Server {
	s := &Server{
		mux:      mux,
		provider: opts.Provider,
		verifier: opts.Verifier,
		bearer:   opts.Bearer,
		sessions: opts.Sessions,
		logouts:  opts.Logouts,
		accounts: opts.Accounts,
		dir:      opts.Directory,
		audit:    opts.Audit,
		log:      opts.Logger.WithComponent("api"),
		metrics:  opts.Metrics,
		session:  opts.Session,
	}
	if s.audit == nil {
		s.audit = audit.NewMemoryLogger()
	}
	s.loginLimit = func(next http.Handler) http.Handler { return next }
	return s
}

// SetLoginRateLimit installs a rate limiter on the login endpoints.
func (s *Server) SetLoginRateLimit(cfg RateLimitConfig) {
	s.loginLimit = RateLimitMiddleware(cfg, s.log, s.metrics)
}

// RegisterRoutes attaches all handlers to the mux.
func (s *Server) RegisterRoutes() {
	limited := func(h http.HandlerFunc) http.Handler { return s.loginLimit(h) }

	s.mux.Handle("/auth/login", limited(s.handleLogin))
	s.mux.Handle("/auth/callback", limited(s.handleCallback))
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/auth/config", s.handleAuthConfig)
	s.mux.HandleFunc("/auth/session", s.handleSessionInfo)

	s.mux.Handle("/api/v1/whoami", s.requireAuth(http.HandlerFunc(s.handleWhoami)))
	s.mux.Handle("/dav/", s.requireAuth(http.HandlerFunc(s.handleDAV)))

	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

// SessionMiddleware resolves the session cookie, re-verifies the session's
// provider tokens, and attaches the session and its principal to the
// request context. Requests without a valid session pass through
// unauthenticated.
func (s *Server) SessionMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := s.loadSession(r)
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			if s.verifier != nil {
				if err := s.verifier.VerifySession(ctx, sess); err != nil {
					s.log.WarnContext(ctx, "session verification failed", "error", err)
					s.clearSessionCookie(w)
					next.ServeHTTP(w, r)
					return
				}
				// The verifier may have ended the session.
				current, err := s.sessions.Get(ctx, sess.ID)
				if err != nil || current == nil {
					s.clearSessionCookie(w)
					next.ServeHTTP(w, r)
					return
				}
				sess = current
			}

			ctx = WithSession(ctx, sess)
			if p, err := s.dir.GetByID(ctx, sess.PrincipalID); err == nil && p != nil && p.Enabled {
				ctx = WithPrincipal(ctx, p)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loadSession returns the valid stored session referenced by the request's
// cookie, or nil.
func (s *Server) loadSession(r *http.Request) *authx.Session {
	cookie, err := r.Cookie(s.cookieName())
	if err != nil || cookie.Value == "" {
		return nil
	}
	sess, err := s.sessions.Get(r.Context(), cookie.Value)
	if err != nil || sess == nil || !sess.IsValid() {
		return nil
	}
	return sess
}

func (s *Server) cookieName() string {
	if s.session.CookieName != "" {
		return s.session.CookieName
	}
	return "collabauth_session"
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthConfig exposes the public part of the provider configuration so
// clients can discover how to authenticate.
func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErr(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if s.provider == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	cfg := s.provider.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":      true,
		"provider_url": cfg.ProviderURL,
		"client_id":    cfg.ClientID,
		"redirect_url": cfg.RedirectURL,
		"scopes":       cfg.Scopes,
		"login_url":    "/auth/login",
		"logout_url":   "/auth/logout",
	})
}

// handleSessionInfo reports whether the request carries a live session.
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErr(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	p := PrincipalFromContext(r.Context())
	if p == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"principal_id":  p.ID,
		"email":         p.Email,
		"display_name":  p.DisplayName,
	})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"principal_id": p.ID,
		"email":        p.Email,
		"display_name": p.DisplayName,
		"backend":      p.Backend,
	})
}
