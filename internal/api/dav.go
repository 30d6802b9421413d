package api

import (
	"net/http"

	"collabauth/internal/audit"
	"collabauth/internal/authx"
)

// requireAuth guards API and WebDAV endpoints: a verified browser session
// or a Bearer/PoP token must resolve to an enabled principal. Everything
// else gets a 401 challenge.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Session fast path: the SessionMiddleware already verified the
		// cookie upstream. Mark the session once so repeated WebDAV
		// requests in the same session skip the marker write.
		if p := PrincipalFromContext(ctx); p != nil {
			if sess := SessionFromContext(ctx); sess != nil && sess.Value(authx.KeyDAVAuthenticated) == "" {
				sess.SetValue(authx.KeyDAVAuthenticated, p.ID)
				if err := s.sessions.Save(ctx, sess); err != nil {
					s.log.DebugContext(ctx, "session marker write failed", "error", err)
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		if s.bearer != nil {
			p, err := s.bearer.AuthenticateRequest(ctx, r)
			if err != nil {
				s.auditLog(ctx, r, audit.Failure(audit.ActionBearerAuth, err.Error()))
				s.challenge(w, r, "token verification failed")
				return
			}
			if p != nil {
				if !p.Enabled {
					s.auditLog(ctx, r, audit.Failure(audit.ActionBearerAuth, "account disabled"))
					s.challenge(w, r, "account disabled")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
				return
			}
		}

		s.challenge(w, r, "authentication required")
	})
}

func (s *Server) challenge(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="collabauth"`)
	s.writeErr(w, r, http.StatusUnauthorized, msg, "")
}

// handleDAV anchors the WebDAV subtree. The file layer mounts here; this
// server only decides who gets through, so it answers with the resolved
// identity.
func (s *Server) handleDAV(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	w.Header().Set("X-Authenticated-Principal", p.ID)
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("DAV", "1, 2")
		w.Header().Set("Allow", "OPTIONS, PROPFIND, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE")
		w.WriteHeader(http.StatusOK)
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"principal_id": p.ID,
			"path":         r.URL.Path,
		})
	}
}
