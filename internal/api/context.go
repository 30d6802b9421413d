package api

import (
	"context"

	"collabauth/internal/authx"
	"collabauth/internal/directory"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	sessionContextKey   contextKey = "session"
)

// WithPrincipal stores the authenticated principal in the context.
func WithPrincipal(ctx context.Context, p *directory.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *directory.Principal {
	p, _ := ctx.Value(principalContextKey).(*directory.Principal)
	return p
}

// WithSession stores the browser session in the context.
func WithSession(ctx context.Context, s *authx.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// SessionFromContext returns the browser session, or nil for requests that
// did not arrive with a valid session cookie.
func SessionFromContext(ctx context.Context) *authx.Session {
	s, _ := ctx.Value(sessionContextKey).(*authx.Session)
	return s
}
