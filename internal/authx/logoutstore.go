package authx

import (
	"context"

	"collabauth/internal/cache"
)

// logoutSessionNamespace tracks which provider sessions (sid claims) are
// still live. Front-channel logout notifications remove entries here.
const logoutSessionNamespace = "sessions"

// providerSessionTTL bounds how long a sid stays marked live without a
// fresh login. Matches the browser session lifetime.
const providerSessionTTL = DefaultSessionDuration

// LogoutSessionStore records the liveness of IdP sessions by sid. When the
// IdP announces a logout for a sid, every local session bound to it is
// terminated on its next request.
type LogoutSessionStore struct {
	c cache.Cache
}

// NewLogoutSessionStore creates the store in the factory's sessions
// namespace.
func NewLogoutSessionStore(f cache.Factory) *LogoutSessionStore {
	return &LogoutSessionStore{c: f.Named(logoutSessionNamespace)}
}

// MarkActive records the sid as live. Called at login when the ID token
// carries a sid.
func (s *LogoutSessionStore) MarkActive(ctx context.Context, sid string) error {
	return s.c.Set(ctx, sid, []byte("1"), providerSessionTTL)
}

// IsActive reports whether the sid is still live.
func (s *LogoutSessionStore) IsActive(ctx context.Context, sid string) bool {
	_, ok, err := s.c.Get(ctx, sid)
	return err == nil && ok
}

// Invalidate removes the sid. Called from the front-channel logout
// endpoint after the issuer check.
func (s *LogoutSessionStore) Invalidate(ctx context.Context, sid string) error {
	return s.c.Remove(ctx, sid)
}
