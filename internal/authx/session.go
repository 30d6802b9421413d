// Package authx implements the browser-session and bearer-token
// verification flows on top of the oidc, cache, directory and provision
// packages.
package authx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// Session errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session")
)

// DefaultSessionDuration is the default browser session lifetime.
const DefaultSessionDuration = 24 * time.Hour

// SessionIDLength is the number of random bytes used for session IDs.
const SessionIDLength = 32

// Keys of the provider state kept inside a browser session.
const (
	KeyAccessToken       = "access-token"
	KeyRefreshToken      = "refresh-token"
	KeyIDToken           = "id-token"
	KeyProviderSessionID = "oidc-session-id"
	KeyWithinLogout      = "within-logout"
	KeyPostLoginRedirect = "post-login-redirect"
	KeyDAVAuthenticated  = "dav-authenticated"
)

// Session is an authenticated browser session. Values carries the
// provider tokens and flags under the Key* constants; tokens live only
// here for the session's lifetime.
type Session struct {
	ID          string            `json:"id"`
	PrincipalID string            `json:"principal_id"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Values      map[string]string `json:"values,omitempty"`
}

// NewSessionID generates a cryptographically random session ID.
func NewSessionID() (string, error) {
	b := make([]byte, SessionIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsValid returns true if the session is usable.
func (s *Session) IsValid() bool {
	return s.ID != "" && s.PrincipalID != "" && !s.IsExpired()
}

// Value returns the stored value for key, empty when absent.
func (s *Session) Value(key string) string {
	return s.Values[key]
}

// SetValue stores a value under key.
func (s *Session) SetValue(key, value string) {
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	s.Values[key] = value
}

// RemoveValue deletes the value under key.
func (s *Session) RemoveValue(key string) {
	delete(s.Values, key)
}

// ClearTokens removes all provider tokens from the session.
func (s *Session) ClearTokens() {
	s.RemoveValue(KeyAccessToken)
	s.RemoveValue(KeyRefreshToken)
	s.RemoveValue(KeyIDToken)
}

// SessionStore defines browser session persistence.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Session, error)

	// Save persists changes to an existing session's values.
	Save(ctx context.Context, session *Session) error

	// Delete removes a session by ID.
	Delete(ctx context.Context, id string) error

	// DeleteByPrincipal removes all sessions of a principal.
	DeleteByPrincipal(ctx context.Context, principalID string) error

	// Cleanup removes expired sessions and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
}

// MemorySessionStore is an in-memory SessionStore. Thread-safe; suitable
// for development and single-instance deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// principalIndex maps principal ID to session IDs for fast lookup.
	principalIndex map[string]map[string]struct{}
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:       make(map[string]*Session),
		principalIndex: make(map[string]map[string]struct{}),
	}
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cpy := *s
	if s.Values != nil {
		cpy.Values = make(map[string]string, len(s.Values))
		for k, v := range s.Values {
			cpy.Values[k] = v
		}
	}
	return &cpy
}

func (st *MemorySessionStore) Create(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.PrincipalID == "" {
		return ErrInvalidSession
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[session.ID] = copySession(session)
	idx, ok := st.principalIndex[session.PrincipalID]
	if !ok {
		idx = make(map[string]struct{})
		st.principalIndex[session.PrincipalID] = idx
	}
	idx[session.ID] = struct{}{}
	return nil
}

func (st *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return copySession(st.sessions[id]), nil
}

func (st *MemorySessionStore) Save(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidSession
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	st.sessions[session.ID] = copySession(session)
	return nil
}

func (st *MemorySessionStore) Delete(_ context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.deleteLocked(id)
	return nil
}

func (st *MemorySessionStore) deleteLocked(id string) {
	s, ok := st.sessions[id]
	if !ok {
		return
	}
	delete(st.sessions, id)
	if idx, ok := st.principalIndex[s.PrincipalID]; ok {
		delete(idx, id)
		if len(idx) == 0 {
			delete(st.principalIndex, s.PrincipalID)
		}
	}
}

func (st *MemorySessionStore) DeleteByPrincipal(_ context.Context, principalID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id := range st.principalIndex[principalID] {
		st.deleteLocked(id)
	}
	return nil
}

func (st *MemorySessionStore) Cleanup(_ context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, s := range st.sessions {
		if s.IsExpired() {
			st.deleteLocked(id)
			removed++
		}
	}
	return removed, nil
}
