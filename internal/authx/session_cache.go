package authx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"collabauth/internal/cache"
)

// sessionNamespace holds browser sessions in the shared cache factory so
// multi-instance deployments can share them through Redis.
const sessionNamespace = "browser-sessions"

// CacheSessionStore is a SessionStore over the shared cache factory.
// Entry TTLs track the session expiry, so Cleanup has nothing to do.
type CacheSessionStore struct {
	c      cache.Cache
	sealer *Sealer
}

// NewCacheSessionStore creates a session store in the factory's
// browser-sessions namespace. A non-nil sealer encrypts session values at
// rest.
func NewCacheSessionStore(f cache.Factory, sealer *Sealer) *CacheSessionStore {
	return &CacheSessionStore{c: f.Named(sessionNamespace), sealer: sealer}
}

func (st *CacheSessionStore) write(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if st.sealer != nil {
		sealed, err := st.sealer.Seal(string(raw))
		if err != nil {
			return fmt.Errorf("seal session: %w", err)
		}
		raw = []byte(sealed)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := st.c.Set(ctx, session.ID, raw, ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return st.indexAdd(ctx, session.PrincipalID, session.ID, ttl)
}

func (st *CacheSessionStore) Create(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" || session.PrincipalID == "" {
		return ErrInvalidSession
	}
	return st.write(ctx, session)
}

func (st *CacheSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	raw, ok, err := st.c.Get(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	if st.sealer != nil {
		opened, err := st.sealer.Open(string(raw))
		if err != nil {
			// Wrong key or tampered entry: treat as no session.
			return nil, nil
		}
		raw = []byte(opened)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (st *CacheSessionStore) Save(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidSession
	}
	existing, err := st.Get(ctx, session.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrSessionNotFound
	}
	return st.write(ctx, session)
}

func (st *CacheSessionStore) Delete(ctx context.Context, id string) error {
	s, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	if s != nil {
		_ = st.indexRemove(ctx, s.PrincipalID, id)
	}
	return st.c.Remove(ctx, id)
}

func (st *CacheSessionStore) DeleteByPrincipal(ctx context.Context, principalID string) error {
	ids, err := st.indexGet(ctx, principalID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := st.c.Remove(ctx, id); err != nil {
			return err
		}
	}
	return st.c.Remove(ctx, indexKey(principalID))
}

// Cleanup is a no-op: cache TTLs expire sessions on their own.
func (st *CacheSessionStore) Cleanup(context.Context) (int, error) { return 0, nil }

func indexKey(principalID string) string { return "principal:" + principalID }

func (st *CacheSessionStore) indexGet(ctx context.Context, principalID string) ([]string, error) {
	raw, ok, err := st.c.Get(ctx, indexKey(principalID))
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode session index: %w", err)
	}
	return ids, nil
}

func (st *CacheSessionStore) indexAdd(ctx context.Context, principalID, id string, ttl time.Duration) error {
	ids, err := st.indexGet(ctx, principalID)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	// The index lives at least as long as its newest session.
	if ttl < DefaultSessionDuration {
		ttl = DefaultSessionDuration
	}
	return st.c.Set(ctx, indexKey(principalID), raw, ttl)
}

func (st *CacheSessionStore) indexRemove(ctx context.Context, principalID, id string) error {
	ids, err := st.indexGet(ctx, principalID)
	if err != nil || len(ids) == 0 {
		return err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return st.c.Set(ctx, indexKey(principalID), raw, DefaultSessionDuration)
}
