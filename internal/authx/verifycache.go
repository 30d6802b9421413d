package authx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"collabauth/internal/cache"
	"collabauth/internal/observability"
)

// Verification result namespaces. Browser-session and bearer-token
// verifications never share entries.
const (
	NamespaceSessionVerification = "session-verification"
	NamespaceBearerVerification  = "bearer-verification"
)

// verificationCacheTTL bounds how long a verification entry is kept. It is
// deliberately longer than typical token lifetimes: entries that outlive
// their token let the bearer path answer "expired" without a round trip to
// the provider.
const verificationCacheTTL = time.Hour

// verificationEntry is the cached outcome of a successful token
// verification.
type verificationEntry struct {
	PrincipalID string `json:"principal_id"`
	Expiry      int64  `json:"expiry,omitempty"`
}

// VerificationCache memoizes token verification results in one namespace.
// A hit is never trusted past the token expiry: the stored expiry is
// returned so callers re-check it against the wall clock on every use.
type VerificationCache struct {
	c         cache.Cache
	namespace string
	metrics   *observability.Metrics
}

// NewVerificationCache creates a verification cache in the given namespace
// of the factory. metrics may be nil.
func NewVerificationCache(f cache.Factory, namespace string, metrics *observability.Metrics) *VerificationCache {
	return &VerificationCache{c: f.Named(namespace), namespace: namespace, metrics: metrics}
}

// tokenKey hashes the token so raw credentials never become cache keys.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached principal and token expiry for the token. A zero
// expiry means the token carried none.
func (vc *VerificationCache) Get(ctx context.Context, token string) (principalID string, expiry time.Time, ok bool) {
	raw, found, err := vc.c.Get(ctx, tokenKey(token))
	if err != nil || !found {
		vc.record(false)
		return "", time.Time{}, false
	}
	var e verificationEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		vc.record(false)
		return "", time.Time{}, false
	}
	vc.record(true)
	if e.Expiry != 0 {
		expiry = time.Unix(e.Expiry, 0)
	}
	return e.PrincipalID, expiry, true
}

// Put stores a verification result for the token.
func (vc *VerificationCache) Put(ctx context.Context, token, principalID string, expiry time.Time) {
	e := verificationEntry{PrincipalID: principalID}
	if !expiry.IsZero() {
		e.Expiry = expiry.Unix()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = vc.c.Set(ctx, tokenKey(token), raw, verificationCacheTTL)
}

// Remove drops the verification result for the token.
func (vc *VerificationCache) Remove(ctx context.Context, token string) {
	_ = vc.c.Remove(ctx, tokenKey(token))
}

func (vc *VerificationCache) record(hit bool) {
	if vc.metrics != nil {
		vc.metrics.RecordCacheLookup(vc.namespace, hit)
	}
}
