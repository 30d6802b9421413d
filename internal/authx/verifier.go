package authx

import (
	"context"
	"errors"
	"time"

	"collabauth/internal/observability"
	"collabauth/internal/oidc"
)

// DefaultRefreshWindow is how close to expiry an access token gets before
// the verifier exchanges the refresh token for a new one.
const DefaultRefreshWindow = 5 * time.Minute

// PendingLogout snapshots the provider tokens of a session about to end,
// so the IdP can still be notified after the local session is gone.
type PendingLogout struct {
	AccessToken       string
	IDToken           string
	ProviderSessionID string
}

// SessionVerifier re-checks the provider tokens of a browser session on
// every request and keeps them fresh.
type SessionVerifier struct {
	provider  *oidc.Provider
	validator *oidc.TokenValidator
	cache     *VerificationCache
	logouts   *LogoutSessionStore
	store     SessionStore
	log       observability.Logger
	metrics   *observability.Metrics

	// refreshWindow is overridable in tests.
	refreshWindow time.Duration
	// now is overridable in tests.
	now func() time.Time
}

// NewSessionVerifier wires the verifier. cache must use the
// session-verification namespace; metrics may be nil.
func NewSessionVerifier(
	provider *oidc.Provider,
	validator *oidc.TokenValidator,
	cache *VerificationCache,
	logouts *LogoutSessionStore,
	store SessionStore,
	log observability.Logger,
	metrics *observability.Metrics,
) *SessionVerifier {
	return &SessionVerifier{
		provider:      provider,
		validator:     validator,
		cache:         cache,
		logouts:       logouts,
		store:         store,
		log:           log.WithComponent("session-verifier"),
		metrics:       metrics,
		refreshWindow: DefaultRefreshWindow,
		now:           time.Now,
	}
}

// VerifySession checks the session's provider state. It terminates the
// session when the IdP announced a logout for its sid or when its access
// token no longer verifies, and refreshes the token when it is close to
// expiry. A nil error means the caller may continue serving the request;
// the session itself may still have been logged out (IdP logout, inactive
// token, or no token to check).
func (v *SessionVerifier) VerifySession(ctx context.Context, sess *Session) error {
	// IdP session liveness comes first: a dead sid ends the session before
	// any token is looked at.
	if sid := sess.Value(KeyProviderSessionID); sid != "" && !v.logouts.IsActive(ctx, sid) {
		v.log.DebugContext(ctx, "provider session no longer valid", "session", sess.ID)
		v.Logout(ctx, sess)
		return nil
	}

	accessToken := sess.Value(KeyAccessToken)
	if accessToken == "" {
		// Session was not established through the provider.
		return nil
	}

	_, expiry, ok := v.cache.Get(ctx, accessToken)
	if !ok {
		verification, err := v.validator.Validate(ctx, oidc.Credential{
			Token:        accessToken,
			Kind:         oidc.TokenSession,
			RefreshToken: sess.Value(KeyRefreshToken),
		})
		if err != nil {
			return v.handleValidationError(ctx, sess, err)
		}
		v.recordValidation("session", "ok")
		expiry = verification.Expiry
		v.cache.Put(ctx, accessToken, sess.PrincipalID, expiry)
	}

	return v.refreshIfExpiring(ctx, sess, expiry)
}

// handleValidationError maps a validator failure onto the session's fate.
// An inactive token ends the session silently; verification failures end
// it and surface the error.
func (v *SessionVerifier) handleValidationError(ctx context.Context, sess *Session, err error) error {
	switch {
	case errors.Is(err, oidc.ErrTokenInactive):
		v.recordValidation("session", "inactive")
		v.log.InfoContext(ctx, "access token inactive, ending session", "session", sess.ID)
		v.Logout(ctx, sess)
		return nil
	default:
		v.recordValidation("session", "failed")
		v.log.ErrorContext(ctx, "access token verification failed", "session", sess.ID, "error", err)
		v.Logout(ctx, sess)
		return err
	}
}

// refreshIfExpiring exchanges the refresh token when the access token is
// inside the refresh window. Without a refresh token the session simply
// runs out when the access token expires.
func (v *SessionVerifier) refreshIfExpiring(ctx context.Context, sess *Session, expiry time.Time) error {
	if expiry.IsZero() || expiry.Sub(v.now()) >= v.refreshWindow {
		return nil
	}

	refreshToken := sess.Value(KeyRefreshToken)
	if refreshToken == "" {
		v.log.DebugContext(ctx, "no refresh token, session ends when the access token expires", "session", sess.ID)
		return nil
	}

	set, err := v.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if v.metrics != nil {
			v.metrics.RecordTokenRefresh(false)
		}
		v.log.ErrorContext(ctx, "token refresh failed", "session", sess.ID, "error", err)
		v.Logout(ctx, sess)
		return err
	}

	sess.SetValue(KeyAccessToken, set.AccessToken)
	sess.SetValue(KeyRefreshToken, set.RefreshToken)
	if set.IDToken != "" {
		sess.SetValue(KeyIDToken, set.IDToken)
	}
	if err := v.store.Save(ctx, sess); err != nil {
		return err
	}
	v.cache.Put(ctx, set.AccessToken, sess.PrincipalID, set.Expiry)
	if v.metrics != nil {
		v.metrics.RecordTokenRefresh(true)
	}
	v.log.DebugContext(ctx, "access token refreshed", "session", sess.ID)
	return nil
}

// BeginLogout snapshots the tokens needed to notify the provider, then
// strips them from the session. The caller finishes with CompleteLogout
// once the local session is gone.
func (v *SessionVerifier) BeginLogout(sess *Session) PendingLogout {
	pending := PendingLogout{
		AccessToken:       sess.Value(KeyAccessToken),
		IDToken:           sess.Value(KeyIDToken),
		ProviderSessionID: sess.Value(KeyProviderSessionID),
	}
	if pending.ProviderSessionID == "" && pending.IDToken != "" {
		// Sessions created before the sid was stored separately still
		// carry it inside the ID token.
		if claims, err := oidc.UnverifiedClaims(pending.IDToken); err == nil {
			pending.ProviderSessionID, _ = claims.GetString("sid")
		}
	}
	sess.ClearTokens()
	sess.RemoveValue(KeyProviderSessionID)
	return pending
}

// CompleteLogout notifies the provider that the session ended: the access
// token is revoked and the RP-initiated end-session endpoint is called
// with the ID token hint. Everything here is best-effort; failures are
// logged and never propagated.
func (v *SessionVerifier) CompleteLogout(ctx context.Context, pending PendingLogout) {
	if pending.AccessToken != "" {
		v.cache.Remove(ctx, pending.AccessToken)
		if err := v.provider.Revoke(ctx, pending.AccessToken); err != nil {
			v.log.WarnContext(ctx, "token revocation failed", "error", err)
		}
	}
	if pending.IDToken != "" {
		if err := v.provider.EndSession(ctx, pending.IDToken); err != nil {
			v.log.WarnContext(ctx, "end-session notification failed", "error", err)
		}
	}
	if pending.ProviderSessionID != "" {
		if err := v.logouts.Invalidate(ctx, pending.ProviderSessionID); err != nil {
			v.log.WarnContext(ctx, "provider session invalidation failed", "error", err)
		}
	}
}

// Logout ends the session locally and notifies the provider.
func (v *SessionVerifier) Logout(ctx context.Context, sess *Session) {
	pending := v.BeginLogout(sess)
	if err := v.store.Delete(ctx, sess.ID); err != nil {
		v.log.WarnContext(ctx, "session delete failed", "session", sess.ID, "error", err)
	}
	if v.metrics != nil {
		v.metrics.RecordLogout()
	}
	v.CompleteLogout(ctx, pending)
}

func (v *SessionVerifier) recordValidation(path, outcome string) {
	if v.metrics != nil {
		v.metrics.RecordTokenValidation(path, outcome)
	}
}
