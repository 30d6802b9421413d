package oidc

import "errors"

// Verification errors. Callers decide whether a failure ends the local
// session (browser path) or merely denies the single request (bearer path).
var (
	// ErrNotConfigured indicates no OIDC provider is configured; callers
	// should no-op rather than fail.
	ErrNotConfigured = errors.New("openid connect is not configured")

	// ErrSignatureInvalid indicates the token's JWT signature could not be
	// verified against the provider's published keys.
	ErrSignatureInvalid = errors.New("token signature cannot be verified")

	// ErrIntrospectionFailed indicates the introspection endpoint returned
	// an error response.
	ErrIntrospectionFailed = errors.New("token introspection failed")

	// ErrTokenInactive indicates introspection reported the token as not
	// active.
	ErrTokenInactive = errors.New("token is inactive")

	// ErrTokenExpired indicates the token's expiry lies in the past.
	ErrTokenExpired = errors.New("token expired")

	// ErrRefreshFailed indicates a refresh-token exchange was rejected.
	ErrRefreshFailed = errors.New("refresh token exchange failed")

	// ErrExchangeFailed indicates an RFC 8693 token exchange was rejected.
	ErrExchangeFailed = errors.New("token exchange failed")
)
