package oidc

import (
	"encoding/json"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

// Claims is a provider-defined claims set from an ID token payload, access
// token payload, introspection response, or userinfo response. Claim names
// are driven by configuration strings, so access goes through typed helpers
// that report missing values explicitly instead of returning zero values.
type Claims map[string]any

// GetString returns the claim as a string. The second return is false when
// the claim is absent or not a string.
func (c Claims) GetString(key string) (string, bool) {
	v, ok := c[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// GetStringSlice returns the claim as a slice of strings. JSON arrays decode
// as []any, so each element is checked individually. The second return is
// false when the claim is absent or not an array of strings.
func (c Claims) GetStringSlice(key string) ([]string, bool) {
	v, ok := c[key]
	if !ok {
		return nil, false
	}
	switch vals := v.(type) {
	case []string:
		return vals, true
	case []any:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// GetBool returns the claim as a bool.
func (c Claims) GetBool(key string) (bool, bool) {
	v, ok := c[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetTime returns the claim interpreted as a unix timestamp. Numeric JSON
// values decode as float64; introspection responses occasionally deliver
// them as json.Number.
func (c Claims) GetTime(key string) (time.Time, bool) {
	v, ok := c[key]
	if !ok {
		return time.Time{}, false
	}
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(i, 0), true
	default:
		return time.Time{}, false
	}
}

// Has reports whether the claim is present, regardless of its type.
func (c Claims) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// unverifiedSignatureAlgorithms lists the JWS algorithms accepted when
// peeking at a token payload without verifying it.
var unverifiedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

// UnverifiedClaims decodes the payload of a serialized JWT without verifying
// its signature. Used to read informational claims (such as the IdP session
// id) from a token whose signature was already checked elsewhere. Never use
// the result to make a trust decision.
func UnverifiedClaims(rawToken string) (Claims, error) {
	tok, err := josejwt.ParseSigned(rawToken, unverifiedSignatureAlgorithms)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := tok.UnsafeClaimsWithoutVerification(&m); err != nil {
		return nil, err
	}
	return Claims(m), nil
}
