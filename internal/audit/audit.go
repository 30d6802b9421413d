// Package audit records authentication events for security review:
// logins, logouts, provisioned accounts, and rejected credentials.
package audit

import (
	"context"
	"time"
)

// Event represents a single auditable authentication action.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	PrincipalID string    `json:"principal_id,omitempty"`
	// Identity is the IdP-side identity (e-mail or subject), useful when
	// no local principal was resolved.
	Identity  string `json:"identity,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// Valid actions for audit events.
const (
	ActionLogin         = "login"
	ActionLogout        = "logout"
	ActionRemoteLogout  = "remote-logout"
	ActionProvision     = "provision"
	ActionAttributeSync = "attribute-sync"
	ActionBearerAuth    = "bearer-auth"
)

// Valid outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ListOptions provides filtering and pagination options for listing events.
type ListOptions struct {
	Limit       int
	Offset      int
	PrincipalID string
	Action      string
	Outcome     string
	Since       *time.Time
	Until       *time.Time
}

// Logger defines the interface for audit logging operations.
type Logger interface {
	// Log records an audit event. The implementation assigns an ID and
	// timestamp when not provided.
	Log(ctx context.Context, event *Event) error

	// List retrieves audit events with optional filtering. Returns the
	// matching page and the total match count.
	List(ctx context.Context, opts ListOptions) ([]*Event, int, error)

	// GetByPrincipal retrieves audit events for a specific principal.
	GetByPrincipal(ctx context.Context, principalID string) ([]*Event, error)
}

// Success builds a successful event for the given action and principal.
func Success(action, principalID string) *Event {
	return &Event{Action: action, PrincipalID: principalID, Outcome: OutcomeSuccess}
}

// Failure builds a failed event with a reason.
func Failure(action, reason string) *Event {
	return &Event{Action: action, Outcome: OutcomeFailure, Reason: reason}
}
