// Package directory stores local principals and their group memberships.
// It is the account store the verification layer resolves identities
// against and the provisioning engine writes into.
package directory

import (
	"context"
	"errors"
	"time"
)

// Principal errors.
var (
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrPrincipalExists   = errors.New("principal already exists")
	ErrGroupNotFound     = errors.New("group not found")
)

// Attributes the provisioning engine keeps in sync. Backends report per
// attribute whether they accept writes.
type Attribute string

const (
	AttrEmail       Attribute = "email"
	AttrDisplayName Attribute = "display-name"
	AttrAvatar      Attribute = "avatar"
)

// BackendLocal is the backend name of accounts this service provisions
// itself. Accounts imported from other directories carry their own name.
const BackendLocal = "local"

// Principal is a local user account.
type Principal struct {
	ID           string     `json:"id"`
	Email        string     `json:"email,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	Backend      string     `json:"backend"`
	PasswordHash []byte     `json:"-"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	// Subject and Issuer record the IdP identity the account was
	// provisioned from.
	Subject string `json:"subject,omitempty"`
	Issuer  string `json:"issuer,omitempty"`
}

func copyPrincipal(p *Principal) *Principal {
	if p == nil {
		return nil
	}
	cpy := *p
	if p.PasswordHash != nil {
		cpy.PasswordHash = append([]byte(nil), p.PasswordHash...)
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		cpy.LastLoginAt = &t
	}
	return &cpy
}

// Directory defines principal persistence. Lookups return nil, nil when
// nothing matches; Update and the group operations return typed errors.
type Directory interface {
	// Create stores a new principal.
	Create(ctx context.Context, p *Principal) error

	// GetByID retrieves a principal by exact id.
	// Returns nil, nil if not found.
	GetByID(ctx context.Context, id string) (*Principal, error)

	// SearchByEmail returns every principal with the given e-mail address
	// (case-insensitive). More than one result is possible and callers
	// must treat it as ambiguous.
	SearchByEmail(ctx context.Context, email string) ([]*Principal, error)

	// Update overwrites the mutable fields of an existing principal.
	Update(ctx context.Context, p *Principal) error

	// UpdateLastLogin sets the last_login_at timestamp.
	UpdateLastLogin(ctx context.Context, id string, t time.Time) error

	// SetAvatar stores raw avatar image bytes for the principal.
	SetAvatar(ctx context.Context, id string, avatar []byte) error

	// GroupExists reports whether the named group is known.
	GroupExists(ctx context.Context, name string) (bool, error)

	// AddToGroup adds the principal to an existing group. Adding an
	// existing member again is not an error.
	AddToGroup(ctx context.Context, id, group string) error

	// GroupsOf lists the groups the principal belongs to.
	GroupsOf(ctx context.Context, id string) ([]string, error)

	// SupportsAttribute reports whether the principal's backend accepts
	// writes to the attribute. Attribute sync skips unsupported ones.
	SupportsAttribute(backend string, attr Attribute) bool
}
