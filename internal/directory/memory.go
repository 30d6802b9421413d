package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryDirectory is an in-memory Directory. Thread-safe; suitable for
// development, single-instance deployments and tests.
type MemoryDirectory struct {
	mu         sync.RWMutex
	principals map[string]*Principal
	avatars    map[string][]byte
	groups     map[string]map[string]bool // group -> member ids

	// ReadOnlyAttrs marks attributes rejected by every backend in this
	// directory. Tests use it to exercise the sync capability gate.
	ReadOnlyAttrs map[Attribute]bool
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		principals: make(map[string]*Principal),
		avatars:    make(map[string][]byte),
		groups:     make(map[string]map[string]bool),
	}
}

func (d *MemoryDirectory) Create(_ context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.principals[p.ID]; exists {
		return ErrPrincipalExists
	}
	d.principals[p.ID] = copyPrincipal(p)
	return nil
}

func (d *MemoryDirectory) GetByID(_ context.Context, id string) (*Principal, error) {
	if id == "" {
		return nil, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyPrincipal(d.principals[id]), nil
}

func (d *MemoryDirectory) SearchByEmail(_ context.Context, email string) ([]*Principal, error) {
	if email == "" {
		return nil, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Principal
	for _, p := range d.principals {
		if strings.EqualFold(p.Email, email) {
			out = append(out, copyPrincipal(p))
		}
	}
	return out, nil
}

func (d *MemoryDirectory) Update(_ context.Context, p *Principal) error {
	if p == nil || p.ID == "" {
		return ErrPrincipalNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.principals[p.ID]
	if !ok {
		return ErrPrincipalNotFound
	}
	updated := copyPrincipal(p)
	updated.CreatedAt = existing.CreatedAt
	updated.LastLoginAt = existing.LastLoginAt
	d.principals[p.ID] = updated
	return nil
}

func (d *MemoryDirectory) UpdateLastLogin(_ context.Context, id string, t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.LastLoginAt = &t
	return nil
}

func (d *MemoryDirectory) SetAvatar(_ context.Context, id string, avatar []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.principals[id]; !ok {
		return ErrPrincipalNotFound
	}
	d.avatars[id] = append([]byte(nil), avatar...)
	return nil
}

// Avatar returns the stored avatar bytes, nil when none is set.
func (d *MemoryDirectory) Avatar(id string) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.avatars[id]
}

// EnsureGroup creates the group if it does not exist yet.
func (d *MemoryDirectory) EnsureGroup(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[name]; !ok {
		d.groups[name] = make(map[string]bool)
	}
}

func (d *MemoryDirectory) GroupExists(_ context.Context, name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.groups[name]
	return ok, nil
}

func (d *MemoryDirectory) AddToGroup(_ context.Context, id, group string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.groups[group]
	if !ok {
		return ErrGroupNotFound
	}
	if _, ok := d.principals[id]; !ok {
		return ErrPrincipalNotFound
	}
	members[id] = true
	return nil
}

func (d *MemoryDirectory) GroupsOf(_ context.Context, id string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for name, members := range d.groups {
		if members[id] {
			out = append(out, name)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) SupportsAttribute(_ string, attr Attribute) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.ReadOnlyAttrs[attr]
}
