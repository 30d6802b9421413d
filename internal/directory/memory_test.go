package directory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testPrincipal(id, email string) *Principal {
	now := time.Now().UTC()
	return &Principal{
		ID:          id,
		Email:       email,
		DisplayName: "Test Person",
		Backend:     BackendLocal,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryDirectoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	p := testPrincipal("alice", "alice@example.com")
	if err := d.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Create(ctx, p); !errors.Is(err, ErrPrincipalExists) {
		t.Fatalf("duplicate Create = %v, want ErrPrincipalExists", err)
	}

	got, err := d.GetByID(ctx, "alice")
	if err != nil || got == nil {
		t.Fatalf("GetByID = %v, %v", got, err)
	}
	if got.Email != "alice@example.com" || !got.Enabled {
		t.Fatalf("unexpected principal %+v", got)
	}

	// Mutating the returned copy must not affect the store.
	got.Email = "tampered@example.com"
	again, _ := d.GetByID(ctx, "alice")
	if again.Email != "alice@example.com" {
		t.Fatal("GetByID returned a live reference to stored state")
	}

	if missing, err := d.GetByID(ctx, "nobody"); err != nil || missing != nil {
		t.Fatalf("GetByID(nobody) = %v, %v, want nil, nil", missing, err)
	}
}

func TestMemoryDirectorySearchByEmail(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	if err := d.Create(ctx, testPrincipal("a", "shared@example.com")); err != nil {
		t.Fatal(err)
	}
	if err := d.Create(ctx, testPrincipal("b", "Shared@Example.com")); err != nil {
		t.Fatal(err)
	}
	if err := d.Create(ctx, testPrincipal("c", "other@example.com")); err != nil {
		t.Fatal(err)
	}

	got, err := d.SearchByEmail(ctx, "shared@example.com")
	if err != nil {
		t.Fatalf("SearchByEmail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("SearchByEmail matched %d principals, want 2 (case-insensitive)", len(got))
	}

	if got, _ := d.SearchByEmail(ctx, "absent@example.com"); len(got) != 0 {
		t.Fatalf("SearchByEmail(absent) matched %d, want 0", len(got))
	}
}

func TestMemoryDirectoryUpdate(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	if err := d.Update(ctx, testPrincipal("ghost", "")); !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("Update of absent principal = %v, want ErrPrincipalNotFound", err)
	}

	p := testPrincipal("alice", "alice@example.com")
	if err := d.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.DisplayName = "Alice A."
	p.UpdatedAt = time.Now().UTC()
	if err := d.Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := d.GetByID(ctx, "alice")
	if got.DisplayName != "Alice A." {
		t.Fatalf("DisplayName = %q after update", got.DisplayName)
	}
}

func TestMemoryDirectoryGroups(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	if err := d.Create(ctx, testPrincipal("alice", "alice@example.com")); err != nil {
		t.Fatal(err)
	}

	if ok, _ := d.GroupExists(ctx, "staff"); ok {
		t.Fatal("GroupExists(staff) before creation")
	}
	if err := d.AddToGroup(ctx, "alice", "staff"); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("AddToGroup to unknown group = %v, want ErrGroupNotFound", err)
	}

	d.EnsureGroup("staff")
	d.EnsureGroup("admins")
	if err := d.AddToGroup(ctx, "alice", "staff"); err != nil {
		t.Fatalf("AddToGroup: %v", err)
	}
	// Idempotent.
	if err := d.AddToGroup(ctx, "alice", "staff"); err != nil {
		t.Fatalf("repeat AddToGroup: %v", err)
	}

	groups, err := d.GroupsOf(ctx, "alice")
	if err != nil {
		t.Fatalf("GroupsOf: %v", err)
	}
	if len(groups) != 1 || groups[0] != "staff" {
		t.Fatalf("GroupsOf = %v, want [staff]", groups)
	}
}

func TestMemoryDirectoryAvatarAndCapabilities(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	if err := d.Create(ctx, testPrincipal("alice", "alice@example.com")); err != nil {
		t.Fatal(err)
	}

	if err := d.SetAvatar(ctx, "alice", []byte{0x89, 0x50}); err != nil {
		t.Fatalf("SetAvatar: %v", err)
	}
	if got := d.Avatar("alice"); len(got) != 2 {
		t.Fatalf("Avatar = %v", got)
	}
	if err := d.SetAvatar(ctx, "nobody", nil); !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("SetAvatar(nobody) = %v, want ErrPrincipalNotFound", err)
	}

	if !d.SupportsAttribute(BackendLocal, AttrDisplayName) {
		t.Fatal("display name unsupported by default")
	}
	d.ReadOnlyAttrs = map[Attribute]bool{AttrDisplayName: true}
	if d.SupportsAttribute(BackendLocal, AttrDisplayName) {
		t.Fatal("ReadOnlyAttrs not honored")
	}
}
