package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"collabauth/internal/directory"
	"collabauth/internal/oidc"
)

func TestCreatePrincipalDisabled(t *testing.T) {
	ctx := context.Background()

	cfg := emailModeConfig()
	e := NewEngine(cfg, directory.NewMemoryDirectory(), testLogger(), nil)
	p, err := e.CreatePrincipal(ctx, oidc.Claims{"email": "alice@example.com"})
	if err != nil || p != nil {
		t.Fatalf("disabled non-strict = %v, %v, want nil, nil", p, err)
	}

	cfg.AutoProvision.Strict = true
	e = NewEngine(cfg, directory.NewMemoryDirectory(), testLogger(), nil)
	if _, err := e.CreatePrincipal(ctx, oidc.Claims{"email": "alice@example.com"}); !errors.Is(err, ErrProvisioningDisabled) {
		t.Fatalf("disabled strict = %v, want ErrProvisioningDisabled", err)
	}
}

func TestCreatePrincipalGate(t *testing.T) {
	ctx := context.Background()
	cfg := emailModeConfig()
	cfg.AutoProvision.Enabled = true
	cfg.AutoProvision.ProvisioningClaim = "roles"
	cfg.AutoProvision.ProvisioningAttribute = "collab-user"
	e := NewEngine(cfg, directory.NewMemoryDirectory(), testLogger(), nil)

	cases := []struct {
		name   string
		claims oidc.Claims
		denied bool
	}{
		{"claim absent", oidc.Claims{"email": "a@example.com"}, true},
		{"attribute missing", oidc.Claims{"email": "a@example.com", "roles": []any{"other"}}, true},
		{"granted", oidc.Claims{"email": "a@example.com", "roles": []any{"other", "collab-user"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := e.CreatePrincipal(ctx, tc.claims)
			if tc.denied {
				if !errors.Is(err, ErrProvisioningDenied) {
					t.Fatalf("err = %v, want ErrProvisioningDenied", err)
				}
				return
			}
			if err != nil || p == nil {
				t.Fatalf("CreatePrincipal = %v, %v", p, err)
			}
		})
	}
}

func TestCreatePrincipalEmailMode(t *testing.T) {
	ctx := context.Background()
	cfg := emailModeConfig()
	cfg.AutoProvision.Enabled = true
	dir := directory.NewMemoryDirectory()
	e := NewEngine(cfg, dir, testLogger(), nil)

	claims := oidc.Claims{"email": "alice@example.com", "sub": "idp-sub", "name": "Alice"}
	p, err := e.CreatePrincipal(ctx, claims)
	if err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	if p.ID == "" || p.ID == "alice@example.com" {
		t.Fatalf("email mode id = %q, want opaque id", p.ID)
	}
	if p.Email != "alice@example.com" || p.Subject != "idp-sub" || !p.Enabled {
		t.Fatalf("unexpected principal %+v", p)
	}
	if len(p.PasswordHash) == 0 {
		t.Fatal("no password hash set")
	}

	stored, _ := dir.GetByID(ctx, p.ID)
	if stored == nil || stored.DisplayName != "Alice" {
		t.Fatalf("stored principal %+v, want display name synced", stored)
	}
}

func TestCreatePrincipalUserIDMode(t *testing.T) {
	ctx := context.Background()
	cfg := useridModeConfig()
	cfg.AutoProvision.Enabled = true
	dir := directory.NewMemoryDirectory()
	e := NewEngine(cfg, dir, testLogger(), nil)

	claims := oidc.Claims{"preferred_username": "alice", "email": "alice@example.com"}
	p, err := e.CreatePrincipal(ctx, claims)
	if err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	if p.ID != "alice" {
		t.Fatalf("userid mode id = %q, want alice", p.ID)
	}
	if p.Email != "alice@example.com" {
		t.Fatalf("email = %q, want synced from claim", p.Email)
	}
}

func TestCreatePrincipalGroups(t *testing.T) {
	ctx := context.Background()
	cfg := useridModeConfig()
	cfg.AutoProvision.Enabled = true
	cfg.AutoProvision.Groups = []string{"staff", "does-not-exist"}
	dir := directory.NewMemoryDirectory()
	dir.EnsureGroup("staff")
	e := NewEngine(cfg, dir, testLogger(), nil)

	p, err := e.CreatePrincipal(ctx, oidc.Claims{"preferred_username": "alice"})
	if err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	groups, _ := dir.GroupsOf(ctx, p.ID)
	if len(groups) != 1 || groups[0] != "staff" {
		t.Fatalf("groups = %v, want unknown group skipped", groups)
	}
}

func TestSyncAttributesIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := useridModeConfig()
	cfg.AutoUpdate.Enabled = true
	cfg.AutoUpdate.Attributes = []string{"email", "display-name"}

	dir := &countingDirectory{MemoryDirectory: directory.NewMemoryDirectory()}
	p := testPrincipal("alice", "old@example.com")
	if err := dir.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(cfg, dir, testLogger(), nil)

	claims := oidc.Claims{"email": "new@example.com", "name": "Alice"}
	if err := e.SyncAttributes(ctx, p, claims, false); err != nil {
		t.Fatalf("SyncAttributes: %v", err)
	}
	if dir.updates != 1 {
		t.Fatalf("updates = %d after first sync, want 1", dir.updates)
	}
	got, _ := dir.GetByID(ctx, "alice")
	if got.Email != "new@example.com" || got.DisplayName != "Alice" {
		t.Fatalf("synced principal %+v", got)
	}

	// Same claims again: nothing changed, nothing written.
	if err := e.SyncAttributes(ctx, p, claims, false); err != nil {
		t.Fatalf("second SyncAttributes: %v", err)
	}
	if dir.updates != 1 {
		t.Fatalf("updates = %d after idempotent sync, want 1", dir.updates)
	}
}

func TestSyncAttributesDisabledWithoutForce(t *testing.T) {
	ctx := context.Background()
	cfg := useridModeConfig()

	dir := &countingDirectory{MemoryDirectory: directory.NewMemoryDirectory()}
	p := testPrincipal("alice", "old@example.com")
	if err := dir.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(cfg, dir, testLogger(), nil)

	if err := e.SyncAttributes(ctx, p, oidc.Claims{"email": "new@example.com"}, false); err != nil {
		t.Fatalf("SyncAttributes: %v", err)
	}
	if dir.updates != 0 {
		t.Fatalf("updates = %d with auto update disabled, want 0", dir.updates)
	}

	if err := e.SyncAttributes(ctx, p, oidc.Claims{"email": "new@example.com"}, true); err != nil {
		t.Fatalf("forced SyncAttributes: %v", err)
	}
	if dir.updates != 1 {
		t.Fatalf("updates = %d after forced sync, want 1", dir.updates)
	}
}

func TestSyncAttributesEmailModeKeepsEmail(t *testing.T) {
	ctx := context.Background()
	cfg := emailModeConfig()
	cfg.AutoUpdate.Enabled = true
	cfg.AutoUpdate.Attributes = []string{"email"}

	dir := directory.NewMemoryDirectory()
	p := testPrincipal("u1", "identity@example.com")
	if err := dir.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(cfg, dir, testLogger(), nil)

	if err := e.SyncAttributes(ctx, p, oidc.Claims{"email": "other@example.com"}, true); err != nil {
		t.Fatalf("SyncAttributes: %v", err)
	}
	got, _ := dir.GetByID(ctx, "u1")
	if got.Email != "identity@example.com" {
		t.Fatalf("email = %q, identity address must not be rewritten", got.Email)
	}
}

func TestSyncAttributesUnsupportedBackend(t *testing.T) {
	ctx := context.Background()
	cfg := useridModeConfig()

	dir := &countingDirectory{MemoryDirectory: directory.NewMemoryDirectory()}
	dir.ReadOnlyAttrs = map[directory.Attribute]bool{
		directory.AttrDisplayName: true,
		directory.AttrEmail:       true,
	}
	p := testPrincipal("alice", "old@example.com")
	if err := dir.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(cfg, dir, testLogger(), nil)

	if err := e.SyncAttributes(ctx, p, oidc.Claims{"email": "new@example.com", "name": "Alice"}, true); err != nil {
		t.Fatalf("SyncAttributes: %v", err)
	}
	if dir.updates != 0 {
		t.Fatalf("updates = %d against read-only backend, want 0", dir.updates)
	}
}

func TestSyncAvatar(t *testing.T) {
	ctx := context.Background()
	avatar := []byte{0x89, 0x50, 0x4e, 0x47}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(avatar)
	}))
	defer srv.Close()

	cfg := useridModeConfig()
	dir := directory.NewMemoryDirectory()
	p := testPrincipal("alice", "alice@example.com")
	if err := dir.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(cfg, dir, testLogger(), nil)
	e.httpClient = srv.Client()

	if err := e.SyncAttributes(ctx, p, oidc.Claims{"picture": srv.URL + "/alice.png"}, true); err != nil {
		t.Fatalf("SyncAttributes: %v", err)
	}
	if got := dir.Avatar("alice"); len(got) != len(avatar) {
		t.Fatalf("avatar = %v, want %v", got, avatar)
	}

	// Fetch failures must not fail the sync.
	if err := e.SyncAttributes(ctx, p, oidc.Claims{"picture": srv.URL + "/missing.png"}, true); err != nil {
		t.Fatalf("SyncAttributes with broken avatar url: %v", err)
	}
}
