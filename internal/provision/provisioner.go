package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"collabauth/internal/directory"
	"collabauth/internal/oidc"
	"collabauth/internal/observability"
)

// maxAvatarBytes caps the size of a fetched profile picture.
const maxAvatarBytes = 1 << 20

// Engine creates local accounts from verified claims and keeps their
// attributes in sync with the IdP.
type Engine struct {
	cfg     oidc.ProviderConfig
	dir     directory.Directory
	log     observability.Logger
	metrics *observability.Metrics

	// httpClient fetches profile pictures. Overridable in tests.
	httpClient *http.Client

	// now is overridable in tests.
	now func() time.Time
}

// NewEngine creates a provisioning engine. metrics may be nil.
func NewEngine(cfg oidc.ProviderConfig, dir directory.Directory, log observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		cfg:        cfg,
		dir:        dir,
		log:        log.WithComponent("provisioning"),
		metrics:    metrics,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// CreatePrincipal provisions a local account for the claims. When
// provisioning is disabled it returns ErrProvisioningDisabled in strict
// mode and nil, nil otherwise so the caller can fall through to other
// lookup strategies.
func (e *Engine) CreatePrincipal(ctx context.Context, claims oidc.Claims) (*directory.Principal, error) {
	if !e.cfg.AutoProvision.Enabled {
		if e.cfg.AutoProvision.Strict {
			return nil, ErrProvisioningDisabled
		}
		return nil, nil
	}
	if err := e.checkProvisioningGate(ctx, claims); err != nil {
		return nil, err
	}

	identity, ok := claims.GetString(e.cfg.IdentityClaimName())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttributeMissing, e.cfg.IdentityClaimName())
	}

	now := e.now().UTC()
	p := &directory.Principal{
		Backend:   directory.BackendLocal,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
		Issuer:    e.cfg.ProviderURL,
	}
	if sub, ok := claims.GetString("sub"); ok {
		p.Subject = sub
	}

	// In email mode the identity value is an address, not a usable account
	// id; the account gets an opaque id instead.
	switch e.cfg.LookupMode() {
	case oidc.ModeEmail:
		p.ID = uuid.NewString()
		p.Email = identity
	default:
		p.ID = identity
	}

	hash, err := randomPasswordHash()
	if err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}
	p.PasswordHash = hash

	if err := e.dir.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create principal: %w", err)
	}
	e.log.InfoContext(ctx, "provisioned account", "principal", p.ID, "mode", e.cfg.LookupMode())
	if e.metrics != nil {
		e.metrics.RecordProvisionedUser()
	}

	e.assignGroups(ctx, p)

	if err := e.SyncAttributes(ctx, p, claims, true); err != nil {
		return nil, err
	}
	return p, nil
}

// checkProvisioningGate enforces the configured gate claim: an array claim
// that must contain the configured attribute value.
func (e *Engine) checkProvisioningGate(ctx context.Context, claims oidc.Claims) error {
	gate := e.cfg.AutoProvision.ProvisioningClaim
	if gate == "" {
		return nil
	}
	values, ok := claims.GetStringSlice(gate)
	if !ok {
		e.log.InfoContext(ctx, "provisioning gate claim absent", "claim", gate)
		return fmt.Errorf("%w: claim %s absent", ErrProvisioningDenied, gate)
	}
	for _, v := range values {
		if v == e.cfg.AutoProvision.ProvisioningAttribute {
			return nil
		}
	}
	return fmt.Errorf("%w: claim %s does not grant %s",
		ErrProvisioningDenied, gate, e.cfg.AutoProvision.ProvisioningAttribute)
}

// assignGroups puts the new principal into the configured groups. Unknown
// groups are skipped, not created.
func (e *Engine) assignGroups(ctx context.Context, p *directory.Principal) {
	for _, group := range e.cfg.AutoProvision.Groups {
		exists, err := e.dir.GroupExists(ctx, group)
		if err != nil {
			e.log.WarnContext(ctx, "group lookup failed", "group", group, "error", err)
			continue
		}
		if !exists {
			e.log.WarnContext(ctx, "skipping unknown provisioning group", "group", group)
			continue
		}
		if err := e.dir.AddToGroup(ctx, p.ID, group); err != nil {
			e.log.WarnContext(ctx, "group assignment failed", "group", group, "error", err)
		}
	}
}

// SyncAttributes copies the configured attributes from the claims onto the
// principal. Without force it only runs when auto update is enabled, and
// only for the configured attribute list. Writes happen only when a value
// actually changed.
func (e *Engine) SyncAttributes(ctx context.Context, p *directory.Principal, claims oidc.Claims, force bool) error {
	if !force && !e.cfg.AutoUpdate.Enabled {
		return nil
	}

	changed := false

	if e.syncEnabled(directory.AttrEmail, force) && e.dir.SupportsAttribute(p.Backend, directory.AttrEmail) {
		// In email mode the address is the account's identity; it is never
		// rewritten from a mutable profile claim.
		if e.cfg.LookupMode() != oidc.ModeEmail {
			if email, ok := claims.GetString(e.emailClaim()); ok && email != p.Email {
				p.Email = email
				changed = true
			}
		}
	}

	if e.syncEnabled(directory.AttrDisplayName, force) && e.dir.SupportsAttribute(p.Backend, directory.AttrDisplayName) {
		if name, ok := claims.GetString(e.displayNameClaim()); ok && name != p.DisplayName {
			p.DisplayName = name
			changed = true
		}
	}

	if changed {
		p.UpdatedAt = e.now().UTC()
		if err := e.dir.Update(ctx, p); err != nil {
			return fmt.Errorf("sync attributes: %w", err)
		}
		e.log.InfoContext(ctx, "synchronized account attributes", "principal", p.ID)
	}

	if e.syncEnabled(directory.AttrAvatar, force) && e.dir.SupportsAttribute(p.Backend, directory.AttrAvatar) {
		e.syncAvatar(ctx, p, claims)
	}
	return nil
}

// syncEnabled reports whether the attribute is in scope for this sync run.
func (e *Engine) syncEnabled(attr directory.Attribute, force bool) bool {
	if force {
		return true
	}
	for _, a := range e.cfg.AutoUpdate.Attributes {
		if directory.Attribute(a) == attr {
			return true
		}
	}
	return false
}

// syncAvatar fetches the profile picture and stores it. Failures are
// logged, never surfaced; an avatar is not worth failing a login over.
func (e *Engine) syncAvatar(ctx context.Context, p *directory.Principal, claims oidc.Claims) {
	pictureURL, ok := claims.GetString(e.pictureClaim())
	if !ok {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pictureURL, nil)
	if err != nil {
		e.log.WarnContext(ctx, "invalid avatar url", "principal", p.ID, "error", err)
		return
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.log.WarnContext(ctx, "avatar fetch failed", "principal", p.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.log.WarnContext(ctx, "avatar fetch failed", "principal", p.ID, "status", resp.StatusCode)
		return
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		e.log.WarnContext(ctx, "avatar read failed", "principal", p.ID, "error", err)
		return
	}
	if err := e.dir.SetAvatar(ctx, p.ID, data); err != nil {
		e.log.WarnContext(ctx, "avatar store failed", "principal", p.ID, "error", err)
	}
}

func (e *Engine) emailClaim() string {
	if e.cfg.AutoProvision.EmailClaim != "" {
		return e.cfg.AutoProvision.EmailClaim
	}
	return "email"
}

func (e *Engine) displayNameClaim() string {
	if e.cfg.AutoProvision.DisplayNameClaim != "" {
		return e.cfg.AutoProvision.DisplayNameClaim
	}
	return "name"
}

func (e *Engine) pictureClaim() string {
	if e.cfg.AutoProvision.PictureClaim != "" {
		return e.cfg.AutoProvision.PictureClaim
	}
	return "picture"
}

// randomPasswordHash produces a bcrypt hash of a random secret. Provisioned
// accounts never log in with a password; the hash only keeps the column
// non-empty and unguessable.
func randomPasswordHash() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}
