package provision

import (
	"context"
	"fmt"

	"collabauth/internal/directory"
	"collabauth/internal/oidc"
	"collabauth/internal/observability"
)

// Resolver maps a verified claims set to an existing local principal.
// It never creates accounts; a nil, nil return means no account matched
// and the caller may provision one.
type Resolver struct {
	cfg oidc.ProviderConfig
	dir directory.Directory
	log observability.Logger
}

// NewResolver creates a resolver for the provider configuration.
func NewResolver(cfg oidc.ProviderConfig, dir directory.Directory, log observability.Logger) *Resolver {
	return &Resolver{cfg: cfg, dir: dir, log: log.WithComponent("identity-resolver")}
}

// Resolve finds the local principal for the claims per the configured
// lookup mode. Returns nil, nil when no account matches.
func (r *Resolver) Resolve(ctx context.Context, claims oidc.Claims) (*directory.Principal, error) {
	identity, ok := claims.GetString(r.cfg.IdentityClaimName())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttributeMissing, r.cfg.IdentityClaimName())
	}

	var p *directory.Principal
	switch r.cfg.LookupMode() {
	case oidc.ModeEmail:
		matches, err := r.dir.SearchByEmail(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("search by email: %w", err)
		}
		if len(matches) > 1 {
			r.log.WarnContext(ctx, "ambiguous identity", "matches", len(matches))
			return nil, ErrNotUnique
		}
		if len(matches) == 1 {
			p = matches[0]
		}
	default:
		var err error
		p, err = r.dir.GetByID(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("lookup by id: %w", err)
		}
	}

	if p == nil {
		return nil, nil
	}
	if err := r.checkBackend(p); err != nil {
		return nil, err
	}
	return p, nil
}

// checkBackend enforces the allowed-backends restriction on a matched
// principal.
func (r *Resolver) checkBackend(p *directory.Principal) error {
	if len(r.cfg.AllowedBackends) == 0 {
		return nil
	}
	for _, b := range r.cfg.AllowedBackends {
		if b == p.Backend {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrBackendNotAllowed, p.Backend)
}
