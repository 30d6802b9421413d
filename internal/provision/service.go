package provision

import (
	"context"
	"time"

	"collabauth/internal/directory"
	"collabauth/internal/oidc"
	"collabauth/internal/observability"
)

// Service combines identity resolution and just-in-time provisioning into
// the single lookup the login and bearer paths use.
type Service struct {
	resolver *Resolver
	engine   *Engine
	dir      directory.Directory
	log      observability.Logger
}

// NewService wires a resolver and engine over the same directory.
func NewService(cfg oidc.ProviderConfig, dir directory.Directory, log observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		resolver: NewResolver(cfg, dir, log),
		engine:   NewEngine(cfg, dir, log, metrics),
		dir:      dir,
		log:      log.WithComponent("provision"),
	}
}

// Engine exposes the provisioning engine for callers that sync attributes
// directly.
func (s *Service) Engine() *Engine { return s.engine }

// LookupOrProvision resolves the claims to a principal, creating the
// account when none exists and provisioning allows it. A nil error always
// comes with a non-nil principal.
func (s *Service) LookupOrProvision(ctx context.Context, claims oidc.Claims) (*directory.Principal, error) {
	p, err := s.resolver.Resolve(ctx, claims)
	if err != nil {
		return nil, err
	}

	if p == nil {
		p, err = s.engine.CreatePrincipal(ctx, claims)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, ErrPrincipalNotFound
		}
		return p, nil
	}

	if err := s.engine.SyncAttributes(ctx, p, claims, false); err != nil {
		// Sync problems must not lock an existing account out.
		s.log.WarnContext(ctx, "attribute sync failed", "principal", p.ID, "error", err)
	}
	if err := s.dir.UpdateLastLogin(ctx, p.ID, time.Now().UTC()); err != nil {
		s.log.WarnContext(ctx, "last login update failed", "principal", p.ID, "error", err)
	}
	return p, nil
}
