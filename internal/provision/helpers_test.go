package provision

import (
	"context"
	"time"

	"collabauth/internal/directory"
)

func testPrincipal(id, email string) *directory.Principal {
	now := time.Now().UTC()
	return &directory.Principal{
		ID:        id,
		Email:     email,
		Backend:   directory.BackendLocal,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// countingDirectory counts writes so tests can assert sync idempotency.
type countingDirectory struct {
	*directory.MemoryDirectory
	updates int
}

func (c *countingDirectory) Update(ctx context.Context, p *directory.Principal) error {
	c.updates++
	return c.MemoryDirectory.Update(ctx, p)
}
