package identity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Verifier answers whether an identity string maps to a known, active
// principal. Lookups go through the configured Resolver chain, so a cached
// principal never touches the source of truth.
type Verifier struct {
	resolver Resolver
	logger   zerolog.Logger
}

// NewVerifier creates a Verifier over the given resolver.
func NewVerifier(resolver Resolver, logger zerolog.Logger) *Verifier {
	return &Verifier{
		resolver: resolver,
		logger:   logger.With().Str("component", "IdentityVerifier").Logger(),
	}
}

// Verify resolves the identity and rejects unknown or disabled principals.
// Resolution failures propagate as errors so callers fail closed.
func (v *Verifier) Verify(ctx context.Context, id string) error {
	p, err := v.resolver.Resolve(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve principal %s: %w", id, err)
	}
	if p.Disabled {
		v.logger.Warn().Str("principal", id).Msg("Rejecting disabled principal.")
		return fmt.Errorf("principal %s is disabled", id)
	}
	return nil
}
