// Package identity resolves extracted identity strings to principal records.
// The resolver is a cache-then-source chain: a Redis cache in front of a
// Firestore source of truth, with an in-memory resolver for tests and
// offline deployments.
package identity

import (
	"context"
	"time"
)

// Principal is the resolved record for an authenticated originator.
type Principal struct {
	ID          string    `json:"id" firestore:"id"`
	DisplayName string    `json:"displayName" firestore:"displayName"`
	Scopes      []string  `json:"scopes" firestore:"scopes"`
	Disabled    bool      `json:"disabled" firestore:"disabled"`
	UpdatedAt   time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Resolver looks up the principal record for an identity string.
type Resolver interface {
	Resolve(ctx context.Context, id string) (Principal, error)
	Close() error
}

// SourceFetcher is a source of truth for principal records.
type SourceFetcher interface {
	Fetch(ctx context.Context, id string) (Principal, error)
	Close() error
}

// CachingFetcher is a caching layer that can be updated from a fallback.
type CachingFetcher interface {
	Fetch(ctx context.Context, id string) (Principal, error)
	WriteToCache(ctx context.Context, id string, p Principal) error
	Close() error
}
