package identity

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryResolver is a thread-safe, in-memory Resolver for tests and
// offline deployments.
type InMemoryResolver struct {
	mu   sync.RWMutex
	data map[string]Principal
}

// NewInMemoryResolver creates an empty in-memory resolver.
func NewInMemoryResolver() *InMemoryResolver {
	return &InMemoryResolver{data: make(map[string]Principal)}
}

// Add registers a principal record.
func (r *InMemoryResolver) Add(p Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[p.ID] = p
}

// Resolve retrieves a principal by identity string.
func (r *InMemoryResolver) Resolve(_ context.Context, id string) (Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.data[id]
	if !ok {
		return Principal{}, fmt.Errorf("identity %q not found", id)
	}
	return p, nil
}

// Close is a no-op.
func (r *InMemoryResolver) Close() error { return nil }
