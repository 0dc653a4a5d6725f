// Package entity adapts external business-entity lookups to the engine's
// resolver port. Each workflow family can plug in its own resolver; families
// without one fall back to accepting any non-empty ID.
package entity

import (
	"context"
	"sync"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// AcceptAllResolver treats every non-empty entity ID as existing. Used when
// the owning module has no lookup endpoint wired yet.
type AcceptAllResolver struct{}

// ResolveEntity implements port.EntityResolver
func (AcceptAllResolver) ResolveEntity(_ context.Context, ref workflow.EntityRef) (bool, error) {
	return ref.ID != "", nil
}

// Registry routes existence checks to a per-family resolver
type Registry struct {
	mu        sync.RWMutex
	resolvers map[workflow.EntityType]port.EntityResolver
	fallback  port.EntityResolver
}

// NewRegistry creates a resolver registry with AcceptAllResolver as fallback
func NewRegistry() *Registry {
	return &Registry{
		resolvers: make(map[workflow.EntityType]port.EntityResolver),
		fallback:  AcceptAllResolver{},
	}
}

// Bind installs a resolver for one entity family
func (r *Registry) Bind(entityType workflow.EntityType, resolver port.EntityResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[entityType] = resolver
}

// ResolveEntity implements port.EntityResolver
func (r *Registry) ResolveEntity(ctx context.Context, ref workflow.EntityRef) (bool, error) {
	r.mu.RLock()
	resolver, ok := r.resolvers[ref.Type]
	r.mu.RUnlock()
	if !ok {
		resolver = r.fallback
	}
	return resolver.ResolveEntity(ctx, ref)
}
