package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// Registry holds the immutable workflow definitions the engine can run.
// Definitions are validated on registration and persisted so running
// instances can be projected after a restart.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*workflow.Definition
	store    port.DefinitionStore
	resolver *ApproverResolver
	logger   *zap.Logger
}

// NewRegistry creates a definition registry backed by the given store
func NewRegistry(store port.DefinitionStore, resolver *ApproverResolver, logger *zap.Logger) *Registry {
	return &Registry{
		defs:     make(map[string]*workflow.Definition),
		store:    store,
		resolver: resolver,
		logger:   logger,
	}
}

// Register validates and stores a definition. Re-registering an existing ID
// is rejected: definitions are immutable.
func (r *Registry) Register(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for _, slot := range def.ApprovalChain {
		if err := r.resolver.Compile(slot.ApproverSelector); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("%w: definition %s is already registered", workflow.ErrValidation, def.ID)
	}

	if err := r.store.Save(ctx, def); err != nil {
		return fmt.Errorf("persist definition %s: %w", def.ID, err)
	}
	r.defs[def.ID] = def

	r.logger.Info("Workflow definition registered",
		zap.String("definition_id", def.ID),
		zap.String("entity_type", string(def.EntityType)),
		zap.Int("stages", len(def.Stages)))
	return nil
}

// Get returns the definition with the given ID, loading it from the store
// if it is not in memory yet.
func (r *Registry) Get(ctx context.Context, id string) (*workflow.Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.defs[def.ID] = def
	r.mu.Unlock()
	return def, nil
}

// List returns all registered definitions
func (r *Registry) List(ctx context.Context) ([]*workflow.Definition, error) {
	return r.store.List(ctx)
}
