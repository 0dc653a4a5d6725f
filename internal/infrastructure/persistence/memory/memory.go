// Package memory provides in-memory implementations of the storage ports.
// Used by tests and by single-process deployments that do not need the
// sqlite-backed stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// EventStore is an in-memory append-only event log
type EventStore struct {
	mu   sync.RWMutex
	logs map[string][]*event.Event
}

// NewEventStore creates an empty in-memory event log
func NewEventStore() *EventStore {
	return &EventStore{logs: make(map[string][]*event.Event)}
}

// Append writes the batch if the log is still at afterSeq
func (s *EventStore) Append(ctx context.Context, instanceID string, afterSeq int64, events []*event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[instanceID]
	var maxSeq int64
	if len(log) > 0 {
		maxSeq = log[len(log)-1].Sequence
	}
	if maxSeq != afterSeq {
		return fmt.Errorf("%w: log at sequence %d, append expected %d",
			workflow.ErrVersionConflict, maxSeq, afterSeq)
	}

	s.logs[instanceID] = append(log, events...)
	return nil
}

// Load returns the full ordered history for an instance
func (s *EventStore) Load(ctx context.Context, instanceID string) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[instanceID]
	if !ok || len(log) == 0 {
		return nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, instanceID)
	}
	return append([]*event.Event(nil), log...), nil
}

// ProjectionStore is an in-memory projection cache
type ProjectionStore struct {
	mu        sync.RWMutex
	instances map[string]*workflow.Instance
}

// NewProjectionStore creates an empty in-memory projection cache
func NewProjectionStore() *ProjectionStore {
	return &ProjectionStore{instances: make(map[string]*workflow.Instance)}
}

// Save stores the latest projection for an instance
func (s *ProjectionStore) Save(ctx context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get retrieves the cached projection for an instance
func (s *ProjectionStore) Get(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, instanceID)
	}
	return inst.Clone(), nil
}

// GetByEntityRef resolves the most recently updated instance for an entity
func (s *ProjectionStore) GetByEntityRef(ctx context.Context, ref workflow.EntityRef) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *workflow.Instance
	for _, inst := range s.instances {
		if inst.EntityRef != ref {
			continue
		}
		if latest == nil || inst.UpdatedAt.After(latest.UpdatedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, ref)
	}
	return latest.Clone(), nil
}

// ListByStatus returns projections with the given status, oldest first
func (s *ProjectionStore) ListByStatus(ctx context.Context, status workflow.Status) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*workflow.Instance
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// DefinitionStore is an in-memory definition store
type DefinitionStore struct {
	mu   sync.RWMutex
	defs map[string]*workflow.Definition
}

// NewDefinitionStore creates an empty in-memory definition store
func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{defs: make(map[string]*workflow.Definition)}
}

// Save persists a definition; existing IDs are left untouched
func (s *DefinitionStore) Save(ctx context.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.ID]; !ok {
		s.defs[def.ID] = def
	}
	return nil
}

// Get retrieves a definition by ID
func (s *DefinitionStore) Get(ctx context.Context, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, id)
	}
	return def, nil
}

// List returns all stored definitions ordered by ID
func (s *DefinitionStore) List(ctx context.Context) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*workflow.Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeadlineStore is an in-memory deadline index
type DeadlineStore struct {
	mu        sync.RWMutex
	deadlines map[string]map[string]workflow.Deadline
}

// NewDeadlineStore creates an empty in-memory deadline index
func NewDeadlineStore() *DeadlineStore {
	return &DeadlineStore{deadlines: make(map[string]map[string]workflow.Deadline)}
}

// Save upserts one deadline entry
func (s *DeadlineStore) Save(ctx context.Context, instanceID string, d workflow.Deadline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadlines[instanceID] == nil {
		s.deadlines[instanceID] = make(map[string]workflow.Deadline)
	}
	s.deadlines[instanceID][d.ID] = d
	return nil
}

// Delete removes a deadline entry; missing entries are a no-op
func (s *DeadlineStore) Delete(ctx context.Context, instanceID, deadlineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadlines[instanceID], deadlineID)
	return nil
}

// ListActive returns all entries ordered by due time
func (s *DeadlineStore) ListActive(ctx context.Context) ([]port.ActiveDeadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []port.ActiveDeadline
	for instanceID, byID := range s.deadlines {
		for _, d := range byID {
			out = append(out, port.ActiveDeadline{InstanceID: instanceID, Deadline: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.DueAt.Before(out[j].Deadline.DueAt) })
	return out, nil
}
