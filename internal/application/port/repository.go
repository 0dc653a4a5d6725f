package port

import (
	"context"

	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// EventStore is the append-only log of workflow events, the engine's only
// durable source of truth. Appends for one instance are atomic: either every
// event in the batch is written or none is.
type EventStore interface {
	// Append writes the batch, whose events carry contiguous sequence
	// numbers starting at afterSeq+1 assigned under the instance lock. A
	// sequence collision means a concurrent writer slipped past the lock
	// and must fail the whole batch.
	Append(ctx context.Context, instanceID string, afterSeq int64, events []*event.Event) error

	// Load returns the full ordered history for an instance. An instance
	// with no events yields workflow.ErrInstanceNotFound.
	Load(ctx context.Context, instanceID string) ([]*event.Event, error)
}

// ProjectionStore caches the latest projection per instance. It is a
// derived, rebuildable index: losing it only costs a replay of the log.
type ProjectionStore interface {
	Save(ctx context.Context, inst *workflow.Instance) error
	Get(ctx context.Context, instanceID string) (*workflow.Instance, error)
	// GetByEntityRef resolves the instance bound to an external entity.
	GetByEntityRef(ctx context.Context, ref workflow.EntityRef) (*workflow.Instance, error)
	// ListByStatus returns projections with the given status, for the
	// query facade's pending and attention views.
	ListByStatus(ctx context.Context, status workflow.Status) ([]*workflow.Instance, error)
}

// DefinitionStore persists registered workflow definitions
type DefinitionStore interface {
	Save(ctx context.Context, def *workflow.Definition) error
	Get(ctx context.Context, id string) (*workflow.Definition, error)
	List(ctx context.Context) ([]*workflow.Definition, error)
}

// ActiveDeadline is one persisted scheduler entry
type ActiveDeadline struct {
	InstanceID string
	Deadline   workflow.Deadline
}

// DeadlineStore is the durable index behind the deadline scheduler, keyed
// by due time so the heap can be rebuilt after a restart.
type DeadlineStore interface {
	Save(ctx context.Context, instanceID string, d workflow.Deadline) error
	Delete(ctx context.Context, instanceID, deadlineID string) error
	ListActive(ctx context.Context) ([]ActiveDeadline, error)
}
