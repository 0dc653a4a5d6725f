package port

import (
	"context"

	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// EntityResolver validates that the external business entity an instance is
// being started for actually exists. The entity's data stays with its owner
// module; the engine only needs existence.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, ref workflow.EntityRef) (bool, error)
}

// Notifier delivers appended events to interested parties. It is invoked
// asynchronously after the durable append, never inside the signal path.
type Notifier interface {
	Notify(ctx context.Context, evt *event.Event) error
}

// DeadlineScheduler is the engine's handle on the timer subsystem. Arm and
// Disarm are called under the instance's lock after a successful append;
// Disarm of an already-fired deadline is a no-op.
type DeadlineScheduler interface {
	Arm(ctx context.Context, instanceID string, d workflow.Deadline) error
	Disarm(ctx context.Context, instanceID, deadlineID string) error
}
