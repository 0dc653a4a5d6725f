package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// AnyVersion disables the optimistic-concurrency check on Submit
const AnyVersion int64 = -1

// SchedulerActor is the actor recorded on events appended from synthesized
// deadline signals.
const SchedulerActor = "scheduler"

// EventPublisher fans appended events out to interested handlers after the
// durable append. Implemented by the application dispatcher.
type EventPublisher interface {
	DispatchAsync(ctx context.Context, evt *event.Event)
}

// Engine is the signal dispatcher: it validates external signals against the
// current projection, appends the resulting events atomically, and keeps the
// cached projection and deadline timers in step. Processing within a single
// instance is serialized by a per-instance lock; different instances proceed
// concurrently.
type Engine struct {
	registry    *Registry
	events      port.EventStore
	projections port.ProjectionStore
	resolver    *ApproverResolver
	entities    port.EntityResolver
	scheduler   port.DeadlineScheduler
	publisher   EventPublisher
	logger      *zap.Logger

	locks lockTable
}

// New creates the workflow engine
func New(
	registry *Registry,
	events port.EventStore,
	projections port.ProjectionStore,
	resolver *ApproverResolver,
	entities port.EntityResolver,
	scheduler port.DeadlineScheduler,
	publisher EventPublisher,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		registry:    registry,
		events:      events,
		projections: projections,
		resolver:    resolver,
		entities:    entities,
		scheduler:   scheduler,
		publisher:   publisher,
		logger:      logger,
	}
}

// lockTable hands out one mutex per instance ID
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *lockTable) forInstance(instanceID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, ok := t.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[instanceID] = l
	}
	return l
}

// Start creates a new workflow instance for the given definition and entity,
// appends its opening events, and arms any deadlines the first stage implies.
func (e *Engine) Start(ctx context.Context, definitionID string, ref workflow.EntityRef, actor string) (*workflow.Instance, []*event.Event, error) {
	def, err := e.registry.Get(ctx, definitionID)
	if err != nil {
		return nil, nil, err
	}
	if def.EntityType != workflow.EntityGeneric && def.EntityType != ref.Type {
		return nil, nil, fmt.Errorf("%w: definition %s drives %s entities, got %s",
			workflow.ErrValidation, def.ID, def.EntityType, ref.Type)
	}

	exists, err := e.entities.ResolveEntity(ctx, ref)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve entity %s: %w", ref, err)
	}
	if !exists {
		return nil, nil, fmt.Errorf("%w: %s", workflow.ErrEntityNotFound, ref)
	}

	if existing, err := e.projections.GetByEntityRef(ctx, ref); err == nil && !existing.Status.IsTerminal() {
		return nil, nil, fmt.Errorf("%w: entity %s already has active workflow %s",
			workflow.ErrValidation, ref, existing.ID)
	}

	instanceID := uuid.NewString()

	lock := e.locks.forInstance(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst := workflow.NewInstance()
	var batch []*event.Event
	batch, err = appendEvent(def, inst, batch, event.New(instanceID, actor, &event.StartedPayload{
		DefinitionID: def.ID,
		EntityRef:    ref,
	}))
	if err != nil {
		return nil, nil, err
	}
	batch, err = enterStage(def, inst, batch, actor, 0)
	if err != nil {
		return nil, nil, err
	}
	event.Correlate(batch)

	if err := e.commit(ctx, instanceID, nil, inst, batch); err != nil {
		return nil, nil, err
	}

	e.logger.Info("Workflow instance started",
		zap.String("instance_id", instanceID),
		zap.String("definition_id", def.ID),
		zap.String("entity_ref", ref.String()))
	return inst, batch, nil
}

// Submit validates and applies one signal to an instance. Exactly one signal
// per instance is processed at a time; if expectedVersion is not AnyVersion
// and does not match the current version, the call fails with
// workflow.ErrVersionConflict and nothing is written.
func (e *Engine) Submit(ctx context.Context, instanceID string, sig workflow.Signal, actor string, expectedVersion int64) ([]*event.Event, error) {
	lock := e.locks.forInstance(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, def, err := e.loadProjection(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if expectedVersion != AnyVersion && expectedVersion != inst.Version {
		return nil, fmt.Errorf("%w: expected version %d, instance at %d",
			workflow.ErrVersionConflict, expectedVersion, inst.Version)
	}

	next := inst.Clone()
	batch, err := decide(def, next, sig, actor, e.resolver)
	if err != nil {
		return nil, err
	}
	event.Correlate(batch)

	if err := e.commit(ctx, instanceID, inst, next, batch); err != nil {
		return nil, err
	}

	e.logger.Debug("Signal applied",
		zap.String("instance_id", instanceID),
		zap.String("signal", string(sig.SignalType())),
		zap.String("actor", actor),
		zap.Int("events", len(batch)),
		zap.Int64("version", next.Version))
	return batch, nil
}

// commit durably appends the batch, then updates the cached projection and
// reconciles deadline timers. The append either fully succeeds or fails with
// nothing written; cache and timers are derived state and are only touched
// after the append succeeds.
func (e *Engine) commit(ctx context.Context, instanceID string, prev, next *workflow.Instance, batch []*event.Event) error {
	var afterSeq int64
	if prev != nil {
		afterSeq = prev.Version
	}
	if err := e.events.Append(ctx, instanceID, afterSeq, batch); err != nil {
		return fmt.Errorf("append events: %w", err)
	}

	if err := e.projections.Save(ctx, next); err != nil {
		// The log is the source of truth; a stale cache heals on next read.
		e.logger.Warn("Failed to save projection cache",
			zap.String("instance_id", instanceID), zap.Error(err))
	}

	e.syncDeadlines(ctx, instanceID, prev, next)

	if e.publisher != nil {
		for _, evt := range batch {
			e.publisher.DispatchAsync(ctx, evt)
		}
	}
	return nil
}

// syncDeadlines diffs the active deadline sets before and after the applied
// events and arms/disarms scheduler timers to match. Resuming a paused
// instance re-arms the full active set: a deadline that came due during the
// pause bounced off the paused instance and was dropped by the scheduler,
// so only the projection still knows about it.
func (e *Engine) syncDeadlines(ctx context.Context, instanceID string, prev, next *workflow.Instance) {
	if e.scheduler == nil {
		return
	}

	if prev != nil {
		for id := range prev.ActiveDeadlines {
			if _, still := next.ActiveDeadlines[id]; !still {
				if err := e.scheduler.Disarm(ctx, instanceID, id); err != nil {
					e.logger.Warn("Failed to disarm deadline",
						zap.String("instance_id", instanceID),
						zap.String("deadline_id", id), zap.Error(err))
				}
			}
		}
	}

	resumed := prev != nil && prev.Status == workflow.StatusPaused &&
		next.Status == workflow.StatusRunning
	for id, d := range next.ActiveDeadlines {
		if prev != nil && !resumed {
			if _, had := prev.ActiveDeadlines[id]; had {
				continue
			}
		}
		if err := e.scheduler.Arm(ctx, instanceID, d); err != nil {
			e.logger.Warn("Failed to arm deadline",
				zap.String("instance_id", instanceID),
				zap.String("deadline_id", id), zap.Error(err))
		}
	}
}

// GetInstance returns the current projection of an instance for read-only
// callers, rebuilding it from the event log on a cache miss.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	inst, _, err := e.loadProjection(ctx, instanceID)
	return inst, err
}

// loadProjection returns the cached projection for an instance, lazily
// rebuilding it from the event log when the cache misses (first access after
// a restart, or a lost cache write).
func (e *Engine) loadProjection(ctx context.Context, instanceID string) (*workflow.Instance, *workflow.Definition, error) {
	inst, err := e.projections.Get(ctx, instanceID)
	if err == nil {
		def, derr := e.registry.Get(ctx, inst.DefinitionID)
		if derr != nil {
			return nil, nil, derr
		}
		return inst, def, nil
	}
	if !errors.Is(err, workflow.ErrInstanceNotFound) {
		return nil, nil, err
	}

	return e.rebuild(ctx, instanceID)
}

// rebuild replays the instance's full event log into a fresh projection and
// re-caches it.
func (e *Engine) rebuild(ctx context.Context, instanceID string) (*workflow.Instance, *workflow.Definition, error) {
	history, err := e.events.Load(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	started, ok := history[0].Payload.(*event.StartedPayload)
	if !ok {
		return nil, nil, fmt.Errorf("instance %s history does not begin with a started event", instanceID)
	}
	def, err := e.registry.Get(ctx, started.DefinitionID)
	if err != nil {
		return nil, nil, err
	}

	inst, err := Project(def, history)
	if err != nil {
		return nil, nil, fmt.Errorf("replay instance %s: %w", instanceID, err)
	}

	if err := e.projections.Save(ctx, inst); err != nil {
		e.logger.Warn("Failed to re-cache rebuilt projection",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
	return inst, def, nil
}
