package worker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// SubmitFunc routes a synthesized DeadlineFired signal through the signal
// dispatcher, so timer effects obey the same validation and per-instance
// ordering as external signals. Bound late to break the engine/scheduler
// construction cycle.
type SubmitFunc func(ctx context.Context, instanceID string, sig workflow.Signal) error

// heapEntry is one armed deadline in the scheduler's ordered index.
// Disarmed entries stay in the heap with removed set and are skipped when
// popped; the byKey map always reflects the live set.
type heapEntry struct {
	instanceID string
	deadline   workflow.Deadline
	removed    bool
	index      int
}

func entryKey(instanceID, deadlineID string) string {
	return instanceID + "/" + deadlineID
}

// deadlineHeap is a min-heap ordered by due time
type deadlineHeap []*heapEntry

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	return h[i].deadline.DueAt.Before(h[j].deadline.DueAt)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x interface{}) {
	entry := x.(*heapEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// DeadlineScheduler tracks per-instance deadlines across all active
// instances in a min-heap keyed by due time. A periodic tick pops every
// entry that has come due and fires it exactly once by synthesizing a
// DeadlineFired signal. It implements both port.DeadlineScheduler and the
// Worker contract.
type DeadlineScheduler struct {
	store       port.DeadlineStore
	projections port.ProjectionStore
	submit      SubmitFunc
	logger      *zap.Logger

	tickInterval time.Duration
	retryInitial time.Duration
	retryMax     time.Duration

	mu    sync.Mutex
	heap  deadlineHeap
	byKey map[string]*heapEntry

	runMu     sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// SchedulerOption configures the deadline scheduler
type SchedulerOption func(*DeadlineScheduler)

// WithTickInterval sets how often the scheduler checks for due deadlines
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *DeadlineScheduler) { s.tickInterval = d }
}

// WithProjectionBackstop re-arms, on Start, any deadline that a live
// projection still holds active but the durable index lost. Deadlines are
// persisted after the event append, outside its transaction, so a crash in
// that window loses the timer but not the projection.
func WithProjectionBackstop(projections port.ProjectionStore) SchedulerOption {
	return func(s *DeadlineScheduler) { s.projections = projections }
}

// WithRetryBackoff bounds the exponential backoff used when a synthesized
// signal fails on transient storage errors.
func WithRetryBackoff(initial, max time.Duration) SchedulerOption {
	return func(s *DeadlineScheduler) {
		s.retryInitial = initial
		s.retryMax = max
	}
}

// NewDeadlineScheduler creates a deadline scheduler backed by the given
// durable deadline index. BindSubmitter must be called before Start.
func NewDeadlineScheduler(store port.DeadlineStore, logger *zap.Logger, opts ...SchedulerOption) *DeadlineScheduler {
	s := &DeadlineScheduler{
		store:        store,
		logger:       logger,
		tickInterval: 5 * time.Second,
		retryInitial: 500 * time.Millisecond,
		retryMax:     30 * time.Second,
		byKey:        make(map[string]*heapEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BindSubmitter wires the scheduler to the signal dispatcher
func (s *DeadlineScheduler) BindSubmitter(submit SubmitFunc) {
	s.submit = submit
}

// Name implements Worker
func (s *DeadlineScheduler) Name() string { return "deadline-scheduler" }

// Start reloads persisted deadlines into the heap and launches the tick loop
func (s *DeadlineScheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.isRunning {
		return fmt.Errorf("deadline scheduler is already running")
	}
	if s.submit == nil {
		return fmt.Errorf("deadline scheduler has no bound submitter")
	}

	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("reload deadlines: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.isRunning = true

	s.logger.Info("Deadline scheduler started",
		zap.Duration("tick_interval", s.tickInterval),
		zap.Int("armed", s.armedCount()))

	go s.tickLoop(runCtx)
	return nil
}

// Stop stops the tick loop and waits for the current tick to finish
func (s *DeadlineScheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	s.cancel()
	<-s.done
	s.logger.Info("Deadline scheduler stopped")
}

// Arm registers a deadline, persisting it and inserting it into the heap.
// Re-arming an existing deadline ID replaces its due time.
func (s *DeadlineScheduler) Arm(ctx context.Context, instanceID string, d workflow.Deadline) error {
	if err := s.store.Save(ctx, instanceID, d); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(instanceID, d.ID)
	if existing, ok := s.byKey[key]; ok {
		existing.removed = true
	}
	entry := &heapEntry{instanceID: instanceID, deadline: d}
	s.byKey[key] = entry
	heap.Push(&s.heap, entry)
	return nil
}

// Disarm cancels a deadline. Disarming a deadline that already fired (or
// was never armed) is a no-op, not an error: it may have fired and been
// consumed in the same tick window.
func (s *DeadlineScheduler) Disarm(ctx context.Context, instanceID, deadlineID string) error {
	if err := s.store.Delete(ctx, instanceID, deadlineID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(instanceID, deadlineID)
	if entry, ok := s.byKey[key]; ok {
		entry.removed = true
		delete(s.byKey, key)
	}
	return nil
}

// reload rebuilds the heap from the durable index after a restart
func (s *DeadlineScheduler) reload(ctx context.Context) error {
	entries, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.heap = s.heap[:0]
	s.byKey = make(map[string]*heapEntry, len(entries))
	for _, e := range entries {
		entry := &heapEntry{instanceID: e.InstanceID, deadline: e.Deadline}
		s.byKey[entryKey(e.InstanceID, e.Deadline.ID)] = entry
		heap.Push(&s.heap, entry)
	}
	s.mu.Unlock()

	if s.projections == nil {
		return nil
	}
	return s.restoreFromProjections(ctx)
}

// restoreFromProjections merges into the heap every deadline a non-terminal
// projection still considers active but the durable index does not know,
// re-persisting each so the index heals too.
func (s *DeadlineScheduler) restoreFromProjections(ctx context.Context) error {
	for _, status := range []workflow.Status{workflow.StatusRunning, workflow.StatusPaused} {
		instances, err := s.projections.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			for _, d := range inst.ActiveDeadlines {
				key := entryKey(inst.ID, d.ID)

				s.mu.Lock()
				_, known := s.byKey[key]
				s.mu.Unlock()
				if known {
					continue
				}

				if err := s.store.Save(ctx, inst.ID, d); err != nil {
					return err
				}
				s.mu.Lock()
				entry := &heapEntry{instanceID: inst.ID, deadline: d}
				s.byKey[key] = entry
				heap.Push(&s.heap, entry)
				s.mu.Unlock()

				s.logger.Info("Restored deadline missing from durable index",
					zap.String("instance_id", inst.ID),
					zap.String("deadline_id", d.ID))
			}
		}
	}
	return nil
}

func (s *DeadlineScheduler) armedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *DeadlineScheduler) tickLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick fires every deadline due at or before now, exactly once each.
// Exported so tests can drive the clock directly.
func (s *DeadlineScheduler) Tick(ctx context.Context, now time.Time) {
	for {
		entry := s.popDue(now)
		if entry == nil {
			return
		}
		s.fire(ctx, entry)
	}
}

// popDue removes and returns the earliest live entry due at or before now
func (s *DeadlineScheduler) popDue(now time.Time) *heapEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		head := s.heap[0]
		if head.removed {
			heap.Pop(&s.heap)
			continue
		}
		if head.deadline.DueAt.After(now) {
			return nil
		}
		heap.Pop(&s.heap)
		delete(s.byKey, entryKey(head.instanceID, head.deadline.ID))
		return head
	}
	return nil
}

// fire routes one expired deadline through the dispatcher, retrying
// transient failures with bounded exponential backoff. A deadline that no
// longer applies (the instance moved on or terminated first) is logged and
// dropped, never surfaced as an error.
func (s *DeadlineScheduler) fire(ctx context.Context, entry *heapEntry) {
	sig := &workflow.DeadlineFired{
		DeadlineID: entry.deadline.ID,
		Kind:       entry.deadline.Kind,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInitial
	policy.MaxElapsedTime = s.retryMax

	err := backoff.Retry(func() error {
		err := s.submit(ctx, entry.instanceID, sig)
		if err == nil || errors.Is(err, workflow.ErrInvalidTransition) ||
			errors.Is(err, workflow.ErrVersionConflict) {
			// Business-rule outcomes are final; only transient storage
			// failures are worth retrying.
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))

	if err == nil {
		return
	}
	if errors.Is(err, workflow.ErrInvalidTransition) || errors.Is(err, workflow.ErrVersionConflict) {
		s.logger.Debug("Dropped raced deadline",
			zap.String("instance_id", entry.instanceID),
			zap.String("deadline_id", entry.deadline.ID))
		if derr := s.store.Delete(ctx, entry.instanceID, entry.deadline.ID); derr != nil {
			s.logger.Warn("Failed to clean up raced deadline", zap.Error(derr))
		}
		return
	}
	s.logger.Error("Failed to fire deadline",
		zap.String("instance_id", entry.instanceID),
		zap.String("deadline_id", entry.deadline.ID),
		zap.Error(err))
}
