package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/domain/workflow"
	"github.com/mischa23v/caseflow/internal/infrastructure/persistence/memory"
)

type firedSignal struct {
	instanceID string
	deadlineID string
}

// recordingSubmitter captures the signals the scheduler synthesizes
type recordingSubmitter struct {
	mu    sync.Mutex
	fired []firedSignal
	errs  map[string]error
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{errs: make(map[string]error)}
}

func (r *recordingSubmitter) submit(_ context.Context, instanceID string, sig workflow.Signal) error {
	fired, ok := sig.(*workflow.DeadlineFired)
	if !ok {
		return fmt.Errorf("unexpected signal type %T", sig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.errs[fired.DeadlineID]; ok {
		return err
	}
	r.fired = append(r.fired, firedSignal{instanceID: instanceID, deadlineID: fired.DeadlineID})
	return nil
}

func (r *recordingSubmitter) firedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.fired))
	for i, f := range r.fired {
		out[i] = f.deadlineID
	}
	return out
}

func newTestScheduler(t *testing.T) (*DeadlineScheduler, *memory.DeadlineStore, *recordingSubmitter) {
	t.Helper()
	store := memory.NewDeadlineStore()
	submitter := newRecordingSubmitter()
	sched := NewDeadlineScheduler(store, zap.NewNop(),
		WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	sched.BindSubmitter(submitter.submit)
	return sched, store, submitter
}

func deadline(id string, dueAt time.Time) workflow.Deadline {
	return workflow.Deadline{ID: id, DueAt: dueAt, Kind: workflow.DeadlineStageSLA}
}

func TestTickFiresDueDeadlinesInOrder(t *testing.T) {
	sched, _, submitter := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, sched.Arm(ctx, "inst-1", deadline("late", now.Add(-time.Minute))))
	require.NoError(t, sched.Arm(ctx, "inst-1", deadline("earliest", now.Add(-time.Hour))))
	require.NoError(t, sched.Arm(ctx, "inst-2", deadline("future", now.Add(time.Hour))))

	sched.Tick(ctx, now)

	assert.Equal(t, []string{"earliest", "late"}, submitter.firedIDs())

	// The future deadline fires once its time comes, and only once.
	sched.Tick(ctx, now.Add(2*time.Hour))
	sched.Tick(ctx, now.Add(3*time.Hour))
	assert.Equal(t, []string{"earliest", "late", "future"}, submitter.firedIDs())
}

func TestDisarmPreventsFiring(t *testing.T) {
	sched, store, submitter := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, sched.Arm(ctx, "inst-1", deadline("sla-review", now.Add(-time.Minute))))
	require.NoError(t, sched.Disarm(ctx, "inst-1", "sla-review"))

	sched.Tick(ctx, now)
	assert.Empty(t, submitter.firedIDs())

	// Disarm also cleared the durable index.
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDisarmUnknownDeadlineIsNoOp(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	assert.NoError(t, sched.Disarm(context.Background(), "inst-1", "never-armed"))
}

func TestRearmReplacesDueTime(t *testing.T) {
	sched, _, submitter := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, sched.Arm(ctx, "inst-1", deadline("sla-review", now.Add(time.Hour))))
	require.NoError(t, sched.Arm(ctx, "inst-1", deadline("sla-review", now.Add(-time.Minute))))

	sched.Tick(ctx, now)
	// Fires once despite two arms.
	assert.Equal(t, []string{"sla-review"}, submitter.firedIDs())

	sched.Tick(ctx, now.Add(2*time.Hour))
	assert.Equal(t, []string{"sla-review"}, submitter.firedIDs())
}

func TestRacedDeadlineIsDroppedAndCleaned(t *testing.T) {
	sched, store, submitter := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// The instance moved on before the timer fired: the dispatcher refuses
	// the synthesized signal and the scheduler drops it quietly.
	submitter.errs["stale"] = fmt.Errorf("%w: deadline stale is no longer active", workflow.ErrInvalidTransition)

	require.NoError(t, sched.Arm(ctx, "inst-1", deadline("stale", now.Add(-time.Minute))))
	sched.Tick(ctx, now)

	assert.Empty(t, submitter.firedIDs())
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStartReloadsPersistedDeadlines(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	// Deadlines armed by a previous process survive in the store.
	store := memory.NewDeadlineStore()
	require.NoError(t, store.Save(ctx, "inst-1", deadline("sla-review", now.Add(-time.Minute))))

	submitter := newRecordingSubmitter()
	sched := NewDeadlineScheduler(store, zap.NewNop(), WithTickInterval(time.Hour))
	sched.BindSubmitter(submitter.submit)

	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	sched.Tick(ctx, now)
	assert.Equal(t, []string{"sla-review"}, submitter.firedIDs())
}

func TestStartRestoresDeadlinesFromProjections(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	// A crash between the event append and the deadline save loses the
	// durable timer while the projection still lists it as active.
	store := memory.NewDeadlineStore()
	projections := memory.NewProjectionStore()
	require.NoError(t, projections.Save(ctx, &workflow.Instance{
		ID:     "inst-1",
		Status: workflow.StatusRunning,
		ActiveDeadlines: map[string]workflow.Deadline{
			"sla-review": deadline("sla-review", now.Add(-time.Minute)),
		},
	}))

	submitter := newRecordingSubmitter()
	sched := NewDeadlineScheduler(store, zap.NewNop(),
		WithTickInterval(time.Hour),
		WithProjectionBackstop(projections))
	sched.BindSubmitter(submitter.submit)

	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	// Start re-persisted the timer and it fires normally.
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	sched.Tick(ctx, now)
	assert.Equal(t, []string{"sla-review"}, submitter.firedIDs())
}

func TestStartRequiresSubmitter(t *testing.T) {
	sched := NewDeadlineScheduler(memory.NewDeadlineStore(), zap.NewNop())

	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bound submitter")
}

func TestManagerStartsAndStopsWorkers(t *testing.T) {
	store := memory.NewDeadlineStore()
	submitter := newRecordingSubmitter()
	sched := NewDeadlineScheduler(store, zap.NewNop(), WithTickInterval(time.Hour))
	sched.BindSubmitter(submitter.submit)

	mgr := NewManager(zap.NewNop())
	mgr.Register(sched)

	require.NoError(t, mgr.StartAll(context.Background()))
	mgr.StopAll()

	// Stopping twice is safe.
	mgr.StopAll()
}
