package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
	"github.com/mischa23v/caseflow/internal/infrastructure/persistence/memory"
	"github.com/mischa23v/caseflow/internal/worker"
)

// acceptAllEntities satisfies the dispatcher's entity check in tests
type acceptAllEntities struct{}

func (acceptAllEntities) ResolveEntity(_ context.Context, ref workflow.EntityRef) (bool, error) {
	return ref.ID != "", nil
}

// fakeScheduler records arm and disarm calls instead of running timers
type fakeScheduler struct {
	mu       sync.Mutex
	armed    map[string]workflow.Deadline
	disarmed []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(map[string]workflow.Deadline)}
}

func (f *fakeScheduler) Arm(_ context.Context, instanceID string, d workflow.Deadline) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[instanceID+"/"+d.ID] = d
	return nil
}

func (f *fakeScheduler) Disarm(_ context.Context, instanceID, deadlineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instanceID + "/" + deadlineID
	delete(f.armed, key)
	f.disarmed = append(f.disarmed, key)
	return nil
}

func (f *fakeScheduler) armedIDs(instanceID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for key, d := range f.armed {
		if strings.HasPrefix(key, instanceID+"/") {
			out = append(out, d.ID)
		}
	}
	return out
}

type testEnv struct {
	eng       *Engine
	registry  *Registry
	events    *memory.EventStore
	instances *memory.ProjectionStore
	scheduler *fakeScheduler
}

func invoiceDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:         "invoice-approval-v1",
		Name:       "Invoice Approval",
		EntityType: workflow.EntityInvoice,
		Stages: []workflow.StageDefinition{
			{ID: "submission", Name: "Submission", RequiredTaskIDs: []string{"attach_invoice", "code_expense"}},
			{ID: "review", Name: "Review", RequiresApproval: true},
			{ID: "posting", Name: "Posting", RequiredTaskIDs: []string{"post_to_ledger"}, SLADuration: 48 * time.Hour},
			{ID: "paid", Name: "Paid", IsTerminal: true, Outcome: workflow.OutcomeCompleted},
			{ID: "rejected", Name: "Rejected", IsTerminal: true, Outcome: workflow.OutcomeRejected},
		},
		ApprovalChain: []workflow.ApproverSlot{
			{Order: 0, ApproverSelector: `"finance_manager"`, Timeout: 24 * time.Hour, EscalateTo: 1},
			{Order: 1, ApproverSelector: `"finance_director"`, Timeout: 48 * time.Hour, EscalateTo: workflow.NoEscalation},
		},
	}
}

func newTestEnv(t *testing.T, defs ...*workflow.Definition) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	resolver := NewApproverResolver()
	registry := NewRegistry(memory.NewDefinitionStore(), resolver, logger)
	for _, def := range defs {
		require.NoError(t, registry.Register(context.Background(), def))
	}

	events := memory.NewEventStore()
	instances := memory.NewProjectionStore()
	scheduler := newFakeScheduler()

	eng := New(registry, events, instances, resolver, acceptAllEntities{}, scheduler, nil, logger)
	return &testEnv{
		eng:       eng,
		registry:  registry,
		events:    events,
		instances: instances,
		scheduler: scheduler,
	}
}

func eventTypes(batch []*event.Event) []event.Type {
	out := make([]event.Type, len(batch))
	for i, evt := range batch {
		out[i] = evt.Type
	}
	return out
}

func TestStartEntersFirstStage(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()

	inst, batch, err := env.eng.Start(ctx, "invoice-approval-v1",
		workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-100"}, "alice")
	require.NoError(t, err)

	assert.Equal(t, []event.Type{event.TypeStarted, event.TypeStageEntered}, eventTypes(batch))
	assert.Equal(t, workflow.StatusRunning, inst.Status)
	assert.Equal(t, 0, inst.CurrentStageIndex)
	assert.Equal(t, int64(2), inst.Version)

	// The whole opening batch shares one correlation ID.
	require.NotEmpty(t, batch[0].CorrelationID)
	assert.Equal(t, batch[0].CorrelationID, batch[1].CorrelationID)

	// Sequences are contiguous from 1.
	assert.Equal(t, int64(1), batch[0].Sequence)
	assert.Equal(t, int64(2), batch[1].Sequence)
}

func TestStartRejectsEntityTypeMismatch(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())

	_, _, err := env.eng.Start(context.Background(), "invoice-approval-v1",
		workflow.EntityRef{Type: workflow.EntityCase, ID: "case-1"}, "alice")
	assert.ErrorIs(t, err, workflow.ErrValidation)
}

func TestStartRejectsDuplicateActiveWorkflow(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	ref := workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-100"}

	_, _, err := env.eng.Start(ctx, "invoice-approval-v1", ref, "alice")
	require.NoError(t, err)

	_, _, err = env.eng.Start(ctx, "invoice-approval-v1", ref, "alice")
	assert.ErrorIs(t, err, workflow.ErrValidation)
}

func TestStartUnknownDefinition(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.eng.Start(context.Background(), "nope",
		workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-1"}, "alice")
	assert.ErrorIs(t, err, workflow.ErrDefinitionNotFound)
}

// startInvoice runs an instance up to the review stage
func startInvoice(t *testing.T, env *testEnv) *workflow.Instance {
	t.Helper()
	ctx := context.Background()

	inst, _, err := env.eng.Start(ctx, "invoice-approval-v1",
		workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-100"}, "alice")
	require.NoError(t, err)

	_, err = env.eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "attach_invoice"}, "alice", AnyVersion)
	require.NoError(t, err)
	batch, err := env.eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "code_expense"}, "alice", AnyVersion)
	require.NoError(t, err)

	// Completing the last task advances into review in the same batch.
	assert.Equal(t, []event.Type{event.TypeRequirementCompleted, event.TypeStageEntered}, eventTypes(batch))

	current, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, 1, current.CurrentStageIndex)
	return current
}

func TestFullApprovalFlow(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	// Entering review armed the first approver's timeout.
	assert.Contains(t, inst.ActiveDeadlines, "appr-review-0")
	require.NotNil(t, inst.Approval)
	assert.Equal(t, 0, inst.Approval.CurrentApproverIndex)

	batch, err := env.eng.Submit(ctx, inst.ID, &workflow.Approve{Comment: "ok"}, "finance_manager", AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.TypeApproved}, eventTypes(batch))

	mid, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, mid.Approval.CurrentApproverIndex)
	assert.NotContains(t, mid.ActiveDeadlines, "appr-review-0")
	assert.Contains(t, mid.ActiveDeadlines, "appr-review-1")

	batch, err = env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_director", AnyVersion)
	require.NoError(t, err)
	// Chain satisfied: the same batch advances into posting.
	assert.Equal(t, []event.Type{event.TypeApproved, event.TypeStageEntered}, eventTypes(batch))

	posting, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, posting.CurrentStageIndex)
	assert.Nil(t, posting.Approval)
	assert.Contains(t, posting.ActiveDeadlines, "sla-posting")

	batch, err = env.eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "post_to_ledger"}, "alice", AnyVersion)
	require.NoError(t, err)
	// Last task, terminal stage, and completion land in one atomic batch.
	assert.Equal(t, []event.Type{
		event.TypeRequirementCompleted,
		event.TypeStageEntered,
		event.TypeCompleted,
	}, eventTypes(batch))

	final, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Empty(t, final.ActiveDeadlines)

	completed := batch[len(batch)-1].Payload.(*event.CompletedPayload)
	assert.Equal(t, workflow.OutcomeCompleted, completed.Outcome)

	// The full log is contiguous from sequence 1.
	history, err := env.events.Load(ctx, inst.ID)
	require.NoError(t, err)
	for i, evt := range history {
		assert.Equal(t, int64(i+1), evt.Sequence)
	}
	assert.Equal(t, final.Version, history[len(history)-1].Sequence)
}

func TestApproveByWrongActor(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	inst := startInvoice(t, env)

	_, err := env.eng.Submit(context.Background(), inst.ID, &workflow.Approve{}, "intruder", AnyVersion)
	assert.ErrorIs(t, err, workflow.ErrUnknownApprover)

	// Nothing was appended.
	after, err := env.eng.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Version, after.Version)
}

func TestVersionConflict(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	pinned := inst.Version

	_, err := env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", pinned)
	require.NoError(t, err)

	// A second submission against the now-stale version must fail cleanly.
	_, err = env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", pinned)
	assert.ErrorIs(t, err, workflow.ErrVersionConflict)
}

func TestConcurrentSubmitsOneWins(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)
	pinned := inst.Version

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", pinned)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflict int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, workflow.ErrVersionConflict)
			conflict++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
}

func TestRejectRoutesToRejectedTerminal(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	batch, err := env.eng.Submit(ctx, inst.ID, &workflow.Reject{Reason: "amount mismatch"}, "finance_manager", AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{
		event.TypeRejected,
		event.TypeStageEntered,
		event.TypeCompleted,
	}, eventTypes(batch))

	final, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Equal(t, 4, final.CurrentStageIndex)

	completed := batch[len(batch)-1].Payload.(*event.CompletedPayload)
	assert.Equal(t, workflow.OutcomeRejected, completed.Outcome)
}

func TestApprovalTimeoutEscalatesThenFails(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	// First-level timeout escalates to the director slot.
	batch, err := env.eng.Submit(ctx, inst.ID, &workflow.DeadlineFired{
		DeadlineID: "appr-review-0",
		Kind:       workflow.DeadlineApprovalTimeout,
	}, SchedulerActor, AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.TypeDeadlineFired, event.TypeEscalated}, eventTypes(batch))

	mid, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, mid.Approval.CurrentApproverIndex)
	assert.Equal(t, workflow.SlotSkipped, mid.Approval.Slots[0].Decision)
	assert.Contains(t, mid.ActiveDeadlines, "appr-review-1")

	// Director timeout has no escalation target: the instance fails.
	batch, err = env.eng.Submit(ctx, inst.ID, &workflow.DeadlineFired{
		DeadlineID: "appr-review-1",
		Kind:       workflow.DeadlineApprovalTimeout,
	}, SchedulerActor, AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.TypeDeadlineFired, event.TypeFailed}, eventTypes(batch))

	failed := batch[len(batch)-1].Payload.(*event.FailedPayload)
	assert.Equal(t, event.FailureApprovalTimedOutNoEscalation, failed.Reason)

	final, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.Empty(t, final.ActiveDeadlines)
}

func TestStaleDeadlineFiredIsRejected(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	_, err := env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", AnyVersion)
	require.NoError(t, err)

	// The slot-0 timer was disarmed by the approval; a racing fire must be
	// refused so the scheduler can drop it.
	_, err = env.eng.Submit(ctx, inst.ID, &workflow.DeadlineFired{
		DeadlineID: "appr-review-0",
		Kind:       workflow.DeadlineApprovalTimeout,
	}, SchedulerActor, AnyVersion)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestStageSLAFiredRecordsWithoutTransition(t *testing.T) {
	def := invoiceDefinition()
	def.Stages[0].SLADuration = time.Hour
	env := newTestEnv(t, def)
	ctx := context.Background()

	inst, _, err := env.eng.Start(ctx, def.ID,
		workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-100"}, "alice")
	require.NoError(t, err)
	require.Contains(t, inst.ActiveDeadlines, "sla-submission")

	batch, err := env.eng.Submit(ctx, inst.ID, &workflow.DeadlineFired{
		DeadlineID: "sla-submission",
		Kind:       workflow.DeadlineStageSLA,
	}, SchedulerActor, AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.TypeDeadlineFired}, eventTypes(batch))

	after, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, after.Status)
	assert.Equal(t, 0, after.CurrentStageIndex)
	assert.NotContains(t, after.ActiveDeadlines, "sla-submission")
}

func TestCancelDisarmsDeadlines(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)
	require.Contains(t, inst.ActiveDeadlines, "appr-review-0")

	batch, err := env.eng.Submit(ctx, inst.ID, &workflow.Cancel{Reason: "duplicate"}, "alice", AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.TypeCancelled}, eventTypes(batch))

	final, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, final.Status)
	assert.Empty(t, final.ActiveDeadlines)
	assert.Contains(t, env.scheduler.disarmed, inst.ID+"/appr-review-0")
	assert.Empty(t, env.scheduler.armedIDs(inst.ID))
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	_, err := env.eng.Submit(ctx, inst.ID, &workflow.Resume{}, "alice", AnyVersion)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition, "resume requires a paused instance")

	_, err = env.eng.Submit(ctx, inst.ID, &workflow.Pause{}, "alice", AnyVersion)
	require.NoError(t, err)

	_, err = env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", AnyVersion)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition, "paused instances accept no progress signals")

	_, err = env.eng.Submit(ctx, inst.ID, &workflow.Resume{}, "alice", AnyVersion)
	require.NoError(t, err)

	_, err = env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", AnyVersion)
	require.NoError(t, err)
}

// vendorVettingDefinition has a single working stage that requires both a
// task and an approval before it advances.
func vendorVettingDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID:         "vendor-vetting-v1",
		Name:       "Vendor Vetting",
		EntityType: workflow.EntityInvoice,
		Stages: []workflow.StageDefinition{
			{ID: "vetting", Name: "Vetting", RequiredTaskIDs: []string{"collect_bank_details"}, RequiresApproval: true},
			{ID: "approved", Name: "Approved", IsTerminal: true, Outcome: workflow.OutcomeCompleted},
			{ID: "rejected", Name: "Rejected", IsTerminal: true, Outcome: workflow.OutcomeRejected},
		},
		ApprovalChain: []workflow.ApproverSlot{
			{Order: 0, ApproverSelector: `"finance_manager"`, EscalateTo: workflow.NoEscalation},
		},
	}
}

func TestMixedTaskAndApprovalStage(t *testing.T) {
	ctx := context.Background()

	t.Run("task completes last", func(t *testing.T) {
		env := newTestEnv(t, vendorVettingDefinition())
		inst, _, err := env.eng.Start(ctx, "vendor-vetting-v1",
			workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-100"}, "alice")
		require.NoError(t, err)

		// The chain is satisfied first; approving is done but the stage
		// still waits on its task.
		batch, err := env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", AnyVersion)
		require.NoError(t, err)
		assert.Equal(t, []event.Type{event.TypeApproved}, eventTypes(batch))

		// Completing the last task now closes out the stage.
		batch, err = env.eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "collect_bank_details"}, "alice", AnyVersion)
		require.NoError(t, err)
		assert.Equal(t, []event.Type{
			event.TypeRequirementCompleted,
			event.TypeStageEntered,
			event.TypeCompleted,
		}, eventTypes(batch))

		final, err := env.eng.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, final.Status)
	})

	t.Run("approval completes last", func(t *testing.T) {
		env := newTestEnv(t, vendorVettingDefinition())
		inst, _, err := env.eng.Start(ctx, "vendor-vetting-v1",
			workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-200"}, "alice")
		require.NoError(t, err)

		batch, err := env.eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "collect_bank_details"}, "alice", AnyVersion)
		require.NoError(t, err)
		assert.Equal(t, []event.Type{event.TypeRequirementCompleted}, eventTypes(batch))

		batch, err = env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", AnyVersion)
		require.NoError(t, err)
		assert.Equal(t, []event.Type{
			event.TypeApproved,
			event.TypeStageEntered,
			event.TypeCompleted,
		}, eventTypes(batch))
	})
}

func TestPausedDeadlineRearmsOnResume(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	// Full stack with the real scheduler so the dropped fire and the durable
	// index are both in play.
	resolver := NewApproverResolver()
	registry := NewRegistry(memory.NewDefinitionStore(), resolver, logger)
	require.NoError(t, registry.Register(ctx, invoiceDefinition()))

	deadlines := memory.NewDeadlineStore()
	sched := worker.NewDeadlineScheduler(deadlines, logger)
	eng := New(registry, memory.NewEventStore(), memory.NewProjectionStore(), resolver,
		acceptAllEntities{}, sched, nil, logger)
	sched.BindSubmitter(func(ctx context.Context, instanceID string, sig workflow.Signal) error {
		_, err := eng.Submit(ctx, instanceID, sig, SchedulerActor, AnyVersion)
		return err
	})

	inst, _, err := eng.Start(ctx, "invoice-approval-v1",
		workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-100"}, "alice")
	require.NoError(t, err)
	_, err = eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "attach_invoice"}, "alice", AnyVersion)
	require.NoError(t, err)
	_, err = eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "code_expense"}, "alice", AnyVersion)
	require.NoError(t, err)

	_, err = eng.Submit(ctx, inst.ID, &workflow.Pause{}, "alice", AnyVersion)
	require.NoError(t, err)

	// The manager timeout comes due during the pause: the fire bounces off
	// the paused instance and the timer is dropped everywhere but the
	// projection.
	sched.Tick(ctx, time.Now().Add(25*time.Hour).UTC())
	active, err := deadlines.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = eng.Submit(ctx, inst.ID, &workflow.Resume{}, "alice", AnyVersion)
	require.NoError(t, err)

	// Resume restored the timer durably.
	active, err = deadlines.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "appr-review-0", active[0].Deadline.ID)

	// The still-overdue timeout now escalates instead of being lost.
	sched.Tick(ctx, time.Now().Add(25*time.Hour).UTC())
	after, err := eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, after.Approval)
	assert.Equal(t, 1, after.Approval.CurrentApproverIndex)
	assert.NotContains(t, after.ActiveDeadlines, "appr-review-0")
	assert.Contains(t, after.ActiveDeadlines, "appr-review-1")
}

func TestTerminalInstanceRejectsEverything(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	_, err := env.eng.Submit(ctx, inst.ID, &workflow.Cancel{}, "alice", AnyVersion)
	require.NoError(t, err)

	for _, sig := range []workflow.Signal{
		&workflow.Cancel{},
		&workflow.Pause{},
		&workflow.Resume{},
		&workflow.Approve{},
		&workflow.CompleteRequirement{TaskID: "attach_invoice"},
	} {
		_, err := env.eng.Submit(ctx, inst.ID, sig, "alice", AnyVersion)
		assert.ErrorIs(t, err, workflow.ErrInvalidTransition, "signal %s", sig.SignalType())
		assert.ErrorIs(t, err, workflow.ErrTerminalInstance, "signal %s", sig.SignalType())
	}
}

func TestCompleteRequirementValidation(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()

	inst, _, err := env.eng.Start(ctx, "invoice-approval-v1",
		workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-100"}, "alice")
	require.NoError(t, err)

	_, err = env.eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "post_to_ledger"}, "alice", AnyVersion)
	assert.ErrorIs(t, err, workflow.ErrUnknownTask, "task from another stage")

	_, err = env.eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "attach_invoice"}, "alice", AnyVersion)
	require.NoError(t, err)

	_, err = env.eng.Submit(ctx, inst.ID, &workflow.CompleteRequirement{TaskID: "attach_invoice"}, "alice", AnyVersion)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition, "task already completed")
}

func TestAddDeadline(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	due := time.Now().Add(4 * time.Hour).UTC()
	batch, err := env.eng.Submit(ctx, inst.ID, &workflow.AddDeadline{DueAt: due}, "alice", AnyVersion)
	require.NoError(t, err)

	added := batch[0].Payload.(*event.DeadlineAddedPayload)
	assert.Equal(t, workflow.DeadlineCustom, added.Kind)
	assert.NotEmpty(t, added.DeadlineID)

	after, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	d, ok := after.ActiveDeadlines[added.DeadlineID]
	require.True(t, ok)
	assert.True(t, d.DueAt.Equal(due))

	// Custom deadlines die with the stage like everything else.
	_, err = env.eng.Submit(ctx, inst.ID, &workflow.Reject{Reason: "no"}, "finance_manager", AnyVersion)
	require.NoError(t, err)
	final, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotContains(t, final.ActiveDeadlines, added.DeadlineID)
}

func TestExplicitEscalate(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	batch, err := env.eng.Submit(ctx, inst.ID, &workflow.Escalate{Reason: "manager on leave"}, "alice", AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, []event.Type{event.TypeEscalated}, eventTypes(batch))

	escalated := batch[0].Payload.(*event.EscalatedPayload)
	assert.Equal(t, 0, escalated.FromSlot)
	assert.Equal(t, 1, escalated.ToSlot)
	assert.Equal(t, "manager on leave", escalated.Reason)

	// Escalating outside an approval stage is refused.
	other, _, err := env.eng.Start(ctx, "invoice-approval-v1",
		workflow.EntityRef{Type: workflow.EntityInvoice, ID: "inv-200"}, "alice")
	require.NoError(t, err)
	_, err = env.eng.Submit(ctx, other.ID, &workflow.Escalate{}, "alice", AnyVersion)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestRehydrateAfterCacheLoss(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())
	ctx := context.Background()
	inst := startInvoice(t, env)

	_, err := env.eng.Submit(ctx, inst.ID, &workflow.Approve{}, "finance_manager", AnyVersion)
	require.NoError(t, err)
	cached, err := env.eng.GetInstance(ctx, inst.ID)
	require.NoError(t, err)

	// A fresh engine over the same log but an empty projection store must
	// reconstruct identical state.
	logger := zap.NewNop()
	resolver := NewApproverResolver()
	registry := NewRegistry(memory.NewDefinitionStore(), resolver, logger)
	require.NoError(t, registry.Register(ctx, invoiceDefinition()))
	restarted := New(registry, env.events, memory.NewProjectionStore(), resolver,
		acceptAllEntities{}, newFakeScheduler(), nil, logger)

	rebuilt, err := restarted.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, cached, rebuilt)
}

func TestUnknownInstance(t *testing.T) {
	env := newTestEnv(t, invoiceDefinition())

	_, err := env.eng.Submit(context.Background(), "ghost", &workflow.Pause{}, "alice", AnyVersion)
	assert.ErrorIs(t, err, workflow.ErrInstanceNotFound)

	_, err = env.eng.GetInstance(context.Background(), "ghost")
	assert.ErrorIs(t, err, workflow.ErrInstanceNotFound)
}
