package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// appendEvent assigns the next sequence number, folds the event into the
// working projection, and adds it to the batch. Folding as the batch is
// built lets multi-event decisions (complete last task, enter next stage,
// reach terminal) validate against intermediate state.
func appendEvent(def *workflow.Definition, inst *workflow.Instance, batch []*event.Event, evt *event.Event) ([]*event.Event, error) {
	evt.Sequence = inst.Version + 1
	if err := Apply(def, inst, evt); err != nil {
		return nil, err
	}
	return append(batch, evt), nil
}

// enterStage appends StageEntered for the given index, then keeps advancing
// through stages with no obligations (no tasks, no approval) until it lands
// on a stage that needs work or a terminal stage. Entering a terminal stage
// also appends the matching terminal event in the same batch.
func enterStage(def *workflow.Definition, inst *workflow.Instance, batch []*event.Event, actor string, index int) ([]*event.Event, error) {
	for {
		stage := def.Stage(index)
		if stage == nil {
			return nil, fmt.Errorf("%w: stage index %d out of range in definition %s",
				workflow.ErrValidation, index, def.ID)
		}

		var err error
		batch, err = appendEvent(def, inst, batch, event.New(inst.ID, actor, &event.StageEnteredPayload{
			StageIndex: index,
			StageID:    stage.ID,
		}))
		if err != nil {
			return nil, err
		}

		if stage.IsTerminal {
			return appendTerminal(def, inst, batch, actor, stage.Outcome, "")
		}
		if stage.RequiresApproval || len(stage.RequiredTaskIDs) > 0 {
			return batch, nil
		}
		index++
	}
}

// appendTerminal appends the terminal event matching a terminal stage outcome
func appendTerminal(def *workflow.Definition, inst *workflow.Instance, batch []*event.Event, actor string, outcome workflow.TerminalOutcome, reason string) ([]*event.Event, error) {
	var payload event.Payload
	switch outcome {
	case workflow.OutcomeCancelled:
		payload = &event.CancelledPayload{Reason: reason}
	default:
		// Completed and rejected runs both end with a Completed event; the
		// outcome field tells them apart. Failed is only ever reached via
		// exhausted escalation, not via a terminal stage.
		payload = &event.CompletedPayload{Outcome: outcome}
	}
	return appendEvent(def, inst, batch, event.New(inst.ID, actor, payload))
}

// decide validates one signal against the working projection and produces
// the event batch it implies. It mutates inst (the caller passes a clone) as
// it folds each produced event.
func decide(def *workflow.Definition, inst *workflow.Instance, sig workflow.Signal, actor string, resolver *ApproverResolver) ([]*event.Event, error) {
	if err := checkStatus(inst, sig); err != nil {
		return nil, err
	}

	switch s := sig.(type) {
	case *workflow.CompleteRequirement:
		return decideCompleteRequirement(def, inst, s, actor)
	case *workflow.Approve:
		return decideApprove(def, inst, s, actor, resolver)
	case *workflow.Reject:
		return decideReject(def, inst, s, actor, resolver)
	case *workflow.Pause:
		return appendEvent(def, inst, nil, event.New(inst.ID, actor, &event.PausedPayload{}))
	case *workflow.Resume:
		return appendEvent(def, inst, nil, event.New(inst.ID, actor, &event.ResumedPayload{}))
	case *workflow.Cancel:
		return appendEvent(def, inst, nil, event.New(inst.ID, actor, &event.CancelledPayload{Reason: s.Reason}))
	case *workflow.AddDeadline:
		return decideAddDeadline(def, inst, s, actor)
	case *workflow.Escalate:
		return decideEscalate(def, inst, s.Reason, actor)
	case *workflow.DeadlineFired:
		return decideDeadlineFired(def, inst, s, actor)
	default:
		return nil, fmt.Errorf("%w: unsupported signal %T", workflow.ErrValidation, sig)
	}
}

// checkStatus enforces the status preconditions shared by all signals:
// Resume requires Paused, Cancel is allowed from any non-terminal status,
// everything else requires Running. Terminal instances accept nothing.
func checkStatus(inst *workflow.Instance, sig workflow.Signal) error {
	if inst.Status.IsTerminal() {
		return fmt.Errorf("%w: %w: instance %s reached %s",
			workflow.ErrInvalidTransition, workflow.ErrTerminalInstance, inst.ID, inst.Status)
	}

	switch sig.(type) {
	case *workflow.Resume:
		if inst.Status != workflow.StatusPaused {
			return fmt.Errorf("%w: resume requires a paused instance, status is %s",
				workflow.ErrInvalidTransition, inst.Status)
		}
	case *workflow.Cancel:
		// Any non-terminal status.
	default:
		if inst.Status != workflow.StatusRunning {
			return fmt.Errorf("%w: signal %s requires a running instance, status is %s",
				workflow.ErrInvalidTransition, sig.SignalType(), inst.Status)
		}
	}
	return nil
}

func decideCompleteRequirement(def *workflow.Definition, inst *workflow.Instance, sig *workflow.CompleteRequirement, actor string) ([]*event.Event, error) {
	stage := def.Stage(inst.CurrentStageIndex)
	if !stage.HasTask(sig.TaskID) {
		return nil, fmt.Errorf("%w: task %q does not belong to stage %q",
			workflow.ErrUnknownTask, sig.TaskID, stage.ID)
	}
	if inst.IsTaskCompleted(sig.TaskID) {
		return nil, fmt.Errorf("%w: task %q already completed in stage %q",
			workflow.ErrInvalidTransition, sig.TaskID, stage.ID)
	}

	batch, err := appendEvent(def, inst, nil, event.New(inst.ID, actor, &event.RequirementCompletedPayload{
		TaskID: sig.TaskID,
	}))
	if err != nil {
		return nil, err
	}

	// Completing the last obligation advances the stage in the same atomic
	// append. A stage may carry both required tasks and an approval chain;
	// whichever obligation finishes last triggers the advance.
	if inst.AllTasksCompleted(stage) && approvalSatisfied(def, stage, inst) {
		return enterStage(def, inst, batch, actor, inst.CurrentStageIndex+1)
	}
	return batch, nil
}

// approvalSatisfied reports whether the stage's approval obligation, if it
// has one, is fully decided.
func approvalSatisfied(def *workflow.Definition, stage *workflow.StageDefinition, inst *workflow.Instance) bool {
	if !stage.RequiresApproval {
		return true
	}
	return inst.Approval != nil && inst.Approval.CurrentApproverIndex >= len(def.ApprovalChain)
}

// currentApprover resolves the approver the current slot selects and checks
// the signal actor against it.
func currentApprover(def *workflow.Definition, inst *workflow.Instance, actor string, resolver *ApproverResolver) (int, error) {
	stage := def.Stage(inst.CurrentStageIndex)
	if !stage.RequiresApproval || inst.Approval == nil {
		return 0, fmt.Errorf("%w: stage %q has no approval chain", workflow.ErrInvalidTransition, stage.ID)
	}
	current := inst.Approval.CurrentApproverIndex
	if current >= len(def.ApprovalChain) {
		return 0, fmt.Errorf("%w: approval chain already satisfied", workflow.ErrInvalidTransition)
	}

	expected, err := resolver.Resolve(inst, stage, def.ApprovalChain[current])
	if err != nil {
		return 0, err
	}
	if actor != expected {
		return 0, fmt.Errorf("%w: %q is not the current approver for stage %q slot %d",
			workflow.ErrUnknownApprover, actor, stage.ID, current)
	}
	return current, nil
}

func decideApprove(def *workflow.Definition, inst *workflow.Instance, sig *workflow.Approve, actor string, resolver *ApproverResolver) ([]*event.Event, error) {
	slot, err := currentApprover(def, inst, actor, resolver)
	if err != nil {
		return nil, err
	}

	batch, err := appendEvent(def, inst, nil, event.New(inst.ID, actor, &event.ApprovedPayload{
		SlotIndex: slot,
		Comment:   sig.Comment,
	}))
	if err != nil {
		return nil, err
	}

	stage := def.Stage(inst.CurrentStageIndex)
	if approvalSatisfied(def, stage, inst) && inst.AllTasksCompleted(stage) {
		return enterStage(def, inst, batch, actor, inst.CurrentStageIndex+1)
	}
	return batch, nil
}

func decideReject(def *workflow.Definition, inst *workflow.Instance, sig *workflow.Reject, actor string, resolver *ApproverResolver) ([]*event.Event, error) {
	slot, err := currentApprover(def, inst, actor, resolver)
	if err != nil {
		return nil, err
	}

	batch, err := appendEvent(def, inst, nil, event.New(inst.ID, actor, &event.RejectedPayload{
		SlotIndex: slot,
		Reason:    sig.Reason,
	}))
	if err != nil {
		return nil, err
	}

	stage := def.Stage(inst.CurrentStageIndex)
	if stage.EscalateOnReject {
		return appendEscalation(def, inst, batch, actor, sig.Reason)
	}

	// A rejection on a non-escalating stage moves the instance straight to
	// the definition's rejected terminal stage.
	return enterStage(def, inst, batch, actor, def.TerminalStageIndex(workflow.OutcomeRejected))
}

func decideAddDeadline(def *workflow.Definition, inst *workflow.Instance, sig *workflow.AddDeadline, actor string) ([]*event.Event, error) {
	kind := sig.Kind
	if kind == "" {
		kind = workflow.DeadlineCustom
	}
	return appendEvent(def, inst, nil, event.New(inst.ID, actor, &event.DeadlineAddedPayload{
		DeadlineID: uuid.NewString(),
		DueAt:      sig.DueAt,
		Kind:       kind,
		StageIndex: inst.CurrentStageIndex,
	}))
}

func decideEscalate(def *workflow.Definition, inst *workflow.Instance, reason, actor string) ([]*event.Event, error) {
	stage := def.Stage(inst.CurrentStageIndex)
	if !stage.RequiresApproval || inst.Approval == nil ||
		inst.Approval.CurrentApproverIndex >= len(def.ApprovalChain) {
		return nil, fmt.Errorf("%w: no active approval chain to escalate", workflow.ErrInvalidTransition)
	}
	return appendEscalation(def, inst, nil, actor, reason)
}

// appendEscalation applies the escalation policy for the current approver
// slot: advance to the configured target, or fail the instance when no
// target is configured.
func appendEscalation(def *workflow.Definition, inst *workflow.Instance, batch []*event.Event, actor, reason string) ([]*event.Event, error) {
	action := ComputeEscalation(def, inst, reason)
	switch action.Kind {
	case ActionEscalate:
		return appendEvent(def, inst, batch, event.New(inst.ID, actor, &event.EscalatedPayload{
			FromSlot: action.FromSlot,
			ToSlot:   action.ToSlot,
			Reason:   action.Reason,
		}))
	default:
		return appendEvent(def, inst, batch, event.New(inst.ID, actor, &event.FailedPayload{
			Reason: action.Reason,
		}))
	}
}

func decideDeadlineFired(def *workflow.Definition, inst *workflow.Instance, sig *workflow.DeadlineFired, actor string) ([]*event.Event, error) {
	// A deadline that fires after the instance left its originating stage
	// raced a legitimate state change: the scheduler drops the resulting
	// InvalidTransition silently.
	d, active := inst.ActiveDeadlines[sig.DeadlineID]
	if !active {
		return nil, fmt.Errorf("%w: deadline %s is no longer active", workflow.ErrInvalidTransition, sig.DeadlineID)
	}

	batch, err := appendEvent(def, inst, nil, event.New(inst.ID, actor, &event.DeadlineFiredPayload{
		DeadlineID: d.ID,
		Kind:       d.Kind,
	}))
	if err != nil {
		return nil, err
	}

	if d.Kind == workflow.DeadlineApprovalTimeout {
		return appendEscalation(def, inst, batch, actor, "")
	}
	// Stage SLA and custom deadlines are recorded in history and surfaced
	// through notifications and attention queries; they do not transition
	// the instance by themselves.
	return batch, nil
}
