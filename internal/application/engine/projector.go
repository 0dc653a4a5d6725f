// Package engine implements the workflow orchestration core: the signal
// dispatcher, the pure event-fold projector, the escalation policy, and the
// definition registry. All instance state flows through here.
package engine

import (
	"fmt"

	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// Project folds an ordered event history into the instance state it implies.
// It is a pure, total, deterministic function of the event sequence: two
// replays of the same log always produce identical state, which is what
// makes crash recovery correct.
func Project(def *workflow.Definition, events []*event.Event) (*workflow.Instance, error) {
	inst := workflow.NewInstance()
	for _, evt := range events {
		if err := Apply(def, inst, evt); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// Apply folds a single event into the instance in place. The dispatcher uses
// it to update the cached projection incrementally after each append.
func Apply(def *workflow.Definition, inst *workflow.Instance, evt *event.Event) error {
	switch p := evt.Payload.(type) {
	case *event.StartedPayload:
		inst.ID = evt.InstanceID
		inst.DefinitionID = p.DefinitionID
		inst.EntityRef = p.EntityRef
		inst.Status = workflow.StatusRunning
		inst.CurrentStageIndex = -1
		inst.CreatedAt = evt.OccurredAt

	case *event.StageEnteredPayload:
		stage := def.Stage(p.StageIndex)
		if stage == nil {
			return fmt.Errorf("stage index %d out of range for definition %s", p.StageIndex, def.ID)
		}
		inst.CurrentStageIndex = p.StageIndex
		inst.CompletedTaskIDs = make(map[string]bool)
		// Stage exit invalidates everything armed for the previous stage.
		inst.ActiveDeadlines = make(map[string]workflow.Deadline)
		inst.Approval = nil

		if stage.SLADuration > 0 {
			id := workflow.StageSLADeadlineID(stage.ID)
			inst.ActiveDeadlines[id] = workflow.Deadline{
				ID:         id,
				DueAt:      evt.OccurredAt.Add(stage.SLADuration),
				Kind:       workflow.DeadlineStageSLA,
				StageIndex: p.StageIndex,
			}
		}

		if stage.RequiresApproval {
			slots := make([]workflow.SlotStatus, len(def.ApprovalChain))
			for i := range slots {
				slots[i] = workflow.SlotStatus{Decision: workflow.SlotPending}
			}
			inst.Approval = &workflow.ApprovalState{CurrentApproverIndex: 0, Slots: slots}
			armApproverTimeout(def, inst, stage, 0, evt)
		}

	case *event.RequirementCompletedPayload:
		inst.CompletedTaskIDs[p.TaskID] = true

	case *event.ApprovedPayload:
		if inst.Approval == nil || p.SlotIndex >= len(inst.Approval.Slots) {
			return fmt.Errorf("approved event for instance %s without approval state", evt.InstanceID)
		}
		decidedAt := evt.OccurredAt
		inst.Approval.Slots[p.SlotIndex] = workflow.SlotStatus{
			Decision:  workflow.SlotApproved,
			Actor:     evt.Actor,
			Comment:   p.Comment,
			DecidedAt: &decidedAt,
		}
		stage := def.Stage(inst.CurrentStageIndex)
		delete(inst.ActiveDeadlines, workflow.ApprovalTimeoutDeadlineID(stage.ID, p.SlotIndex))
		next := p.SlotIndex + 1
		inst.Approval.CurrentApproverIndex = next
		if next < len(def.ApprovalChain) {
			armApproverTimeout(def, inst, stage, next, evt)
		}

	case *event.RejectedPayload:
		if inst.Approval == nil || p.SlotIndex >= len(inst.Approval.Slots) {
			return fmt.Errorf("rejected event for instance %s without approval state", evt.InstanceID)
		}
		decidedAt := evt.OccurredAt
		inst.Approval.Slots[p.SlotIndex] = workflow.SlotStatus{
			Decision:  workflow.SlotRejected,
			Actor:     evt.Actor,
			Comment:   p.Reason,
			DecidedAt: &decidedAt,
		}
		stage := def.Stage(inst.CurrentStageIndex)
		delete(inst.ActiveDeadlines, workflow.ApprovalTimeoutDeadlineID(stage.ID, p.SlotIndex))

	case *event.EscalatedPayload:
		if inst.Approval == nil {
			return fmt.Errorf("escalated event for instance %s without approval state", evt.InstanceID)
		}
		stage := def.Stage(inst.CurrentStageIndex)
		delete(inst.ActiveDeadlines, workflow.ApprovalTimeoutDeadlineID(stage.ID, p.FromSlot))
		if p.FromSlot < len(inst.Approval.Slots) {
			inst.Approval.Slots[p.FromSlot].Decision = workflow.SlotSkipped
		}
		inst.Approval.CurrentApproverIndex = p.ToSlot
		armApproverTimeout(def, inst, stage, p.ToSlot, evt)

	case *event.DeadlineAddedPayload:
		inst.ActiveDeadlines[p.DeadlineID] = workflow.Deadline{
			ID:         p.DeadlineID,
			DueAt:      p.DueAt,
			Kind:       p.Kind,
			StageIndex: p.StageIndex,
		}

	case *event.DeadlineFiredPayload:
		delete(inst.ActiveDeadlines, p.DeadlineID)

	case *event.PausedPayload:
		inst.Status = workflow.StatusPaused

	case *event.ResumedPayload:
		inst.Status = workflow.StatusRunning

	case *event.CancelledPayload:
		inst.Status = workflow.StatusCancelled
		inst.ActiveDeadlines = make(map[string]workflow.Deadline)

	case *event.CompletedPayload:
		inst.Status = workflow.StatusCompleted
		inst.ActiveDeadlines = make(map[string]workflow.Deadline)

	case *event.FailedPayload:
		inst.Status = workflow.StatusFailed
		inst.ActiveDeadlines = make(map[string]workflow.Deadline)

	default:
		return fmt.Errorf("unknown event payload type %T", evt.Payload)
	}

	inst.Version = evt.Sequence
	inst.UpdatedAt = evt.OccurredAt
	return nil
}

func armApproverTimeout(def *workflow.Definition, inst *workflow.Instance, stage *workflow.StageDefinition, slot int, evt *event.Event) {
	if slot >= len(def.ApprovalChain) {
		return
	}
	timeout := def.ApprovalChain[slot].Timeout
	if timeout <= 0 {
		return
	}
	id := workflow.ApprovalTimeoutDeadlineID(stage.ID, slot)
	inst.ActiveDeadlines[id] = workflow.Deadline{
		ID:         id,
		DueAt:      evt.OccurredAt.Add(timeout),
		Kind:       workflow.DeadlineApprovalTimeout,
		StageIndex: inst.CurrentStageIndex,
	}
}
