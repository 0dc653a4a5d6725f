package engine

import (
	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// EscalationActionKind classifies what should happen after an escalation
// trigger (approval timeout, explicit escalate, reject on an escalating
// stage).
type EscalationActionKind int

const (
	// ActionEscalate reassigns the approval chain to the configured slot.
	ActionEscalate EscalationActionKind = iota
	// ActionFail terminates the instance: no escalation target remains.
	ActionFail
)

// EscalationAction is the deterministic outcome of an escalation trigger
type EscalationAction struct {
	Kind     EscalationActionKind
	FromSlot int
	ToSlot   int
	Reason   string
}

// ComputeEscalation decides the next action for an escalation trigger on
// the instance's current approver slot. It is pure: data-driven from the
// slot's EscalateTo, no I/O. The dispatcher performs the actual append.
func ComputeEscalation(def *workflow.Definition, inst *workflow.Instance, reason string) EscalationAction {
	current := inst.Approval.CurrentApproverIndex
	slot := def.ApprovalChain[current]

	if slot.EscalateTo == workflow.NoEscalation {
		if reason == "" {
			reason = event.FailureApprovalTimedOutNoEscalation
		}
		return EscalationAction{Kind: ActionFail, FromSlot: current, Reason: reason}
	}

	return EscalationAction{
		Kind:     ActionEscalate,
		FromSlot: current,
		ToSlot:   slot.EscalateTo,
		Reason:   reason,
	}
}
