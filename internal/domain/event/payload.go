package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// Payload is the closed union of per-type event payloads. Each accepted
// signal produces events whose payloads carry everything the projector
// needs, so replaying the log never consults anything but the definition.
type Payload interface {
	EventType() Type
}

// StartedPayload opens an instance's history and pins the definition and
// entity the instance is bound to.
type StartedPayload struct {
	DefinitionID string             `json:"definition_id"`
	EntityRef    workflow.EntityRef `json:"entity_ref"`
}

func (StartedPayload) EventType() Type { return TypeStarted }

// StageEnteredPayload records entry into a stage of the definition
type StageEnteredPayload struct {
	StageIndex int    `json:"stage_index"`
	StageID    string `json:"stage_id"`
}

func (StageEnteredPayload) EventType() Type { return TypeStageEntered }

// RequirementCompletedPayload records completion of one required task
type RequirementCompletedPayload struct {
	TaskID string `json:"task_id"`
}

func (RequirementCompletedPayload) EventType() Type { return TypeRequirementCompleted }

// ApprovedPayload records the decision of one approver slot
type ApprovedPayload struct {
	SlotIndex int    `json:"slot_index"`
	Comment   string `json:"comment,omitempty"`
}

func (ApprovedPayload) EventType() Type { return TypeApproved }

// RejectedPayload records a rejection at one approver slot
type RejectedPayload struct {
	SlotIndex int    `json:"slot_index"`
	Reason    string `json:"reason"`
}

func (RejectedPayload) EventType() Type { return TypeRejected }

// EscalatedPayload records reassignment of the approval chain to a new slot
type EscalatedPayload struct {
	FromSlot int    `json:"from_slot"`
	ToSlot   int    `json:"to_slot"`
	Reason   string `json:"reason,omitempty"`
}

func (EscalatedPayload) EventType() Type { return TypeEscalated }

// DeadlineAddedPayload records arming of a deadline. DueAt is fixed at
// append time so replays reconstruct the same deadline.
type DeadlineAddedPayload struct {
	DeadlineID string                `json:"deadline_id"`
	DueAt      time.Time             `json:"due_at"`
	Kind       workflow.DeadlineKind `json:"kind"`
	StageIndex int                   `json:"stage_index"`
}

func (DeadlineAddedPayload) EventType() Type { return TypeDeadlineAdded }

// DeadlineFiredPayload records that a deadline expired and was consumed
type DeadlineFiredPayload struct {
	DeadlineID string                `json:"deadline_id"`
	Kind       workflow.DeadlineKind `json:"kind"`
}

func (DeadlineFiredPayload) EventType() Type { return TypeDeadlineFired }

// PausedPayload suspends the instance
type PausedPayload struct{}

func (PausedPayload) EventType() Type { return TypePaused }

// ResumedPayload resumes a paused instance
type ResumedPayload struct{}

func (ResumedPayload) EventType() Type { return TypeResumed }

// CancelledPayload terminates the instance at the caller's request
type CancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (CancelledPayload) EventType() Type { return TypeCancelled }

// CompletedPayload terminates the instance at a terminal stage. Outcome
// distinguishes a completed run from one that ended at the rejected stage.
type CompletedPayload struct {
	Outcome workflow.TerminalOutcome `json:"outcome"`
}

func (CompletedPayload) EventType() Type { return TypeCompleted }

// FailedPayload terminates the instance as a business failure
type FailedPayload struct {
	Reason string `json:"reason"`
}

func (FailedPayload) EventType() Type { return TypeFailed }

// FailureApprovalTimedOutNoEscalation is the Failed reason used when an
// approval timeout fires on a slot with no escalation target.
const FailureApprovalTimedOutNoEscalation = "ApprovalTimedOutNoEscalation"

// DecodePayload unmarshals a stored payload into its typed form based on
// the event type tag.
func DecodePayload(t Type, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}

	var p Payload
	switch t {
	case TypeStarted:
		p = &StartedPayload{}
	case TypeStageEntered:
		p = &StageEnteredPayload{}
	case TypeRequirementCompleted:
		p = &RequirementCompletedPayload{}
	case TypeApproved:
		p = &ApprovedPayload{}
	case TypeRejected:
		p = &RejectedPayload{}
	case TypeEscalated:
		p = &EscalatedPayload{}
	case TypeDeadlineAdded:
		p = &DeadlineAddedPayload{}
	case TypeDeadlineFired:
		p = &DeadlineFiredPayload{}
	case TypePaused:
		p = &PausedPayload{}
	case TypeResumed:
		p = &ResumedPayload{}
	case TypeCancelled:
		p = &CancelledPayload{}
	case TypeCompleted:
		p = &CompletedPayload{}
	case TypeFailed:
		p = &FailedPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
