package event

// Type identifies the type of workflow event
type Type string

const (
	TypeStarted              Type = "workflow.started"
	TypeStageEntered         Type = "workflow.stage_entered"
	TypeRequirementCompleted Type = "workflow.requirement_completed"
	TypeApproved             Type = "workflow.approved"
	TypeRejected             Type = "workflow.rejected"
	TypeEscalated            Type = "workflow.escalated"
	TypeDeadlineAdded        Type = "workflow.deadline_added"
	TypeDeadlineFired        Type = "workflow.deadline_fired"
	TypePaused               Type = "workflow.paused"
	TypeResumed              Type = "workflow.resumed"
	TypeCancelled            Type = "workflow.cancelled"
	TypeCompleted            Type = "workflow.completed"
	TypeFailed               Type = "workflow.failed"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeStarted,
		TypeStageEntered,
		TypeRequirementCompleted,
		TypeApproved,
		TypeRejected,
		TypeEscalated,
		TypeDeadlineAdded,
		TypeDeadlineFired,
		TypePaused,
		TypeResumed,
		TypeCancelled,
		TypeCompleted,
		TypeFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for event types that freeze the instance
func (t Type) IsTerminal() bool {
	switch t {
	case TypeCancelled, TypeCompleted, TypeFailed:
		return true
	default:
		return false
	}
}
