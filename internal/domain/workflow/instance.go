package workflow

import (
	"fmt"
	"time"
)

// EntityRef is an opaque reference to the external business entity a
// workflow instance drives. The entity itself is owned by its collaborator
// module and never embedded here.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// String returns the canonical "type/id" form of the reference
func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// DeadlineKind classifies what a deadline enforces when it fires
type DeadlineKind string

const (
	DeadlineStageSLA        DeadlineKind = "stage_sla"
	DeadlineApprovalTimeout DeadlineKind = "approval_timeout"
	DeadlineCustom          DeadlineKind = "custom"
)

// Deadline is one active time bound on an instance. Deadline IDs derived
// from the definition (stage SLA, approver timeouts) are deterministic so
// replaying the event log reproduces them exactly.
type Deadline struct {
	ID    string       `json:"id"`
	DueAt time.Time    `json:"due_at"`
	Kind  DeadlineKind `json:"kind"`
	// Stage the deadline was armed in; used to cancel it on stage exit.
	StageIndex int `json:"stage_index"`
}

// SlotDecision records the outcome of one approver slot
type SlotDecision string

const (
	SlotPending  SlotDecision = "pending"
	SlotApproved SlotDecision = "approved"
	SlotRejected SlotDecision = "rejected"
	SlotSkipped  SlotDecision = "skipped"
)

// SlotStatus is the per-approver-slot state within an approval chain
type SlotStatus struct {
	Decision  SlotDecision `json:"decision"`
	Actor     string       `json:"actor,omitempty"`
	Comment   string       `json:"comment,omitempty"`
	DecidedAt *time.Time   `json:"decided_at,omitempty"`
}

// ApprovalState tracks progress through a definition's approval chain
type ApprovalState struct {
	CurrentApproverIndex int          `json:"current_approver_index"`
	Slots                []SlotStatus `json:"slots"`
}

// Instance is the projected state of one running (or terminal) workflow
// execution. It is derived purely by folding the instance's event log and
// is mutated only through accepted signals.
type Instance struct {
	ID           string    `json:"id"`
	DefinitionID string    `json:"definition_id"`
	EntityRef    EntityRef `json:"entity_ref"`

	Status            Status          `json:"status"`
	CurrentStageIndex int             `json:"current_stage_index"`
	CompletedTaskIDs  map[string]bool `json:"completed_task_ids"`
	Approval          *ApprovalState  `json:"approval,omitempty"`

	// ActiveDeadlines maps deadline ID to its definition. Guarded by the
	// instance's single-writer lock in the dispatcher.
	ActiveDeadlines map[string]Deadline `json:"active_deadlines"`

	// Version equals the sequence number of the last applied event, so every
	// accepted signal strictly increases it.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstance returns an empty instance ready to fold events into
func NewInstance() *Instance {
	return &Instance{
		CompletedTaskIDs: make(map[string]bool),
		ActiveDeadlines:  make(map[string]Deadline),
	}
}

// IsTaskCompleted returns true if the task was completed in the current stage
func (i *Instance) IsTaskCompleted(taskID string) bool {
	return i.CompletedTaskIDs[taskID]
}

// AllTasksCompleted returns true if every required task of the stage is done
func (i *Instance) AllTasksCompleted(stage *StageDefinition) bool {
	for _, id := range stage.RequiredTaskIDs {
		if !i.CompletedTaskIDs[id] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the instance. The dispatcher folds new events
// into a clone so a failed append never corrupts the cached projection.
func (i *Instance) Clone() *Instance {
	cp := *i

	cp.CompletedTaskIDs = make(map[string]bool, len(i.CompletedTaskIDs))
	for k, v := range i.CompletedTaskIDs {
		cp.CompletedTaskIDs[k] = v
	}

	cp.ActiveDeadlines = make(map[string]Deadline, len(i.ActiveDeadlines))
	for k, v := range i.ActiveDeadlines {
		cp.ActiveDeadlines[k] = v
	}

	if i.Approval != nil {
		appr := *i.Approval
		appr.Slots = append([]SlotStatus(nil), i.Approval.Slots...)
		cp.Approval = &appr
	}

	return &cp
}

// StageSLADeadlineID returns the deterministic deadline ID for a stage SLA
func StageSLADeadlineID(stageID string) string {
	return fmt.Sprintf("sla-%s", stageID)
}

// ApprovalTimeoutDeadlineID returns the deterministic deadline ID for an
// approver slot's timeout
func ApprovalTimeoutDeadlineID(stageID string, slot int) string {
	return fmt.Sprintf("appr-%s-%d", stageID, slot)
}
