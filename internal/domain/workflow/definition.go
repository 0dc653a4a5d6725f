package workflow

import (
	"fmt"
	"time"
)

// EntityType identifies which business entity family a definition drives
type EntityType string

const (
	EntityCase        EntityType = "case"
	EntityInvoice     EntityType = "invoice"
	EntityOnboarding  EntityType = "onboarding"
	EntityOffboarding EntityType = "offboarding"
	EntityGeneric     EntityType = "generic"
)

var validEntityTypes = map[EntityType]bool{
	EntityCase:        true,
	EntityInvoice:     true,
	EntityOnboarding:  true,
	EntityOffboarding: true,
	EntityGeneric:     true,
}

// IsValid returns true if the entity type is one of the known families
func (e EntityType) IsValid() bool {
	return validEntityTypes[e]
}

// TerminalOutcome classifies how a terminal stage ends an instance
type TerminalOutcome string

const (
	OutcomeCompleted TerminalOutcome = "completed"
	OutcomeCancelled TerminalOutcome = "cancelled"
	OutcomeRejected  TerminalOutcome = "rejected"
)

// StageDefinition describes one ordered stage of a workflow definition
type StageDefinition struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	RequiredTaskIDs  []string        `json:"required_task_ids,omitempty"`
	SLADuration      time.Duration   `json:"sla_duration,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	EscalateOnReject bool            `json:"escalate_on_reject,omitempty"`
	IsTerminal       bool            `json:"is_terminal,omitempty"`
	Outcome          TerminalOutcome `json:"outcome,omitempty"`
	OnEnterActions   []string        `json:"on_enter_actions,omitempty"`
}

// HasTask returns true if taskID is one of the stage's required tasks
func (s *StageDefinition) HasTask(taskID string) bool {
	for _, id := range s.RequiredTaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// NoEscalation marks an approver slot without an escalation target
const NoEscalation = -1

// ApproverSlot describes one step of an approval chain.
// ApproverSelector is an expression evaluated against the instance context
// (entity_type, entity_id, stage_id, slot_order) that yields the approver ID.
type ApproverSlot struct {
	Order            int           `json:"order"`
	ApproverSelector string        `json:"approver_selector"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	EscalateTo       int           `json:"escalate_to"`
}

// Definition is an immutable workflow template: ordered stages, the tasks
// each stage requires, SLA durations, and the approval chain shape.
type Definition struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	EntityType    EntityType        `json:"entity_type"`
	Stages        []StageDefinition `json:"stages"`
	ApprovalChain []ApproverSlot    `json:"approval_chain,omitempty"`
}

// Stage returns the stage at the given index, or nil if out of range
func (d *Definition) Stage(index int) *StageDefinition {
	if index < 0 || index >= len(d.Stages) {
		return nil
	}
	return &d.Stages[index]
}

// TerminalStageIndex returns the index of the terminal stage with the given
// outcome, or -1 if the definition has none.
func (d *Definition) TerminalStageIndex(outcome TerminalOutcome) int {
	for i := range d.Stages {
		if d.Stages[i].IsTerminal && d.Stages[i].Outcome == outcome {
			return i
		}
	}
	return -1
}

// Validate checks the structural invariants of a definition: non-empty
// ordered stages with unique IDs, at most one terminal stage per outcome,
// at least one completed terminal, and a coherent approval chain.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: definition id is required", ErrValidation)
	}
	if !d.EntityType.IsValid() {
		return fmt.Errorf("%w: invalid entity type %q", ErrValidation, d.EntityType)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: definition %s has no stages", ErrValidation, d.ID)
	}
	if d.Stages[0].IsTerminal {
		return fmt.Errorf("%w: definition %s starts at a terminal stage", ErrValidation, d.ID)
	}

	seenIDs := make(map[string]bool, len(d.Stages))
	seenOutcomes := make(map[TerminalOutcome]bool)
	hasApprovalStage := false
	for i := range d.Stages {
		st := &d.Stages[i]
		if st.ID == "" {
			return fmt.Errorf("%w: definition %s stage %d has no id", ErrValidation, d.ID, i)
		}
		if seenIDs[st.ID] {
			return fmt.Errorf("%w: definition %s has duplicate stage id %q", ErrValidation, d.ID, st.ID)
		}
		seenIDs[st.ID] = true

		if st.IsTerminal {
			if st.Outcome == "" {
				return fmt.Errorf("%w: terminal stage %q has no outcome", ErrValidation, st.ID)
			}
			if seenOutcomes[st.Outcome] {
				return fmt.Errorf("%w: definition %s has more than one %s terminal stage", ErrValidation, d.ID, st.Outcome)
			}
			seenOutcomes[st.Outcome] = true
			if len(st.RequiredTaskIDs) > 0 || st.RequiresApproval {
				return fmt.Errorf("%w: terminal stage %q cannot require tasks or approval", ErrValidation, st.ID)
			}
		} else if st.Outcome != "" {
			return fmt.Errorf("%w: non-terminal stage %q declares outcome %q", ErrValidation, st.ID, st.Outcome)
		}

		if st.RequiresApproval {
			hasApprovalStage = true
		}
	}

	if !seenOutcomes[OutcomeCompleted] {
		return fmt.Errorf("%w: definition %s has no completed terminal stage", ErrValidation, d.ID)
	}

	if hasApprovalStage {
		if len(d.ApprovalChain) == 0 {
			return fmt.Errorf("%w: definition %s requires approval but has no approval chain", ErrValidation, d.ID)
		}
		if seenOutcomes[OutcomeRejected] == false {
			return fmt.Errorf("%w: definition %s has an approval stage but no rejected terminal stage", ErrValidation, d.ID)
		}
	}

	for i, slot := range d.ApprovalChain {
		if slot.Order != i {
			return fmt.Errorf("%w: definition %s approval chain order must be contiguous from 0", ErrValidation, d.ID)
		}
		if slot.ApproverSelector == "" {
			return fmt.Errorf("%w: definition %s approver slot %d has no selector", ErrValidation, d.ID, i)
		}
		if slot.EscalateTo != NoEscalation {
			if slot.EscalateTo <= i || slot.EscalateTo >= len(d.ApprovalChain) {
				return fmt.Errorf("%w: definition %s approver slot %d escalates to invalid slot %d", ErrValidation, d.ID, i, slot.EscalateTo)
			}
		}
	}

	return nil
}
