// Package definitions holds the built-in workflow configurations: case
// lifecycle, invoice approval, employee onboarding, and employee
// offboarding. Each is a data value over the shared engine, not its own
// state machine; new process types are added here, not in engine code.
package definitions

import (
	"context"
	"time"

	"github.com/mischa23v/caseflow/internal/application/engine"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// CaseLifecycle drives a legal case from intake to closure
func CaseLifecycle() *workflow.Definition {
	return &workflow.Definition{
		ID:         "case-lifecycle-v1",
		Name:       "Case Lifecycle",
		EntityType: workflow.EntityCase,
		Stages: []workflow.StageDefinition{
			{
				ID:              "intake",
				Name:            "Intake",
				RequiredTaskIDs: []string{"verify_parties", "conflict_check"},
			},
			{
				ID:              "filing",
				Name:            "Filing",
				RequiredTaskIDs: []string{"prepare_filing", "submit_filing"},
				SLADuration:     72 * time.Hour,
			},
			{
				ID:              "hearing",
				Name:            "Hearing",
				RequiredTaskIDs: []string{"schedule_hearing", "attend_hearing"},
			},
			{
				ID:              "judgment",
				Name:            "Judgment",
				RequiredTaskIDs: []string{"record_judgment"},
				SLADuration:     14 * 24 * time.Hour,
			},
			{
				ID:         "closed",
				Name:       "Closed",
				IsTerminal: true,
				Outcome:    workflow.OutcomeCompleted,
			},
		},
	}
}

// InvoiceApproval drives an invoice through a two-level approval chain
// before posting. A first-level timeout escalates to the director; a
// director timeout fails the instance.
func InvoiceApproval() *workflow.Definition {
	return &workflow.Definition{
		ID:         "invoice-approval-v1",
		Name:       "Invoice Approval",
		EntityType: workflow.EntityInvoice,
		Stages: []workflow.StageDefinition{
			{
				ID:              "submission",
				Name:            "Submission",
				RequiredTaskIDs: []string{"attach_invoice", "code_expense"},
			},
			{
				ID:               "review",
				Name:             "Review",
				RequiresApproval: true,
			},
			{
				ID:              "posting",
				Name:            "Posting",
				RequiredTaskIDs: []string{"post_to_ledger"},
				SLADuration:     48 * time.Hour,
			},
			{
				ID:         "paid",
				Name:       "Paid",
				IsTerminal: true,
				Outcome:    workflow.OutcomeCompleted,
			},
			{
				ID:         "rejected",
				Name:       "Rejected",
				IsTerminal: true,
				Outcome:    workflow.OutcomeRejected,
			},
		},
		ApprovalChain: []workflow.ApproverSlot{
			{
				Order:            0,
				ApproverSelector: `"finance_manager"`,
				Timeout:          24 * time.Hour,
				EscalateTo:       1,
			},
			{
				Order:            1,
				ApproverSelector: `"finance_director"`,
				Timeout:          48 * time.Hour,
				EscalateTo:       workflow.NoEscalation,
			},
		},
	}
}

// EmployeeOnboarding drives a new hire through pre-boarding, documentation,
// and training.
func EmployeeOnboarding() *workflow.Definition {
	return &workflow.Definition{
		ID:         "employee-onboarding-v1",
		Name:       "Employee Onboarding",
		EntityType: workflow.EntityOnboarding,
		Stages: []workflow.StageDefinition{
			{
				ID:              "pre_boarding",
				Name:            "Pre-boarding",
				RequiredTaskIDs: []string{"sign_contract", "collect_documents"},
			},
			{
				ID:              "documentation",
				Name:            "Documentation",
				RequiredTaskIDs: []string{"issue_badge", "provision_it_account"},
				SLADuration:     72 * time.Hour,
			},
			{
				ID:              "training",
				Name:            "Training",
				RequiredTaskIDs: []string{"orientation", "compliance_training"},
				SLADuration:     14 * 24 * time.Hour,
			},
			{
				ID:         "active",
				Name:       "Active",
				IsTerminal: true,
				Outcome:    workflow.OutcomeCompleted,
			},
		},
	}
}

// EmployeeOffboarding drives a departure through the notice period,
// clearance, and an HR-approved final settlement. A settlement rejection
// escalates rather than terminating, since the employee still has to exit.
func EmployeeOffboarding() *workflow.Definition {
	return &workflow.Definition{
		ID:         "employee-offboarding-v1",
		Name:       "Employee Offboarding",
		EntityType: workflow.EntityOffboarding,
		Stages: []workflow.StageDefinition{
			{
				ID:              "notice_period",
				Name:            "Notice Period",
				RequiredTaskIDs: []string{"acknowledge_resignation"},
				SLADuration:     30 * 24 * time.Hour,
			},
			{
				ID:              "clearance",
				Name:            "Clearance",
				RequiredTaskIDs: []string{"return_equipment", "revoke_access", "knowledge_transfer"},
				SLADuration:     7 * 24 * time.Hour,
			},
			{
				ID:               "final_settlement",
				Name:             "Final Settlement",
				RequiresApproval: true,
				EscalateOnReject: true,
			},
			{
				ID:         "exited",
				Name:       "Exited",
				IsTerminal: true,
				Outcome:    workflow.OutcomeCompleted,
			},
			{
				ID:         "rejected",
				Name:       "Settlement Disputed",
				IsTerminal: true,
				Outcome:    workflow.OutcomeRejected,
			},
		},
		ApprovalChain: []workflow.ApproverSlot{
			{
				Order:            0,
				ApproverSelector: `"hr_manager"`,
				Timeout:          48 * time.Hour,
				EscalateTo:       1,
			},
			{
				Order:            1,
				ApproverSelector: `"hr_director"`,
				Timeout:          72 * time.Hour,
				EscalateTo:       workflow.NoEscalation,
			},
		},
	}
}

// All returns the four built-in definitions
func All() []*workflow.Definition {
	return []*workflow.Definition{
		CaseLifecycle(),
		InvoiceApproval(),
		EmployeeOnboarding(),
		EmployeeOffboarding(),
	}
}

// RegisterBuiltins registers every built-in definition, skipping any that a
// previous run already persisted.
func RegisterBuiltins(ctx context.Context, registry *engine.Registry) error {
	existing := make(map[string]bool)
	defs, err := registry.List(ctx)
	if err == nil {
		for _, d := range defs {
			existing[d.ID] = true
		}
	}

	for _, def := range All() {
		if existing[def.ID] {
			continue
		}
		if err := registry.Register(ctx, def); err != nil {
			return err
		}
	}
	return nil
}
