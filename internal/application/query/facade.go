// Package query exposes the read-only composed views external callers use:
// status, history, pending approvals, and needing-attention. It never
// mutates state and never bypasses the projector.
package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/engine"
	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

// PendingApproval is one instance currently waiting on a given approver
type PendingApproval struct {
	Instance   *workflow.Instance `json:"instance"`
	StageID    string             `json:"stage_id"`
	SlotIndex  int                `json:"slot_index"`
	ApproverID string             `json:"approver_id"`
	// DueAt is the slot's timeout deadline, zero if the slot has none.
	DueAt time.Time `json:"due_at,omitempty"`
}

// AttentionItem is one instance with a deadline at or past its threshold
type AttentionItem struct {
	Instance *workflow.Instance `json:"instance"`
	Deadline workflow.Deadline  `json:"deadline"`
	// Overdue is how far past due the deadline is; negative means it is
	// still inside the threshold window but not yet due.
	Overdue time.Duration `json:"overdue"`
}

// Facade composes the projector and the event log into read-only views
type Facade struct {
	engine      *engine.Engine
	registry    *engine.Registry
	resolver    *engine.ApproverResolver
	events      port.EventStore
	projections port.ProjectionStore
	logger      *zap.Logger
}

// NewFacade creates the query facade
func NewFacade(
	eng *engine.Engine,
	registry *engine.Registry,
	resolver *engine.ApproverResolver,
	events port.EventStore,
	projections port.ProjectionStore,
	logger *zap.Logger,
) *Facade {
	return &Facade{
		engine:      eng,
		registry:    registry,
		resolver:    resolver,
		events:      events,
		projections: projections,
		logger:      logger,
	}
}

// GetStatus returns the current projection of an instance, rebuilding it
// from the event log on a cache miss.
func (f *Facade) GetStatus(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	return f.engine.GetInstance(ctx, instanceID)
}

// GetStatusByEntity resolves the instance bound to an external entity
func (f *Facade) GetStatusByEntity(ctx context.Context, ref workflow.EntityRef) (*workflow.Instance, error) {
	return f.projections.GetByEntityRef(ctx, ref)
}

// GetHistory returns the full ordered event history of an instance
func (f *Facade) GetHistory(ctx context.Context, instanceID string) ([]*event.Event, error) {
	return f.events.Load(ctx, instanceID)
}

// GetPendingApprovals returns every running instance whose current approver
// slot resolves to the given approver. An empty approverID matches all.
func (f *Facade) GetPendingApprovals(ctx context.Context, approverID string) ([]PendingApproval, error) {
	running, err := f.projections.ListByStatus(ctx, workflow.StatusRunning)
	if err != nil {
		return nil, err
	}

	pending := make([]PendingApproval, 0)
	for _, inst := range running {
		def, err := f.registry.Get(ctx, inst.DefinitionID)
		if err != nil {
			f.logger.Warn("Skipping instance with unknown definition",
				zap.String("instance_id", inst.ID),
				zap.String("definition_id", inst.DefinitionID))
			continue
		}

		stage := def.Stage(inst.CurrentStageIndex)
		if stage == nil || !stage.RequiresApproval || inst.Approval == nil {
			continue
		}
		slot := inst.Approval.CurrentApproverIndex
		if slot >= len(def.ApprovalChain) {
			continue
		}

		approver, err := f.resolver.Resolve(inst, stage, def.ApprovalChain[slot])
		if err != nil {
			f.logger.Warn("Approver selector failed",
				zap.String("instance_id", inst.ID), zap.Error(err))
			continue
		}
		if approverID != "" && approver != approverID {
			continue
		}

		item := PendingApproval{
			Instance:   inst,
			StageID:    stage.ID,
			SlotIndex:  slot,
			ApproverID: approver,
		}
		if d, ok := inst.ActiveDeadlines[workflow.ApprovalTimeoutDeadlineID(stage.ID, slot)]; ok {
			item.DueAt = d.DueAt
		}
		pending = append(pending, item)
	}
	return pending, nil
}

// GetNeedingAttention returns running instances with an active deadline due
// within the threshold (or already overdue but not yet fired). It compares
// against the clock directly rather than waiting for the scheduler tick.
func (f *Facade) GetNeedingAttention(ctx context.Context, threshold time.Duration) ([]AttentionItem, error) {
	running, err := f.projections.ListByStatus(ctx, workflow.StatusRunning)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cutoff := now.Add(threshold)

	items := make([]AttentionItem, 0)
	for _, inst := range running {
		for _, d := range inst.ActiveDeadlines {
			if d.DueAt.After(cutoff) {
				continue
			}
			items = append(items, AttentionItem{
				Instance: inst,
				Deadline: d,
				Overdue:  now.Sub(d.DueAt),
			})
		}
	}
	return items, nil
}
