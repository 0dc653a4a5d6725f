package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
	"github.com/mischa23v/caseflow/internal/infrastructure/persistence/sqlite"
)

// DeadlineRepository implements port.DeadlineStore on the workflow_deadlines
// table, the durable index the scheduler rebuilds its heap from on restart.
type DeadlineRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewDeadlineRepository creates a new deadline repository
func NewDeadlineRepository(db *sqlite.DB, logger *zap.Logger) port.DeadlineStore {
	return &DeadlineRepository{db: db, logger: logger}
}

// Save upserts one deadline entry
func (r *DeadlineRepository) Save(ctx context.Context, instanceID string, d workflow.Deadline) error {
	const query = `
		INSERT INTO workflow_deadlines (instance_id, deadline_id, due_at, kind, stage_index)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, deadline_id) DO UPDATE SET
			due_at = excluded.due_at,
			kind = excluded.kind,
			stage_index = excluded.stage_index
	`
	if _, err := getExecutor(ctx, r.db).ExecContext(ctx, query,
		instanceID, d.ID, d.DueAt, string(d.Kind), d.StageIndex,
	); err != nil {
		r.logger.Error("Failed to save deadline",
			zap.String("instance_id", instanceID),
			zap.String("deadline_id", d.ID),
			zap.Error(err))
		return fmt.Errorf("failed to save deadline: %w", err)
	}
	return nil
}

// Delete removes a deadline entry; deleting a missing entry is a no-op
func (r *DeadlineRepository) Delete(ctx context.Context, instanceID, deadlineID string) error {
	const query = "DELETE FROM workflow_deadlines WHERE instance_id = ? AND deadline_id = ?"
	if _, err := getExecutor(ctx, r.db).ExecContext(ctx, query, instanceID, deadlineID); err != nil {
		return fmt.Errorf("failed to delete deadline: %w", err)
	}
	return nil
}

// ListActive returns all persisted deadlines ordered by due time
func (r *DeadlineRepository) ListActive(ctx context.Context) ([]port.ActiveDeadline, error) {
	const query = `
		SELECT instance_id, deadline_id, due_at, kind, stage_index
		FROM workflow_deadlines
		ORDER BY due_at ASC
	`

	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list deadlines: %w", err)
	}
	defer rows.Close()

	var deadlines []port.ActiveDeadline
	for rows.Next() {
		var entry port.ActiveDeadline
		var kind string
		if err := rows.Scan(
			&entry.InstanceID,
			&entry.Deadline.ID,
			&entry.Deadline.DueAt,
			&kind,
			&entry.Deadline.StageIndex,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deadline: %w", err)
		}
		entry.Deadline.Kind = workflow.DeadlineKind(kind)
		deadlines = append(deadlines, entry)
	}
	return deadlines, rows.Err()
}
