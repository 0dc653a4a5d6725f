package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
	"github.com/mischa23v/caseflow/internal/infrastructure/persistence/sqlite"
)

// ProjectionRepository implements port.ProjectionStore on the
// workflow_projections table. The full instance is stored as a JSON
// document; status and entity columns exist for the facade's filters.
type ProjectionRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewProjectionRepository creates a new projection repository
func NewProjectionRepository(db *sqlite.DB, logger *zap.Logger) port.ProjectionStore {
	return &ProjectionRepository{db: db, logger: logger}
}

// Save upserts the latest projection for an instance
func (r *ProjectionRepository) Save(ctx context.Context, inst *workflow.Instance) error {
	document, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal projection: %w", err)
	}

	const query = `
		INSERT INTO workflow_projections (
			instance_id, definition_id, entity_type, entity_id,
			status, version, document, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			document = excluded.document,
			updated_at = excluded.updated_at
	`

	if _, err := getExecutor(ctx, r.db).ExecContext(ctx, query,
		inst.ID,
		inst.DefinitionID,
		string(inst.EntityRef.Type),
		inst.EntityRef.ID,
		inst.Status.String(),
		inst.Version,
		string(document),
		inst.UpdatedAt,
	); err != nil {
		r.logger.Error("Failed to save projection",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return fmt.Errorf("failed to save projection: %w", err)
	}
	return nil
}

// Get retrieves the cached projection for an instance
func (r *ProjectionRepository) Get(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	const query = "SELECT document FROM workflow_projections WHERE instance_id = ?"
	return r.scanOne(getExecutor(ctx, r.db).QueryRowContext(ctx, query, instanceID), instanceID)
}

// GetByEntityRef resolves the most recent instance bound to an entity
func (r *ProjectionRepository) GetByEntityRef(ctx context.Context, ref workflow.EntityRef) (*workflow.Instance, error) {
	const query = `
		SELECT document FROM workflow_projections
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return r.scanOne(
		getExecutor(ctx, r.db).QueryRowContext(ctx, query, string(ref.Type), ref.ID),
		ref.String(),
	)
}

// ListByStatus returns all projections with the given status
func (r *ProjectionRepository) ListByStatus(ctx context.Context, status workflow.Status) ([]*workflow.Instance, error) {
	const query = "SELECT document FROM workflow_projections WHERE status = ? ORDER BY updated_at ASC"

	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, query, status.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list projections: %w", err)
	}
	defer rows.Close()

	var instances []*workflow.Instance
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan projection: %w", err)
		}
		inst, err := unmarshalInstance(document)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (r *ProjectionRepository) scanOne(row *sql.Row, key string) (*workflow.Instance, error) {
	var document string
	if err := row.Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, key)
		}
		return nil, fmt.Errorf("failed to get projection: %w", err)
	}
	return unmarshalInstance(document)
}

func unmarshalInstance(document string) (*workflow.Instance, error) {
	inst := workflow.NewInstance()
	if err := json.Unmarshal([]byte(document), inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal projection: %w", err)
	}
	return inst, nil
}
