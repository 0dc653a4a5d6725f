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

// DefinitionRepository implements port.DefinitionStore on the
// workflow_definitions table
type DefinitionRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewDefinitionRepository creates a new definition repository
func NewDefinitionRepository(db *sqlite.DB, logger *zap.Logger) port.DefinitionStore {
	return &DefinitionRepository{db: db, logger: logger}
}

// Save persists a definition. Definitions are immutable so an existing ID
// is left untouched.
func (r *DefinitionRepository) Save(ctx context.Context, def *workflow.Definition) error {
	document, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	const query = `
		INSERT INTO workflow_definitions (id, name, entity_type, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := getExecutor(ctx, r.db).ExecContext(ctx, query,
		def.ID, def.Name, string(def.EntityType), string(document),
	); err != nil {
		r.logger.Error("Failed to save definition",
			zap.String("definition_id", def.ID), zap.Error(err))
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// Get retrieves a definition by ID
func (r *DefinitionRepository) Get(ctx context.Context, id string) (*workflow.Definition, error) {
	const query = "SELECT document FROM workflow_definitions WHERE id = ?"

	var document string
	err := getExecutor(ctx, r.db).QueryRowContext(ctx, query, id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal([]byte(document), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return &def, nil
}

// List returns all registered definitions
func (r *DefinitionRepository) List(ctx context.Context) ([]*workflow.Definition, error) {
	const query = "SELECT document FROM workflow_definitions ORDER BY id ASC"

	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*workflow.Definition
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		var def workflow.Definition
		if err := json.Unmarshal([]byte(document), &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}
