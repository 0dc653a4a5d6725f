package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/event"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
	"github.com/mischa23v/caseflow/internal/infrastructure/persistence/sqlite"
)

// EventRepository implements port.EventStore on the workflow_events table.
// Rows are never updated or deleted; the (instance_id, sequence) primary key
// is the ordering and the concurrency backstop.
type EventRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *sqlite.DB, logger *zap.Logger) port.EventStore {
	return &EventRepository{db: db, logger: logger}
}

// Append writes the batch inside one transaction: either every event lands
// or none does. A stale afterSeq fails with workflow.ErrVersionConflict
// before anything is written.
func (r *EventRepository) Append(ctx context.Context, instanceID string, afterSeq int64, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}

	return r.db.WithTransaction(ctx, func(ctx context.Context) error {
		exec := getExecutor(ctx, r.db)

		var maxSeq int64
		err := exec.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(sequence), 0) FROM workflow_events WHERE instance_id = ?",
			instanceID,
		).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("failed to read max sequence: %w", err)
		}
		if maxSeq != afterSeq {
			return fmt.Errorf("%w: log at sequence %d, append expected %d",
				workflow.ErrVersionConflict, maxSeq, afterSeq)
		}

		const insert = `
			INSERT INTO workflow_events (
				instance_id, sequence, event_id, type, actor,
				correlation_id, payload, occurred_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		for _, evt := range events {
			payload, err := evt.MarshalPayload()
			if err != nil {
				return err
			}
			if _, err := exec.ExecContext(ctx, insert,
				evt.InstanceID,
				evt.Sequence,
				evt.ID,
				evt.Type.String(),
				evt.Actor,
				evt.CorrelationID,
				string(payload),
				evt.OccurredAt,
			); err != nil {
				r.logger.Error("Failed to append event",
					zap.String("instance_id", instanceID),
					zap.Int64("sequence", evt.Sequence),
					zap.Error(err))
				return fmt.Errorf("failed to append event: %w", err)
			}
		}
		return nil
	})
}

// Load returns the full ordered history for an instance
func (r *EventRepository) Load(ctx context.Context, instanceID string) ([]*event.Event, error) {
	const query = `
		SELECT event_id, sequence, type, actor, correlation_id, payload, occurred_at
		FROM workflow_events
		WHERE instance_id = ?
		ORDER BY sequence ASC
	`

	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		evt := &event.Event{InstanceID: instanceID}
		var eventType, payload string
		if err := rows.Scan(
			&evt.ID,
			&evt.Sequence,
			&eventType,
			&evt.Actor,
			&evt.CorrelationID,
			&payload,
			&evt.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Type = event.Type(eventType)
		evt.Payload, err = event.DecodePayload(evt.Type, []byte(payload))
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, instanceID)
	}
	return events, nil
}
