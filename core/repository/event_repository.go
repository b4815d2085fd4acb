package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"hpc-orchestrator/core/models"
)

// EventRepository handles database operations for plan events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// GetPlanEvents retrieves events for a plan, oldest first
func (r *EventRepository) GetPlanEvents(ctx context.Context, planID string, limit int) ([]models.PlanEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id, plan_id, task_id, at, from_state, to_state, reason, meta_json
		FROM plan_events
		WHERE plan_id = $1
		ORDER BY at ASC, id ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan events: %w", err)
	}
	defer rows.Close()

	events := []models.PlanEvent{}
	for rows.Next() {
		var event models.PlanEvent
		var metaJSON string

		err := rows.Scan(
			&event.ID,
			&event.PlanID,
			&event.TaskID,
			&event.At,
			&event.FromState,
			&event.ToState,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan event: %w", err)
		}

		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &event.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode event meta: %w", err)
			}
		}

		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plan events: %w", err)
	}

	return events, nil
}
