package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"hpc-orchestrator/core/models"
)

// ArtifactRepository records files transferred into and out of task working directories
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// RecordArtifact stores one transfer record
func (r *ArtifactRepository) RecordArtifact(ctx context.Context, a *models.TaskArtifact) error {
	metaJSON := ""
	if len(a.Meta) > 0 {
		b, err := json.Marshal(a.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode artifact meta: %w", err)
		}
		metaJSON = string(b)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = models.Now()
	}

	query := `
		INSERT INTO task_artifacts (plan_id, task_id, kind, path, size, created_at, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.PlanID,
		a.TaskID,
		string(a.Kind),
		a.Path,
		a.Size,
		a.CreatedAt.UTC(),
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	return nil
}

// GetTaskArtifacts retrieves transfer records for a plan, optionally narrowed
// to one task and kind
func (r *ArtifactRepository) GetTaskArtifacts(ctx context.Context, planID, taskID string, kind *models.ArtifactKind) ([]models.TaskArtifact, error) {
	query := `
		SELECT id, plan_id, task_id, kind, path, size, created_at, meta_json
		FROM task_artifacts
		WHERE plan_id = $1
	`
	args := []interface{}{planID}
	argIndex := 2

	if taskID != "" {
		query += fmt.Sprintf(" AND task_id = $%d", argIndex)
		args = append(args, taskID)
		argIndex++
	}
	if kind != nil {
		query += fmt.Sprintf(" AND kind = $%d", argIndex)
		args = append(args, string(*kind))
	}

	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []models.TaskArtifact{}
	for rows.Next() {
		var artifact models.TaskArtifact
		var kindStr, metaJSON string

		err := rows.Scan(
			&artifact.ID,
			&artifact.PlanID,
			&artifact.TaskID,
			&kindStr,
			&artifact.Path,
			&artifact.Size,
			&artifact.CreatedAt,
			&metaJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifact.Kind = models.ArtifactKind(kindStr)

		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &artifact.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode artifact meta: %w", err)
			}
		}

		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate artifacts: %w", err)
	}

	return artifacts, nil
}
