package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
)

// PlanRepository is the remote authoritative plan store
type PlanRepository struct {
	db *DB
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(db *DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Save upserts a plan keyed by its identity, assigning one on first save.
// plan.Version must be the stored revision; saving over a newer revision
// fails with errs.ErrConflict and writes nothing. plan.ID, plan.Version and
// plan.UpdatedAt are only updated once the write has committed. Saving an
// unchanged plan writes nothing.
func (r *PlanRepository) Save(ctx context.Context, plan *models.Plan) (string, error) {
	if plan == nil {
		return "", fmt.Errorf("plan is nil")
	}

	doc := plan.Clone()
	doc.LocalPath = "" // Machine-local marker, never shared
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, prevRaw, err := loadDocument(ctx, tx, doc.ID)
	if err != nil && !errs.IsNotFound(err) {
		return "", err
	}

	if prev != nil {
		if doc.Version != prev.Version {
			return "", errs.New(errs.KindPersistence, "PlanRepository.Save",
				fmt.Errorf("%w: saving over revision %d, stored revision is %d", errs.ErrConflict, doc.Version, prev.Version)).WithPlan(doc.ID)
		}
		doc.UpdatedAt = prev.UpdatedAt
		unchanged, err := json.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("failed to encode plan: %w", err)
		}
		if string(unchanged) == prevRaw {
			plan.ID = doc.ID
			plan.Version = doc.Version
			plan.UpdatedAt = doc.UpdatedAt
			return doc.ID, nil
		}
	}

	doc.Version++
	doc.UpdatedAt = models.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	document, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, name, state, application, task_count, version, created_at, updated_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			application = excluded.application,
			task_count = excluded.task_count,
			version = excluded.version,
			updated_at = excluded.updated_at,
			document = excluded.document
	`
	_, err = tx.ExecContext(ctx, query,
		doc.ID,
		doc.Name,
		string(doc.State),
		string(doc.Experiment.Application),
		len(doc.Tasks),
		doc.Version,
		doc.CreatedAt.UTC(),
		doc.UpdatedAt.UTC(),
		string(document),
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert plan: %w", err)
	}

	for _, ev := range models.StateChanges(prev, &doc, "save") {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit plan: %w", err)
	}

	plan.ID = doc.ID
	plan.Version = doc.Version
	plan.UpdatedAt = doc.UpdatedAt
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = doc.CreatedAt
	}
	return doc.ID, nil
}

// Load retrieves a plan by ID
func (r *PlanRepository) Load(ctx context.Context, id string) (*models.Plan, error) {
	var document string
	err := r.db.QueryRowContext(ctx, `SELECT document FROM plans WHERE id = $1`, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "PlanRepository.Load", "plan %s does not exist", id).WithPlan(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", id, err)
	}
	return decodeDocument(id, document)
}

// Query lists plan summaries ordered by creation time, then id
func (r *PlanRepository) Query(ctx context.Context, filter models.PlanFilter) ([]models.PlanSummary, error) {
	query := `
		SELECT id, name, state, application, task_count, version, created_at, updated_at
		FROM plans
		WHERE 1 = 1
	`
	var args []interface{}
	argIndex := 1

	if filter.State != nil {
		query += fmt.Sprintf(" AND state = $%d", argIndex)
		args = append(args, string(*filter.State))
		argIndex++
	}
	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argIndex)
		args = append(args, filter.Name)
		argIndex++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	summaries := []models.PlanSummary{}
	for rows.Next() {
		var s models.PlanSummary
		var state, app string
		if err := rows.Scan(&s.ID, &s.Name, &state, &app, &s.TaskCount, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		s.State = models.PlanState(state)
		s.Application = models.AppKind(app)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return summaries, nil
}

// Delete removes a plan with its events and artifact records
func (r *PlanRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	if n == 0 {
		return errs.Newf(errs.KindNotFound, "PlanRepository.Delete", "plan %s does not exist", id).WithPlan(id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_events WHERE plan_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete plan events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_artifacts WHERE plan_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete plan artifacts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// loadDocument reads the stored document inside a transaction
func loadDocument(ctx context.Context, tx *Tx, id string) (*models.Plan, string, error) {
	var document string
	err := tx.QueryRowContext(ctx, `SELECT document FROM plans WHERE id = $1`, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", errs.Newf(errs.KindNotFound, "PlanRepository.Save", "plan %s does not exist", id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read plan %s: %w", id, err)
	}
	plan, err := decodeDocument(id, document)
	if err != nil {
		return nil, "", err
	}
	return plan, document, nil
}

func decodeDocument(id, document string) (*models.Plan, error) {
	var plan models.Plan
	if err := json.Unmarshal([]byte(document), &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", id, err)
	}
	plan.ID = id
	return &plan, nil
}

func insertEvent(ctx context.Context, tx *Tx, ev models.PlanEvent) error {
	metaJSON := ""
	if len(ev.Meta) > 0 {
		b, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode event meta: %w", err)
		}
		metaJSON = string(b)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	query := `
		INSERT INTO plan_events (plan_id, task_id, at, from_state, to_state, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, query, ev.PlanID, ev.TaskID, at.UTC(), ev.FromState, ev.ToState, ev.Reason, metaJSON); err != nil {
		return fmt.Errorf("failed to insert plan event: %w", err)
	}
	return nil
}
