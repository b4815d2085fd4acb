package repository

import (
	"context"
	"fmt"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	state       TEXT NOT NULL,
	application TEXT NOT NULL,
	task_count  INTEGER NOT NULL,
	version     BIGINT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	document    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plans_state ON plans (state);
CREATE INDEX IF NOT EXISTS idx_plans_created ON plans (created_at, id);

CREATE TABLE IF NOT EXISTS plan_events (
	id         {{serial}},
	plan_id    TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	at         TIMESTAMP NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	meta_json  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_plan_events_plan ON plan_events (plan_id, at);

CREATE TABLE IF NOT EXISTS task_artifacts (
	id         {{serial}},
	plan_id    TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	path       TEXT NOT NULL,
	size       BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	meta_json  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts (plan_id, task_id);
`

// ensureSchema creates the tables if they do not exist
func (db *DB) ensureSchema(ctx context.Context) error {
	serial := "BIGSERIAL PRIMARY KEY"
	if db.dialect == DialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := strings.ReplaceAll(schema, "{{serial}}", serial)

	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
