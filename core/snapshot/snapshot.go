// Package snapshot stores plans as self-contained local JSON documents.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
)

// Write serializes plan to path, replacing any previous snapshot atomically
func Write(path string, plan *models.Plan) error {
	const op = "snapshot.Write"
	if plan == nil {
		return errs.Newf(errs.KindPersistence, op, "plan is nil")
	}
	if strings.TrimSpace(path) == "" {
		return errs.Newf(errs.KindValidation, op, "snapshot path is empty")
	}

	b, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return errs.Newf(errs.KindPersistence, op, "marshal plan: %w", err).WithPlan(plan.ID)
	}
	b = append(b, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Newf(errs.KindPersistence, op, "create snapshot dir: %w", err).WithPath(path)
	}
	if err := WriteFileAtomic(path, b, 0o644); err != nil {
		return errs.New(errs.KindPersistence, op, err).WithPlan(plan.ID).WithPath(path)
	}
	return nil
}

// Read loads a plan snapshot from path
func Read(path string) (*models.Plan, error) {
	const op = "snapshot.Read"

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.KindNotFound, op, err).WithPath(path)
		}
		return nil, errs.New(errs.KindPersistence, op, err).WithPath(path)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, errs.Newf(errs.KindPersistence, op, "snapshot is empty").WithPath(path)
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
		return nil, errs.Newf(errs.KindPersistence, op, "parse snapshot: %w", err).WithPath(path)
	}
	if len(plan.Tasks) == 0 {
		return nil, errs.Newf(errs.KindPersistence, op, "snapshot has no tasks").WithPath(path)
	}
	return &plan, nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it into place
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
