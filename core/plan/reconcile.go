package plan

import (
	"fmt"
	"time"

	"hpc-orchestrator/core/models"
)

// Reconcile merges a local snapshot into the remote record. The remote copy
// wins for identity, lifecycle and task states; the local snapshot only
// contributes what the remote copy lacks: its path, unknown fields and task
// working directories. local may be nil.
func Reconcile(remote models.Plan, local *models.Plan) (models.Plan, error) {
	out := remote.Clone()
	if local == nil {
		return out, nil
	}
	if local.ID != "" && local.ID != remote.ID {
		return models.Plan{}, fmt.Errorf("local snapshot belongs to plan %s, not %s", local.ID, remote.ID)
	}

	out.LocalPath = local.LocalPath
	out.Extra = mergeExtra(out.Extra, local.Extra)

	localTasks := make(map[string]models.Task, len(local.Tasks))
	for _, t := range local.Tasks {
		localTasks[t.ID] = t
	}
	for i := range out.Tasks {
		lt, ok := localTasks[out.Tasks[i].ID]
		if !ok {
			continue
		}
		if out.Tasks[i].WorkDir == "" {
			out.Tasks[i].WorkDir = lt.WorkDir
		}
		out.Tasks[i].Extra = mergeExtra(out.Tasks[i].Extra, lt.Extra)
	}
	return out, nil
}

// Rebase merges the record held by a handle onto a newer remote revision of
// the same plan. A stop request or a terminal task state recorded on either
// side is kept, launch results the remote lacks are taken from mine, and a
// newer task status wins. The plan state is recomputed from the merged tasks
// and never leaves a terminal remote state.
func Rebase(remote, mine models.Plan) models.Plan {
	out := remote.Clone()
	out.LocalPath = mine.LocalPath
	out.Extra = mergeExtra(out.Extra, mine.Extra)
	out.StopRequested = remote.StopRequested || mine.StopRequested
	if out.LaunchedAt == nil && mine.LaunchedAt != nil {
		at := *mine.LaunchedAt
		out.LaunchedAt = &at
	}
	if out.SavedAt == nil && mine.SavedAt != nil {
		at := *mine.SavedAt
		out.SavedAt = &at
	}

	ours := make(map[string]models.Task, len(mine.Tasks))
	for _, t := range mine.Tasks {
		ours[t.ID] = t
	}
	for i := range out.Tasks {
		if t, ok := ours[out.Tasks[i].ID]; ok {
			out.Tasks[i] = mergeTask(out.Tasks[i], t)
		}
	}

	base := remote.State
	if !base.IsLaunched() && mine.State.IsLaunched() {
		base = models.PlanStateLaunched
	}
	if base.IsLaunched() {
		out.State = next(base, out.StopRequested, out.TaskStates())
	}
	return out
}

// mergeTask combines two versions of a task; remote is already a copy
func mergeTask(remote, mine models.Task) models.Task {
	out := remote
	if out.WorkDir == "" {
		out.WorkDir = mine.WorkDir
	}
	out.Extra = mergeExtra(out.Extra, mine.Extra)
	if out.Error == "" {
		out.Error = mine.Error
	}
	if remote.State.IsTerminal() {
		return out
	}

	launchedHere := remote.JobID == "" && mine.JobID != ""
	if mine.State.IsTerminal() || launchedHere || newer(mine.StatusAt, remote.StatusAt) {
		out.JobID = mine.JobID
		out.State = mine.State
		out.RawState = mine.RawState
		out.Error = mine.Error
		out.StatusAt = nil
		if mine.StatusAt != nil {
			at := *mine.StatusAt
			out.StatusAt = &at
		}
		if launchedHere {
			out.WorkDir = mine.WorkDir
		}
	}
	return out
}

func newer(a, b *time.Time) bool {
	return a != nil && (b == nil || a.After(*b))
}

func mergeExtra[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}
