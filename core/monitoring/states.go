package monitoring

import (
	"strings"

	"hpc-orchestrator/core/models"
)

// slurmStates maps sacct/squeue job states
var slurmStates = map[string]models.TaskState{
	"PENDING":       models.TaskStateQueued,
	"CONFIGURING":   models.TaskStateQueued,
	"REQUEUED":      models.TaskStateQueued,
	"REQUEUE_HOLD":  models.TaskStateQueued,
	"REQUEUE_FED":   models.TaskStateQueued,
	"RESIZING":      models.TaskStateQueued,
	"SUSPENDED":     models.TaskStateQueued,
	"RUNNING":       models.TaskStateRunning,
	"COMPLETING":    models.TaskStateRunning,
	"STAGE_OUT":     models.TaskStateRunning,
	"SIGNALING":     models.TaskStateRunning,
	"COMPLETED":     models.TaskStateCompleted,
	"FAILED":        models.TaskStateFailed,
	"TIMEOUT":       models.TaskStateFailed,
	"NODE_FAIL":     models.TaskStateFailed,
	"OUT_OF_MEMORY": models.TaskStateFailed,
	"BOOT_FAIL":     models.TaskStateFailed,
	"DEADLINE":      models.TaskStateFailed,
	"PREEMPTED":     models.TaskStateFailed,
	"SPECIAL_EXIT":  models.TaskStateFailed,
	"REVOKED":       models.TaskStateFailed,
	"CANCELLED":     models.TaskStateCancelled,
}

// ec2States maps instance states; finished instances report "exited:<code>"
var ec2States = map[string]models.TaskState{
	"pending":       models.TaskStateQueued,
	"running":       models.TaskStateRunning,
	"shutting-down": models.TaskStateRunning,
	"stopping":      models.TaskStateRunning,
	"stopped":       models.TaskStateFailed,
	"terminated":    models.TaskStateCancelled, // Gone without an exit marker
}

// localStates maps process states reported by the local backend
var localStates = map[string]models.TaskState{
	"running": models.TaskStateRunning,
	"killed":  models.TaskStateCancelled,
	"lost":    models.TaskStateFailed,
}

// Canonical translates a raw backend state into a task state.
// ok is false when the raw state is not recognized.
func Canonical(backend models.BackendType, raw string) (state models.TaskState, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	if code, isExit := strings.CutPrefix(raw, "exited:"); isExit {
		if strings.TrimSpace(code) == "0" {
			return models.TaskStateCompleted, true
		}
		return models.TaskStateFailed, true
	}

	switch backend {
	case models.BackendSlurm:
		// sacct decorates states: "CANCELLED by 1234", "COMPLETED+"
		fields := strings.Fields(strings.ToUpper(raw))
		key := strings.TrimRight(fields[0], "+")
		if state, ok = slurmStates[key]; ok {
			return state, true
		}
	case models.BackendEC2:
		if state, ok = ec2States[strings.ToLower(raw)]; ok {
			return state, true
		}
	case models.BackendLocal:
		if state, ok = localStates[strings.ToLower(raw)]; ok {
			return state, true
		}
	}

	// Every backend may report canonical names directly
	switch s := models.TaskState(strings.ToLower(raw)); s {
	case models.TaskStateQueued, models.TaskStateRunning, models.TaskStateCompleted,
		models.TaskStateFailed, models.TaskStateCancelled:
		return s, true
	}
	return "", false
}
