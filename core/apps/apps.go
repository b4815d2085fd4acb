// Package apps knows how each scientific application is launched inside a
// task working directory. Adapters only name required inputs and build the
// command line; they never parse input file contents.
package apps

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"hpc-orchestrator/core/models"
)

// Adapter describes one application kind
type Adapter interface {
	Kind() models.AppKind
	// Required returns the input categories that must be non-empty
	Required() []models.FileCategory
	// Script returns the shell commands that run the application from the
	// task working directory, where inputs are staged by base name
	Script(exp *models.Experiment, res models.ResourceHandle) (string, error)
}

var (
	mu       sync.RWMutex
	adapters = map[models.AppKind]Adapter{}
)

func init() {
	Register(&NAMDSetup{})
	Register(&GROMACSSetup{})
	Register(&GenericSetup{})
}

// Register adds or replaces the adapter for its kind
func Register(a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	adapters[a.Kind()] = a
}

// Lookup returns the adapter for kind
func Lookup(kind models.AppKind) (Adapter, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := adapters[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported application %q", kind)
	}
	return a, nil
}

// Kinds lists the registered application kinds, sorted
func Kinds() []models.AppKind {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]models.AppKind, 0, len(adapters))
	for k := range adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MissingCategories returns the required categories exp has no file for
func MissingCategories(a Adapter, exp *models.Experiment) []models.FileCategory {
	var missing []models.FileCategory
	for _, c := range a.Required() {
		if len(exp.FilesIn(c)) == 0 {
			missing = append(missing, c)
		}
	}
	return missing
}

// firstFile returns the staged name of the first input of a category
func firstFile(exp *models.Experiment, c models.FileCategory) (string, error) {
	files := exp.FilesIn(c)
	if len(files) == 0 {
		return "", fmt.Errorf("experiment %q has no %s file", exp.Name, c)
	}
	return files[0].StagedName(), nil
}

// threads returns the CPU count to pass to the application
func threads(res models.ResourceHandle) int {
	if res.CPUs > 0 {
		return res.CPUs
	}
	return 1
}

// gpuList returns "0,1,...,n-1" for n GPUs
func gpuList(n int) string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}
	return strings.Join(ids, ",")
}

// quote single-quotes s for a POSIX shell
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
