// Package fake provides an in-memory backend for engine tests.
package fake

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/models"
)

// Backend is a configurable in-memory backend. Jobs start "queued" and
// only change state through SetState, so tests drive every transition.
type Backend struct {
	Type models.BackendType

	// SubmitErr fails the submission of the named task
	SubmitErr map[string]error
	// OnSubmit runs before a submission is accepted; a non-nil error fails it
	OnSubmit func(req backends.SubmitRequest) error
	// PollErr fails polls of the given job id
	PollErr map[string]error
	// CancelErr fails cancellation of the given job id
	CancelErr map[string]error
	// PrepareErr fails every Prepare call
	PrepareErr error
	// WriteErr fails every file write
	WriteErr error
	// RunFunc handles Run; nil echoes the source to stdout
	RunFunc func(workdir string, spec backends.RunSpec) (backends.RunOutput, error)
	// NoRunner makes Run report ErrUnsupported
	NoRunner bool

	mu        sync.Mutex
	seq       int
	jobs      map[string]string // job id -> raw state
	byName    map[string]string // task name -> job id
	submitted []string          // task names in submission order
	cancelled []string
	polls     int
	files     map[string][]byte
	dirs      map[string]bool
}

// New creates a fake serving the given backend type
func New(t models.BackendType) *Backend {
	return &Backend{
		Type:   t,
		jobs:   make(map[string]string),
		byName: make(map[string]string),
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/": true},
	}
}

// Name implements backends.Backend
func (b *Backend) Name() models.BackendType { return b.Type }

// Prepare implements backends.Backend
func (b *Backend) Prepare(ctx context.Context, res models.ResourceHandle, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.PrepareErr != nil {
		return "", b.PrepareErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	dir := fmt.Sprintf("/%s/%s-%d", strings.Trim(res.Cluster, "/"), name, b.seq)
	b.mkdirLocked(dir)
	return dir, nil
}

// Submit implements backends.Backend
func (b *Backend) Submit(ctx context.Context, req backends.SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.SubmitErr[req.Name]; err != nil {
		return "", err
	}
	if b.OnSubmit != nil {
		if err := b.OnSubmit(req); err != nil {
			return "", err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirs[req.WorkDir] {
		return "", fmt.Errorf("workdir %s: %w", req.WorkDir, backends.ErrNotExist)
	}
	b.seq++
	id := fmt.Sprintf("job-%d", b.seq)
	b.jobs[id] = "queued"
	b.byName[req.Name] = id
	b.submitted = append(b.submitted, req.Name)
	b.files[path.Join(req.WorkDir, "job.sh")] = []byte(req.Script)
	return id, nil
}

// Poll implements backends.Backend
func (b *Backend) Poll(ctx context.Context, _ models.ResourceHandle, jobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if err := b.PollErr[jobID]; err != nil {
		return "", err
	}
	raw, ok := b.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%s: %w", jobID, backends.ErrJobNotFound)
	}
	return raw, nil
}

// Cancel implements backends.Backend
func (b *Backend) Cancel(ctx context.Context, _ models.ResourceHandle, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.CancelErr[jobID]; err != nil {
		return err
	}
	b.cancelled = append(b.cancelled, jobID)
	if _, ok := b.jobs[jobID]; ok {
		b.jobs[jobID] = "cancelled"
	}
	return nil
}

// Files implements backends.Backend
func (b *Backend) Files(models.ResourceHandle) (backends.FileSystem, error) {
	return &fileSystem{b: b}, nil
}

// Run implements backends.Runner
func (b *Backend) Run(ctx context.Context, _ models.ResourceHandle, workdir string, spec backends.RunSpec) (backends.RunOutput, error) {
	if err := ctx.Err(); err != nil {
		return backends.RunOutput{}, err
	}
	if b.NoRunner {
		return backends.RunOutput{}, backends.ErrUnsupported
	}
	if b.RunFunc != nil {
		return b.RunFunc(workdir, spec)
	}
	return backends.RunOutput{Stdout: []byte(spec.Source)}, nil
}

// SetState sets the raw state of a job
func (b *Backend) SetState(jobID, raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[jobID] = raw
}

// SetStateAll sets the raw state of every job
func (b *Backend) SetStateAll(raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.jobs {
		b.jobs[id] = raw
	}
}

// JobFor returns the job id submitted for a task name
func (b *Backend) JobFor(taskName string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byName[taskName]
}

// Submitted returns task names in submission order
func (b *Backend) Submitted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.submitted...)
}

// Cancelled returns cancelled job ids, sorted
func (b *Backend) Cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]string(nil), b.cancelled...)
	sort.Strings(out)
	return out
}

// Polls returns the number of Poll calls so far
func (b *Backend) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

// PutFile stores a file directly, creating parent directories
func (b *Backend) PutFile(p string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mkdirLocked(path.Dir(p))
	b.files[p] = append([]byte(nil), data...)
}

// File returns a stored file
func (b *Backend) File(p string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[p]
	return data, ok
}

// RemoveDir deletes a directory and everything under it
func (b *Backend) RemoveDir(dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range b.files {
		if strings.HasPrefix(p, prefix) {
			delete(b.files, p)
		}
	}
	for d := range b.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(b.dirs, d)
		}
	}
}

func (b *Backend) mkdirLocked(dir string) {
	for d := path.Clean(dir); ; d = path.Dir(d) {
		b.dirs[d] = true
		if d == "/" || d == "." {
			return
		}
	}
}

type fileSystem struct {
	b *Backend
}

func (f *fileSystem) List(ctx context.Context, dir string) ([]backends.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	dir = path.Clean(dir)
	if !f.b.dirs[dir] {
		return nil, fmt.Errorf("%s: %w", dir, backends.ErrNotExist)
	}
	var out []backends.FileInfo
	for p, data := range f.b.files {
		if path.Dir(p) == dir {
			out = append(out, backends.FileInfo{Name: path.Base(p), Size: int64(len(data)), ModTime: time.Unix(0, 0).UTC()})
		}
	}
	for d := range f.b.dirs {
		if d != dir && path.Dir(d) == dir {
			out = append(out, backends.FileInfo{Name: path.Base(d), IsDir: true, ModTime: time.Unix(0, 0).UTC()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fileSystem) Stat(ctx context.Context, p string) (backends.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return backends.FileInfo{}, err
	}
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	p = path.Clean(p)
	if data, ok := f.b.files[p]; ok {
		return backends.FileInfo{Name: path.Base(p), Size: int64(len(data))}, nil
	}
	if f.b.dirs[p] {
		return backends.FileInfo{Name: path.Base(p), IsDir: true}, nil
	}
	return backends.FileInfo{}, fmt.Errorf("%s: %w", p, backends.ErrNotExist)
}

func (f *fileSystem) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	data, ok := f.b.files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, backends.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (f *fileSystem) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.b.WriteErr != nil {
		return f.b.WriteErr
	}
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	p = path.Clean(p)
	if !f.b.dirs[path.Dir(p)] {
		return fmt.Errorf("%s: %w", path.Dir(p), backends.ErrNotExist)
	}
	f.b.files[p] = append([]byte(nil), data...)
	return nil
}

func (f *fileSystem) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	f.b.mkdirLocked(p)
	return nil
}

var _ backends.Backend = (*Backend)(nil)
var _ backends.Runner = (*Backend)(nil)
