package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/errs"
	"hpc-orchestrator/core/models"
	"hpc-orchestrator/core/snapshot"
)

// ArtifactRecorder stores transfer records
type ArtifactRecorder interface {
	RecordArtifact(ctx context.Context, a *models.TaskArtifact) error
}

// Gateway moves files between the local machine and task working directories
type Gateway struct {
	registry  *backends.Registry
	artifacts ArtifactRecorder
	log       *zap.Logger
}

// NewGateway creates a new gateway. artifacts may be nil.
func NewGateway(registry *backends.Registry, artifacts ArtifactRecorder, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		registry:  registry,
		artifacts: artifacts,
		log:       log.Named("gateway"),
	}
}

// ForTask binds the gateway to one task's working directory
func (g *Gateway) ForTask(planID string, task models.Task) *TaskFiles {
	return &TaskFiles{g: g, planID: planID, task: task.Clone()}
}

// EntryKind distinguishes files from directories in listings
type EntryKind string

const (
	EntryFile EntryKind = "file"
	EntryDir  EntryKind = "dir"
)

// Entry is one item of a working directory listing
type Entry struct {
	Name string    `json:"name"`
	Size int64     `json:"size"`
	Kind EntryKind `json:"kind"`
}

// TaskFiles is file access confined to one task's working directory
type TaskFiles struct {
	g      *Gateway
	planID string
	task   models.Task
}

// WorkDir returns the bound working directory ("" before launch)
func (tf *TaskFiles) WorkDir() string { return tf.task.WorkDir }

// List returns the entries of the working directory
func (tf *TaskFiles) List(ctx context.Context) ([]Entry, error) {
	const op = "TaskFiles.List"
	fs, err := tf.fileSystem(op)
	if err != nil {
		return nil, err
	}

	infos, err := fs.List(ctx, tf.task.WorkDir)
	if err != nil {
		return nil, tf.classify(op, tf.task.WorkDir, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if isTempName(info.Name) {
			continue
		}
		kind := EntryFile
		if info.IsDir {
			kind = EntryDir
		}
		entries = append(entries, Entry{Name: info.Name, Size: info.Size, Kind: kind})
	}
	return entries, nil
}

// Upload copies a local file into the working directory. An empty remotePath
// uses the local file's base name.
func (tf *TaskFiles) Upload(ctx context.Context, localPath, remotePath string) error {
	const op = "TaskFiles.Upload"
	if remotePath == "" {
		remotePath = filepath.Base(localPath)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return tf.err(errs.KindTransfer, op, localPath, fmt.Errorf("read local file: %w", err))
	}
	return tf.write(ctx, op, remotePath, data, map[string]interface{}{"local": localPath})
}

// Put writes the contents of r into the working directory
func (tf *TaskFiles) Put(ctx context.Context, remotePath string, r io.Reader) error {
	const op = "TaskFiles.Put"
	data, err := io.ReadAll(r)
	if err != nil {
		return tf.err(errs.KindTransfer, op, remotePath, fmt.Errorf("read source: %w", err))
	}
	return tf.write(ctx, op, remotePath, data, nil)
}

// Cat returns a file's contents as text
func (tf *TaskFiles) Cat(ctx context.Context, remotePath string) (string, error) {
	const op = "TaskFiles.Cat"
	data, err := tf.read(ctx, op, remotePath)
	if err != nil {
		return "", err
	}
	if !IsText(data) {
		return "", tf.err(errs.KindDecode, op, remotePath, fmt.Errorf("%d bytes are not valid UTF-8 text", len(data)))
	}
	return string(data), nil
}

// ReadBytes returns a file's raw contents
func (tf *TaskFiles) ReadBytes(ctx context.Context, remotePath string) ([]byte, error) {
	return tf.read(ctx, "TaskFiles.ReadBytes", remotePath)
}

// Download copies a remote file to localPath. If localPath is an existing
// directory the remote base name is used inside it. Missing remote files are
// reported before anything is transferred; directories cannot be downloaded.
func (tf *TaskFiles) Download(ctx context.Context, remotePath, localPath string) error {
	const op = "TaskFiles.Download"
	info, err := tf.stat(ctx, op, remotePath)
	if err != nil {
		return err
	}
	if info.IsDir {
		return tf.err(errs.KindValidation, op, remotePath, fmt.Errorf("is a directory"))
	}
	data, err := tf.read(ctx, op, remotePath)
	if err != nil {
		return err
	}

	if info, statErr := os.Stat(localPath); statErr == nil && info.IsDir() {
		localPath = filepath.Join(localPath, path.Base(remotePath))
	}
	if err := snapshot.WriteFileAtomic(localPath, data, 0o644); err != nil {
		return tf.err(errs.KindTransfer, op, localPath, err)
	}

	tf.record(ctx, models.ArtifactDownload, remotePath, int64(len(data)), map[string]interface{}{"local": localPath})
	return nil
}

func (tf *TaskFiles) write(ctx context.Context, op, remotePath string, data []byte, meta map[string]interface{}) error {
	rel, err := tf.resolve(op, remotePath)
	if err != nil {
		return err
	}
	fs, err := tf.fileSystem(op)
	if err != nil {
		return err
	}

	full := path.Join(tf.task.WorkDir, rel)
	if dir := path.Dir(rel); dir != "." {
		if err := fs.Mkdir(ctx, path.Join(tf.task.WorkDir, dir)); err != nil {
			return tf.classify(op, rel, err)
		}
	}
	if err := fs.Write(ctx, full, data); err != nil {
		return tf.classify(op, rel, err)
	}

	tf.g.log.Debug("uploaded file",
		zap.String("plan_id", tf.planID),
		zap.String("task_id", tf.task.ID),
		zap.String("path", rel),
		zap.Int("bytes", len(data)))
	tf.record(ctx, models.ArtifactUpload, rel, int64(len(data)), meta)
	return nil
}

func (tf *TaskFiles) read(ctx context.Context, op, remotePath string) ([]byte, error) {
	rel, err := tf.resolve(op, remotePath)
	if err != nil {
		return nil, err
	}
	fs, err := tf.fileSystem(op)
	if err != nil {
		return nil, err
	}
	data, err := fs.Read(ctx, path.Join(tf.task.WorkDir, rel))
	if err != nil {
		return nil, tf.classify(op, rel, err)
	}
	return data, nil
}

func (tf *TaskFiles) stat(ctx context.Context, op, remotePath string) (backends.FileInfo, error) {
	rel, err := tf.resolve(op, remotePath)
	if err != nil {
		return backends.FileInfo{}, err
	}
	fs, err := tf.fileSystem(op)
	if err != nil {
		return backends.FileInfo{}, err
	}
	info, err := fs.Stat(ctx, path.Join(tf.task.WorkDir, rel))
	if err != nil {
		return backends.FileInfo{}, tf.classify(op, rel, err)
	}
	return info, nil
}

// fileSystem returns the backend file access, failing before launch
func (tf *TaskFiles) fileSystem(op string) (backends.FileSystem, error) {
	if tf.task.WorkDir == "" {
		return nil, tf.err(errs.KindNotFound, op, "", fmt.Errorf("task %s has no working directory yet", tf.task.Name))
	}
	backend, err := tf.g.registry.For(tf.task.Resource)
	if err != nil {
		return nil, tf.err(errs.KindTransfer, op, "", err)
	}
	fs, err := backend.Files(tf.task.Resource)
	if err != nil {
		return nil, tf.err(errs.KindTransfer, op, "", err)
	}
	return fs, nil
}

// resolve validates a working-directory-relative path
func (tf *TaskFiles) resolve(op, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", tf.err(errs.KindValidation, op, p, fmt.Errorf("path is empty"))
	}
	p = filepath.ToSlash(p)
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return "", tf.err(errs.KindValidation, op, p, fmt.Errorf("absolute paths are not allowed"))
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", tf.err(errs.KindValidation, op, p, fmt.Errorf("path escapes the task working directory"))
	}
	return clean, nil
}

// classify maps backend failures onto the error taxonomy
func (tf *TaskFiles) classify(op, p string, err error) error {
	if backends.IsNotExist(err) {
		return tf.err(errs.KindNotFound, op, p, err)
	}
	return tf.err(errs.KindTransfer, op, p, err)
}

func (tf *TaskFiles) err(kind errs.Kind, op, p string, cause error) error {
	return errs.New(kind, op, cause).WithPlan(tf.planID).WithTask(tf.task.ID).WithPath(p)
}

func (tf *TaskFiles) record(ctx context.Context, kind models.ArtifactKind, rel string, size int64, meta map[string]interface{}) {
	if tf.g.artifacts == nil || tf.planID == "" {
		return
	}
	a := &models.TaskArtifact{PlanID: tf.planID, TaskID: tf.task.ID, Kind: kind, Path: rel, Size: size, Meta: meta}
	if err := tf.g.artifacts.RecordArtifact(ctx, a); err != nil {
		tf.g.log.Warn("failed to record artifact",
			zap.String("plan_id", tf.planID),
			zap.String("task_id", tf.task.ID),
			zap.String("path", rel),
			zap.Error(err))
	}
}

// isTempName reports names used by in-flight atomic writes
func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp.")
}

// IsText reports whether data is UTF-8 without NUL bytes
func IsText(data []byte) bool {
	return utf8.Valid(data) && !bytes.ContainsRune(data, 0)
}
