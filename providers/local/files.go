package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/snapshot"
)

// fileSystem is file access confined to the backend root
type fileSystem struct {
	root string
}

func (f *fileSystem) confine(p string) (string, error) {
	clean := filepath.Clean(p)
	if !filepath.IsAbs(clean) {
		clean = filepath.Join(f.root, clean)
	}
	rel, err := filepath.Rel(f.root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", p, f.root)
	}
	return clean, nil
}

func (f *fileSystem) List(ctx context.Context, dir string) ([]backends.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := f.confine(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, mapNotExist(err)
	}
	out := make([]backends.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, backends.FileInfo{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fileSystem) Stat(ctx context.Context, p string) (backends.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return backends.FileInfo{}, err
	}
	full, err := f.confine(p)
	if err != nil {
		return backends.FileInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return backends.FileInfo{}, mapNotExist(err)
	}
	return backends.FileInfo{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

func (f *fileSystem) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := f.confine(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, mapNotExist(err)
	}
	return data, nil
}

func (f *fileSystem) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := f.confine(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(full)); err != nil {
		return mapNotExist(err)
	}
	return snapshot.WriteFileAtomic(full, data, 0o644)
}

func (f *fileSystem) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := f.confine(p)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}
