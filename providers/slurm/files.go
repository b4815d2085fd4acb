package slurm

import (
	"context"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/models"
)

// findFormat prints type, size, mtime and name, tab separated
const findFormat = `%y\t%s\t%T@\t%f\n`

// fileSystem runs POSIX shell commands on the login host
type fileSystem struct {
	b   *Backend
	res models.ResourceHandle
}

func (f *fileSystem) List(ctx context.Context, dir string) ([]backends.FileInfo, error) {
	if err := checkPath(dir); err != nil {
		return nil, f.b.wrap("List", f.res, dir, err)
	}
	cmd := fmt.Sprintf(`[ -d %s ] || exit %d; find %s -mindepth 1 -maxdepth 1 -printf '%s'`,
		quote(dir), exitMissing, quote(dir), findFormat)
	out, err := f.b.exec(ctx, "List", f.res, dir, cmd, nil)
	if err != nil {
		return nil, err
	}
	infos, err := ParseFind(out)
	if err != nil {
		return nil, f.b.wrap("List", f.res, dir, err)
	}
	return infos, nil
}

func (f *fileSystem) Stat(ctx context.Context, p string) (backends.FileInfo, error) {
	if err := checkPath(p); err != nil {
		return backends.FileInfo{}, f.b.wrap("Stat", f.res, p, err)
	}
	cmd := fmt.Sprintf(`[ -e %s ] || exit %d; find %s -maxdepth 0 -printf '%s'`, quote(p), exitMissing, quote(p), findFormat)
	out, err := f.b.exec(ctx, "Stat", f.res, p, cmd, nil)
	if err != nil {
		return backends.FileInfo{}, err
	}
	infos, err := ParseFind(out)
	if err != nil || len(infos) != 1 {
		return backends.FileInfo{}, f.b.wrap("Stat", f.res, p, fmt.Errorf("unexpected find output %q", out))
	}
	return infos[0], nil
}

func (f *fileSystem) Read(ctx context.Context, p string) ([]byte, error) {
	if err := checkPath(p); err != nil {
		return nil, f.b.wrap("Read", f.res, p, err)
	}
	r, err := f.b.ssh.Run(ctx, f.res.Cluster, fmt.Sprintf(`[ -f %s ] || exit %d; cat %s`, quote(p), exitMissing, quote(p)), nil)
	if err != nil {
		return nil, f.b.wrap("Read", f.res, p, fmt.Errorf("%w: %v", backends.ErrUnavailable, err))
	}
	switch {
	case r.ExitCode == exitMissing:
		return nil, f.b.wrap("Read", f.res, p, backends.ErrNotExist)
	case r.ExitCode != 0:
		return nil, f.b.wrap("Read", f.res, p, fmt.Errorf("cat exited with status %d: %s", r.ExitCode, firstLine(string(r.Stderr))))
	}
	return r.Stdout, nil
}

// Write streams data into a temp file next to p and renames it into place
func (f *fileSystem) Write(ctx context.Context, p string, data []byte) error {
	if err := checkPath(p); err != nil {
		return f.b.wrap("Write", f.res, p, err)
	}
	dir, base := path.Split(p)
	cmd := fmt.Sprintf(`mkdir -p %s && tmp=$(mktemp %s) && { cat > "$tmp" && mv -f "$tmp" %s || { rm -f "$tmp"; exit 1; }; }`,
		quote(dir), quote(path.Join(dir, "."+base+".tmp.XXXXXX")), quote(p))
	_, err := f.b.exec(ctx, "Write", f.res, p, cmd, data)
	return err
}

func (f *fileSystem) Mkdir(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return f.b.wrap("Mkdir", f.res, p, err)
	}
	_, err := f.b.exec(ctx, "Mkdir", f.res, p, "mkdir -p "+quote(p), nil)
	return err
}

// ParseFind parses the output of find with findFormat
func ParseFind(out string) ([]backends.FileInfo, error) {
	var infos []backends.FileInfo
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed listing line %q", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in %q: %w", line, err)
		}
		secs, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed mtime in %q: %w", line, err)
		}
		whole, frac := math.Modf(secs)
		infos = append(infos, backends.FileInfo{
			Name:    fields[3],
			Size:    size,
			IsDir:   fields[0] == "d",
			ModTime: time.Unix(int64(whole), int64(frac*1e9)).UTC(),
		})
	}
	return infos, nil
}

func checkPath(p string) error {
	if !path.IsAbs(p) {
		return fmt.Errorf("path %q is not absolute", p)
	}
	return nil
}
