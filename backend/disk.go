package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"iter"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DiskBackend reads and writes the real filesystem beneath root. Virtual
// path "/a/b.txt" maps to root/a/b.txt; nothing outside root is reachable,
// including through symlinks.
type DiskBackend struct {
	root string

	// edit is read-modify-write; stripes serialize edits per path.
	stripes [32]sync.Mutex

	exec     bool
	timeout  time.Duration
	maxBytes int
}

// DiskOption configures a DiskBackend.
type DiskOption func(*DiskBackend)

// WithLocalExec enables Execute: commands run via sh -c with root as the
// working directory. Output beyond maxOutputBytes is truncated.
func WithLocalExec(timeout time.Duration, maxOutputBytes int) DiskOption {
	return func(b *DiskBackend) {
		b.exec = true
		if timeout > 0 {
			b.timeout = timeout
		}
		if maxOutputBytes > 0 {
			b.maxBytes = maxOutputBytes
		}
	}
}

// NewDiskBackend creates a disk backend rooted at root, creating it if needed.
func NewDiskBackend(root string, opts ...DiskOption) (*DiskBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("disk backend: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk backend: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("disk backend: create root: %w", err)
	}
	// Resolve the root itself so the escape check compares like with like.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	b := &DiskBackend{root: abs, timeout: 120 * time.Second, maxBytes: 100_000}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *DiskBackend) ID() string   { return "disk" }
func (b *DiskBackend) Root() string { return b.root }

func (b *DiskBackend) Capabilities() Capabilities {
	c := fileCaps
	c.Execute = b.exec
	return c
}

// resolve maps a virtual path onto the host, refusing anything that
// escapes root.
func (b *DiskBackend) resolve(op, vp string) (string, string, error) {
	p, err := NormalizePath(vp)
	if err != nil {
		return "", "", err
	}
	host := filepath.Join(b.root, filepath.FromSlash(p))
	// Follow symlinks on the longest existing ancestor.
	cur := host
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if !b.contains(resolved) {
				return "", "", pathErr(op, p, ErrPermissionDenied, "path escapes backend root")
			}
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return p, host, nil
}

func (b *DiskBackend) contains(host string) bool {
	return host == b.root || strings.HasPrefix(host, b.root+string(filepath.Separator))
}

func (b *DiskBackend) virtual(host string) string {
	rel, err := filepath.Rel(b.root, host)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func (b *DiskBackend) Read(_ context.Context, vp string, offset, limit int) (string, error) {
	p, host, err := b.resolve("read", vp)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", mapOSErr("read", p, err)
	}
	return sliceLines(p, string(data), offset, limit)
}

func (b *DiskBackend) Write(_ context.Context, vp, content string) error {
	p, host, err := b.resolve("write", vp)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(host); err == nil && fi.IsDir() {
		return errIsADirectory("write", p)
	}
	return mapOSErr("write", p, atomicWrite(host, content))
}

func (b *DiskBackend) Edit(_ context.Context, vp, old, new string, replaceAll bool) (int, error) {
	p, host, err := b.resolve("edit", vp)
	if err != nil {
		return 0, err
	}
	mu := b.stripe(p)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(host)
	if err != nil {
		return 0, mapOSErr("edit", p, err)
	}
	updated, n, err := applyEdit(p, string(data), old, new, replaceAll)
	if err != nil {
		return 0, err
	}
	if err := atomicWrite(host, updated); err != nil {
		return 0, mapOSErr("edit", p, err)
	}
	return n, nil
}

func (b *DiskBackend) stripe(p string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(p))
	return &b.stripes[h.Sum32()%uint32(len(b.stripes))]
}

func (b *DiskBackend) List(_ context.Context, prefix string) ([]Entry, error) {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	_, host, err := b.resolve("ls", dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return nil, mapOSErr("ls", dir, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Path:       path.Join(dir, e.Name()),
			IsDir:      e.IsDir(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	// os.ReadDir already sorts by name.
	return out, nil
}

func (b *DiskBackend) Glob(ctx context.Context, pattern, prefix string) iter.Seq2[string, error] {
	dir, err := NormalizePrefix(prefix)
	if err == nil {
		err = ValidateGlob(pattern)
	}
	if err != nil {
		return errSeq[string](err)
	}
	return func(yield func(string, error) bool) {
		for vp, err := range b.walk(ctx, dir) {
			if err != nil {
				yield("", err)
				return
			}
			if MatchGlob(pattern, dir, vp) && !yield(vp, nil) {
				return
			}
		}
	}
}

func (b *DiskBackend) Search(ctx context.Context, pattern, prefix string) iter.Seq2[Match, error] {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return errSeq[Match](err)
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return errSeq[Match](err)
	}
	return func(yield func(Match, error) bool) {
		for vp, err := range b.walk(ctx, dir) {
			if err != nil {
				yield(Match{}, err)
				return
			}
			if isBinaryExt(strings.ToLower(path.Ext(vp))) {
				continue
			}
			if !b.scanFile(vp, re.MatchString, yield) {
				return
			}
		}
	}
}

func (b *DiskBackend) scanFile(vp string, match func(string) bool, yield func(Match, error) bool) bool {
	f, err := os.Open(filepath.Join(b.root, filepath.FromSlash(vp)))
	if err != nil {
		return true
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if line := scanner.Text(); match(line) {
			if !yield(Match{Path: vp, Line: lineNum, Text: line}, nil) {
				return false
			}
		}
	}
	return true
}

// walk yields the virtual path of every regular file under dir, skipping
// hidden and dependency directories.
func (b *DiskBackend) walk(ctx context.Context, dir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		_, host, err := b.resolve("walk", dir)
		if err != nil {
			yield("", err)
			return
		}
		if _, err := os.Stat(host); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				yield("", mapOSErr("walk", dir, err))
			}
			return
		}
		filepath.WalkDir(host, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return filepath.SkipAll
			}
			if d.IsDir() {
				name := d.Name()
				if p != host && (strings.HasPrefix(name, ".") || skipDirs[name]) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if !yield(b.virtual(p), nil) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// Execute runs command via sh -c in root. A timeout yields exit code 124.
func (b *DiskBackend) Execute(ctx context.Context, command string) (*ExecResult, error) {
	if !b.exec {
		return nil, pathErr("execute", "", ErrUnsupported, "execution is disabled for this backend")
	}
	if strings.TrimSpace(command) == "" {
		return nil, pathErr("execute", "", ErrInvalidPath, "command must be a non-empty string")
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = b.root
	cmd.WaitDelay = time.Second
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return b.buildResult(ctx, stdout.String(), stderr.String(), err)
}

func (b *DiskBackend) buildResult(ctx context.Context, stdout, stderr string, err error) (*ExecResult, error) {
	res := &ExecResult{Stdout: stdout, Stderr: stderr}
	if len(res.Stdout) > b.maxBytes {
		res.Stdout = res.Stdout[:b.maxBytes] + fmt.Sprintf("\n\n... Output truncated at %d bytes.", b.maxBytes)
		res.Truncated = true
	}
	if len(res.Stderr) > b.maxBytes {
		res.Stderr = res.Stderr[:b.maxBytes]
		res.Truncated = true
	}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = 124
		res.Stderr += fmt.Sprintf("command timed out after %.1f seconds", b.timeout.Seconds())
		return res, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return nil, fmt.Errorf("execute: %w", err)
	}
}

// atomicWrite writes content to a temp file next to target and renames it
// into place, creating parent directories as needed.
func atomicWrite(target, content string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".wick-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.WriteString(content)
	tmp.Close()
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func mapOSErr(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return pathErr(op, p, ErrNotFound, "")
	case errors.Is(err, fs.ErrPermission):
		return pathErr(op, p, ErrPermissionDenied, "")
	case errors.Is(err, syscall.ENOTDIR):
		return pathErr(op, p, ErrInvalidPath, "not a directory")
	case errors.Is(err, syscall.EISDIR):
		return errIsADirectory(op, p)
	default:
		return &PathError{Op: op, Path: p, Err: err}
	}
}

// isBinaryExt reports extensions that grep skips.
func isBinaryExt(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".ico", ".webp",
		".zip", ".tar", ".gz", ".bz2", ".xz", ".7z",
		".pdf", ".doc", ".docx", ".xls", ".xlsx",
		".so", ".dylib", ".dll", ".exe", ".o", ".a",
		".wasm", ".pyc", ".class",
		".mp3", ".mp4", ".avi", ".mov", ".wav", ".flac":
		return true
	}
	return false
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"vendor":       true,
}
