package backend

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

type stateFile struct {
	content    string
	modifiedAt time.Time
}

// StateBackend keeps files in memory for the lifetime of one agent instance.
// Nothing is persisted; discarding the value discards the files.
type StateBackend struct {
	mu    sync.RWMutex
	files map[string]stateFile
}

// NewStateBackend creates an empty ephemeral backend.
func NewStateBackend() *StateBackend {
	return &StateBackend{files: make(map[string]stateFile)}
}

func (b *StateBackend) ID() string                 { return "state" }
func (b *StateBackend) Capabilities() Capabilities { return fileCaps }

// Files returns a snapshot of every file, keyed by path.
func (b *StateBackend) Files() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.files))
	for p, f := range b.files {
		out[p] = f.content
	}
	return out
}

func (b *StateBackend) Read(_ context.Context, path string, offset, limit int) (string, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	b.mu.RLock()
	f, ok := b.files[p]
	b.mu.RUnlock()
	if !ok {
		return "", pathErr("read", p, ErrNotFound, "")
	}
	return sliceLines(p, f.content, offset, limit)
}

func (b *StateBackend) Write(_ context.Context, path, content string) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTree(p); err != nil {
		return err
	}
	b.files[p] = stateFile{content: content, modifiedAt: time.Now()}
	return nil
}

// checkTree keeps files and directories disjoint. Callers hold b.mu.
func (b *StateBackend) checkTree(p string) error {
	for _, a := range ancestors(p) {
		if _, ok := b.files[a]; ok {
			return errNotADirectory("write", p, a)
		}
	}
	if _, ok := b.files[p]; ok {
		return nil
	}
	for other := range b.files {
		if strings.HasPrefix(other, p+"/") {
			return errIsADirectory("write", p)
		}
	}
	return nil
}

func (b *StateBackend) Edit(_ context.Context, path, old, new string, replaceAll bool) (int, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[p]
	if !ok {
		return 0, pathErr("edit", p, ErrNotFound, "")
	}
	updated, n, err := applyEdit(p, f.content, old, new, replaceAll)
	if err != nil {
		return 0, err
	}
	b.files[p] = stateFile{content: updated, modifiedAt: time.Now()}
	return n, nil
}

func (b *StateBackend) List(_ context.Context, prefix string) ([]Entry, error) {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	return listChildren(dir, b.snapshot(dir)), nil
}

func (b *StateBackend) Glob(_ context.Context, pattern, prefix string) iter.Seq2[string, error] {
	dir, err := NormalizePrefix(prefix)
	if err == nil {
		err = ValidateGlob(pattern)
	}
	if err != nil {
		return errSeq[string](err)
	}
	files := b.snapshot(dir)
	return func(yield func(string, error) bool) {
		for _, f := range files {
			if MatchGlob(pattern, dir, f.Path) && !yield(f.Path, nil) {
				return
			}
		}
	}
}

func (b *StateBackend) Search(_ context.Context, pattern, prefix string) iter.Seq2[Match, error] {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return errSeq[Match](err)
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return errSeq[Match](err)
	}
	paths := b.snapshot(dir)
	return func(yield func(Match, error) bool) {
		for _, e := range paths {
			b.mu.RLock()
			f, ok := b.files[e.Path]
			b.mu.RUnlock()
			if ok && !matchLines(e.Path, f.content, re, yield) {
				return
			}
		}
	}
}

// snapshot returns the sorted entries of every file under dir.
func (b *StateBackend) snapshot(dir string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Entry
	for p, f := range b.files {
		if underPrefix(p, dir) {
			out = append(out, Entry{Path: p, Size: int64(len(f.content)), ModifiedAt: f.modifiedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
