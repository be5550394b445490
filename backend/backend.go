// Package backend provides the storage capability behind the agent's file tools.
//
// Four variants share the Backend interface:
//   - StateBackend: ephemeral, in-memory, owned by one agent instance.
//   - DiskBackend: the real filesystem under a configured root.
//   - StoreBackend: durable records in a KV store (SQLite or Redis).
//   - SandboxBackend: proxies into an isolated sandbox through sandboxd.
//
// Composite routes paths to one of several backends by longest prefix.
//
// All paths are virtual, absolute and slash separated ("/notes/todo.md").
// Implementations must be safe for concurrent use; no lock is held longer
// than a single operation.
package backend

import (
	"context"
	"iter"
	"time"
)

// Backend is the storage interface used by the filesystem tools.
type Backend interface {
	// ID returns the backend identifier.
	ID() string

	// Capabilities reports which operations this backend supports.
	Capabilities() Capabilities

	// Read returns content of the file at path. offset and limit are in
	// lines; limit == 0 reads to the end. Read(p, 0, 0) returns the exact
	// content last written.
	Read(ctx context.Context, path string, offset, limit int) (string, error)

	// Write creates or replaces the file at path.
	Write(ctx context.Context, path, content string) error

	// Edit replaces old with new in the file at path and returns the number
	// of replacements. More than one occurrence without replaceAll is
	// ErrAmbiguousMatch. Either the full replacement lands or nothing does.
	Edit(ctx context.Context, path, old, new string, replaceAll bool) (int, error)

	// List returns the entries directly under prefix, sorted by path.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Glob yields file paths matching pattern under prefix. The sequence is
	// finite and single use.
	Glob(ctx context.Context, pattern, prefix string) iter.Seq2[string, error]

	// Search yields lines matching the regular expression pattern in files
	// under prefix. The sequence is finite and single use.
	Search(ctx context.Context, pattern, prefix string) iter.Seq2[Match, error]
}

// Executor is implemented by backends that can run shell commands.
// Only backends whose Capabilities report Execute honour it.
type Executor interface {
	Execute(ctx context.Context, command string) (*ExecResult, error)
}

// Capabilities is the static capability set a backend declares.
type Capabilities struct {
	Read    bool `json:"read"`
	Write   bool `json:"write"`
	Edit    bool `json:"edit"`
	Search  bool `json:"search"` // glob and grep
	Execute bool `json:"execute"`
}

// Union returns the capabilities supported by either set.
func (c Capabilities) Union(o Capabilities) Capabilities {
	return Capabilities{
		Read:    c.Read || o.Read,
		Write:   c.Write || o.Write,
		Edit:    c.Edit || o.Edit,
		Search:  c.Search || o.Search,
		Execute: c.Execute || o.Execute,
	}
}

// fileCaps is the capability set of every storage-only backend.
var fileCaps = Capabilities{Read: true, Write: true, Edit: true, Search: true}

// Entry is a single listing entry.
type Entry struct {
	Path       string    `json:"path"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at,omitzero"`
}

// Match is a single search hit.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// ExecResult is the outcome of Execute.
type ExecResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
}

// CanExecute reports whether b both declares and implements execution.
func CanExecute(b Backend) bool {
	if b == nil || !b.Capabilities().Execute {
		return false
	}
	_, ok := b.(Executor)
	return ok
}
