package backend

import (
	"context"
	"iter"
	"time"
)

// SandboxBackend proxies every operation, including Execute, into an
// isolated environment served by sandboxd.
type SandboxBackend struct {
	client  *DaemonClient
	timeout time.Duration
	tty     bool
}

// SandboxOption configures a SandboxBackend.
type SandboxOption func(*SandboxBackend)

// WithTTY runs every command under a pseudo-terminal in the sandbox, for
// tools that change behavior when stdout is not a terminal. Stderr is
// merged into stdout.
func WithTTY(on bool) SandboxOption {
	return func(b *SandboxBackend) { b.tty = on }
}

// NewSandboxBackend wraps a connected daemon client. timeout bounds each
// Execute call; zero means the daemon default.
func NewSandboxBackend(client *DaemonClient, timeout time.Duration, opts ...SandboxOption) *SandboxBackend {
	b := &SandboxBackend{client: client, timeout: timeout}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *SandboxBackend) ID() string { return "sandbox" }

func (b *SandboxBackend) Capabilities() Capabilities {
	c := fileCaps
	c.Execute = true
	return c
}

// Close closes the daemon connection.
func (b *SandboxBackend) Close() error { return b.client.Close() }

func (b *SandboxBackend) call(ctx context.Context, req DaemonRequest) (*DaemonResponse, error) {
	resp, err := b.client.Call(ctx, req)
	if err != nil {
		return nil, &PathError{Op: req.Op, Path: req.Path, Err: err}
	}
	if err := resp.err(req.Op, req.Path); err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *SandboxBackend) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	resp, err := b.call(ctx, DaemonRequest{Op: OpRead, Path: p, Offset: offset, Limit: limit})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (b *SandboxBackend) Write(ctx context.Context, path, content string) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}
	_, err = b.call(ctx, DaemonRequest{Op: OpWrite, Path: p, Content: content})
	return err
}

func (b *SandboxBackend) Edit(ctx context.Context, path, old, new string, replaceAll bool) (int, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return 0, err
	}
	resp, err := b.call(ctx, DaemonRequest{Op: OpEdit, Path: p, Old: old, New: new, ReplaceAll: replaceAll})
	if err != nil {
		return 0, err
	}
	return resp.Replacements, nil
}

func (b *SandboxBackend) List(ctx context.Context, prefix string) ([]Entry, error) {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	resp, err := b.call(ctx, DaemonRequest{Op: OpList, Path: dir})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (b *SandboxBackend) Glob(ctx context.Context, pattern, prefix string) iter.Seq2[string, error] {
	dir, err := NormalizePrefix(prefix)
	if err == nil {
		err = ValidateGlob(pattern)
	}
	if err != nil {
		return errSeq[string](err)
	}
	return func(yield func(string, error) bool) {
		resp, err := b.call(ctx, DaemonRequest{Op: OpGlob, Path: dir, Pattern: pattern})
		if err != nil {
			yield("", err)
			return
		}
		for _, p := range resp.Paths {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (b *SandboxBackend) Search(ctx context.Context, pattern, prefix string) iter.Seq2[Match, error] {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return errSeq[Match](err)
	}
	if _, err := CompilePattern(pattern); err != nil {
		return errSeq[Match](err)
	}
	return func(yield func(Match, error) bool) {
		resp, err := b.call(ctx, DaemonRequest{Op: OpGrep, Path: dir, Pattern: pattern})
		if err != nil {
			yield(Match{}, err)
			return
		}
		for _, m := range resp.Matches {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (b *SandboxBackend) Execute(ctx context.Context, command string) (*ExecResult, error) {
	resp, err := b.call(ctx, DaemonRequest{Op: OpExec, Cmd: command, Timeout: int(b.timeout.Seconds()), TTY: b.tty})
	if err != nil {
		return nil, err
	}
	if resp.Exec == nil {
		return &ExecResult{}, nil
	}
	return resp.Exec, nil
}
