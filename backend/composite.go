package backend

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
)

// Route binds a path prefix to a backend.
type Route struct {
	Prefix  string
	Backend Backend
}

// CompositeBackend dispatches each call to one backend chosen by the
// longest route prefix that matches the path, falling back to a default.
// The routing table is fixed at construction. Paths are forwarded
// unchanged.
type CompositeBackend struct {
	def    Backend
	routes []Route // sorted by descending prefix length
}

// NewComposite builds a router. Every prefix must be absolute and end in
// "/", prefixes must be unique, and no backend may be nil.
func NewComposite(def Backend, routes map[string]Backend) (*CompositeBackend, error) {
	if def == nil {
		return nil, fmt.Errorf("composite: default backend is required")
	}
	c := &CompositeBackend{def: def}
	for prefix, b := range routes {
		if b == nil {
			return nil, fmt.Errorf("composite: route %q has no backend", prefix)
		}
		if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") || prefix == "/" {
			return nil, fmt.Errorf("composite: route prefix %q must start and end with / and not be the root", prefix)
		}
		if _, err := NormalizePath(prefix); err != nil {
			return nil, fmt.Errorf("composite: route prefix %q: %w", prefix, err)
		}
		c.routes = append(c.routes, Route{Prefix: prefix, Backend: b})
	}
	sort.Slice(c.routes, func(i, j int) bool {
		if len(c.routes[i].Prefix) != len(c.routes[j].Prefix) {
			return len(c.routes[i].Prefix) > len(c.routes[j].Prefix)
		}
		return c.routes[i].Prefix < c.routes[j].Prefix
	})
	return c, nil
}

func (c *CompositeBackend) ID() string { return "composite" }

// Routes returns the routing table, longest prefix first.
func (c *CompositeBackend) Routes() []Route {
	return append([]Route(nil), c.routes...)
}

// Default returns the fallback backend.
func (c *CompositeBackend) Default() Backend { return c.def }

// Resolve returns the backend that owns path p.
func (c *CompositeBackend) Resolve(p string) Backend {
	for _, r := range c.routes {
		if strings.HasPrefix(p, r.Prefix) || p+"/" == r.Prefix {
			return r.Backend
		}
	}
	return c.def
}

// Capabilities reports file capabilities available anywhere in the tree.
// Execute only reflects the default backend, which receives every
// command.
func (c *CompositeBackend) Capabilities() Capabilities {
	caps := c.def.Capabilities()
	for _, r := range c.routes {
		rc := r.Backend.Capabilities()
		rc.Execute = false
		caps = caps.Union(rc)
	}
	caps.Execute = CanExecute(c.def)
	return caps
}

// CapabilitiesAt reports the capabilities of the backend that owns p.
func (c *CompositeBackend) CapabilitiesAt(p string) Capabilities {
	return c.Resolve(p).Capabilities()
}

func (c *CompositeBackend) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	return c.Resolve(p).Read(ctx, p, offset, limit)
}

func (c *CompositeBackend) Write(ctx context.Context, path, content string) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}
	b := c.Resolve(p)
	if !b.Capabilities().Write {
		return pathErr("write", p, ErrPermissionDenied, "backend %s is read-only", b.ID())
	}
	return b.Write(ctx, p, content)
}

func (c *CompositeBackend) Edit(ctx context.Context, path, old, new string, replaceAll bool) (int, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return 0, err
	}
	b := c.Resolve(p)
	if !b.Capabilities().Edit {
		return 0, pathErr("edit", p, ErrPermissionDenied, "backend %s does not support edits", b.ID())
	}
	return b.Edit(ctx, p, old, new, replaceAll)
}

// List lists the owning backend and adds a directory entry for every
// route prefix mounted anywhere beneath dir.
func (c *CompositeBackend) List(ctx context.Context, prefix string) ([]Entry, error) {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	entries, err := c.Resolve(dir).List(ctx, dir)
	if err != nil && Kind(err) != "not_found" {
		return nil, err
	}
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		seen[e.Path] = i
	}
	// A mount shows up as its first path segment below dir, so /a/b/
	// appears as /a when listing /.
	parent := dirPrefix(dir)
	for _, r := range c.routes {
		if !strings.HasPrefix(r.Prefix, parent) || len(r.Prefix) == len(parent) {
			continue
		}
		name, _, _ := strings.Cut(r.Prefix[len(parent):], "/")
		child := parent + name
		if i, ok := seen[child]; ok {
			entries[i] = Entry{Path: child, IsDir: true}
			continue
		}
		seen[child] = len(entries)
		entries = append(entries, Entry{Path: child, IsDir: true})
	}
	if err != nil && len(entries) == 0 {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (c *CompositeBackend) Glob(ctx context.Context, pattern, prefix string) iter.Seq2[string, error] {
	dir, err := NormalizePrefix(prefix)
	if err == nil {
		err = ValidateGlob(pattern)
	}
	if err != nil {
		return errSeq[string](err)
	}
	return func(yield func(string, error) bool) {
		for _, b := range c.backendsUnder(dir) {
			for p, err := range b.Glob(ctx, pattern, dir) {
				if err != nil {
					if !yield("", err) {
						return
					}
					break
				}
				if c.Resolve(p) != b {
					continue
				}
				if !yield(p, nil) {
					return
				}
			}
		}
	}
}

func (c *CompositeBackend) Search(ctx context.Context, pattern, prefix string) iter.Seq2[Match, error] {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return errSeq[Match](err)
	}
	if _, err := CompilePattern(pattern); err != nil {
		return errSeq[Match](err)
	}
	return func(yield func(Match, error) bool) {
		for _, b := range c.backendsUnder(dir) {
			for m, err := range b.Search(ctx, pattern, dir) {
				if err != nil {
					if !yield(Match{}, err) {
						return
					}
					break
				}
				if c.Resolve(m.Path) != b {
					continue
				}
				if !yield(m, nil) {
					return
				}
			}
		}
	}
}

// backendsUnder returns each distinct backend that may own a path below
// dir, in a stable order: the owner of dir first, then routes beneath it.
func (c *CompositeBackend) backendsUnder(dir string) []Backend {
	owner := c.Resolve(dir)
	out := []Backend{owner}
	parent := dirPrefix(dir)
	for i := len(c.routes) - 1; i >= 0; i-- {
		r := c.routes[i]
		if !strings.HasPrefix(r.Prefix, parent) || !r.Backend.Capabilities().Search {
			continue
		}
		dup := false
		for _, b := range out {
			if b == r.Backend {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, r.Backend)
		}
	}
	return out
}

// Execute always runs on the default backend.
func (c *CompositeBackend) Execute(ctx context.Context, command string) (*ExecResult, error) {
	ex, ok := c.def.(Executor)
	if !ok || !CanExecute(c.def) {
		return nil, pathErr("execute", "", ErrUnsupported, "default backend %s cannot execute commands", c.def.ID())
	}
	return ex.Execute(ctx, command)
}
