package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"wick_core/backend"
)

// Backend types understood by the agents file.
const (
	TypeState     = "state"
	TypeDisk      = "disk"
	TypeStore     = "store"
	TypeSandbox   = "sandbox"
	TypeComposite = "composite"
)

// BackendSpec describes one named backend.
type BackendSpec struct {
	Type string `yaml:"type"`

	// disk
	Root           string        `yaml:"root"`
	Exec           bool          `yaml:"exec"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`

	// store
	Driver      string `yaml:"driver"` // sqlite or redis
	Path        string `yaml:"path"`
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	Namespace   string `yaml:"namespace"`
	EditRetries int    `yaml:"edit_retries"`

	// sandbox
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	TTY     bool          `yaml:"tty"`

	// composite
	Default string            `yaml:"default"`
	Routes  map[string]string `yaml:"routes"`
}

func (s *BackendSpec) validate(name string, all map[string]*BackendSpec) error {
	switch s.Type {
	case TypeState:
	case TypeDisk:
		if s.Root == "" {
			return fmt.Errorf("backend %q: disk needs a root", name)
		}
	case TypeStore:
		switch s.Driver {
		case "sqlite":
			if s.Path == "" {
				return fmt.Errorf("backend %q: sqlite store needs a path", name)
			}
		case "redis":
			if s.Addr == "" {
				return fmt.Errorf("backend %q: redis store needs an addr", name)
			}
		default:
			return fmt.Errorf("backend %q: unknown store driver %q (want sqlite or redis)", name, s.Driver)
		}
	case TypeSandbox:
		if s.URL == "" {
			return fmt.Errorf("backend %q: sandbox needs a url", name)
		}
	case TypeComposite:
		if s.Default == "" {
			return fmt.Errorf("backend %q: composite needs a default backend", name)
		}
		if _, ok := all[s.Default]; !ok {
			return fmt.Errorf("backend %q: default references unknown backend %q", name, s.Default)
		}
		for prefix, target := range s.Routes {
			if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") || prefix == "/" {
				return fmt.Errorf("backend %q: route prefix %q must start and end with / and not be the root", name, prefix)
			}
			if _, ok := all[target]; !ok {
				return fmt.Errorf("backend %q: route %q references unknown backend %q", name, prefix, target)
			}
		}
	case "":
		return fmt.Errorf("backend %q: type is required", name)
	default:
		return fmt.Errorf("backend %q: unknown type %q", name, s.Type)
	}
	if s.Type != TypeComposite && (s.Default != "" || len(s.Routes) > 0) {
		return fmt.Errorf("backend %q: only composite backends have routes", name)
	}
	return nil
}

// deps returns the backends a composite routes to.
func (s *BackendSpec) deps() []string {
	if s.Type != TypeComposite {
		return nil
	}
	out := []string{s.Default}
	for _, prefix := range sortedKeys(s.Routes) {
		out = append(out, s.Routes[prefix])
	}
	return out
}

// Backends builds the named backends of a File on first use and owns the
// connections they open. A backend referenced by several agents or routes
// is built once and shared.
type Backends struct {
	file   *File
	logger *zap.Logger

	mu      sync.Mutex
	built   map[string]backend.Backend
	closers []io.Closer
}

// NewBackends prepares the backends of f.
func NewBackends(f *File, logger *zap.Logger) *Backends {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backends{file: f, logger: logger, built: make(map[string]backend.Backend)}
}

// Get returns the named backend, building it and its routes if needed.
func (b *Backends) Get(ctx context.Context, name string) (backend.Backend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(ctx, name)
}

func (b *Backends) get(ctx context.Context, name string) (backend.Backend, error) {
	if be, ok := b.built[name]; ok {
		return be, nil
	}
	spec, ok := b.file.Backends[name]
	if !ok || spec == nil {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	be, err := b.build(ctx, name, spec)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	b.built[name] = be
	b.logger.Debug("backend ready", zap.String("name", name), zap.String("type", spec.Type))
	return be, nil
}

func (b *Backends) build(ctx context.Context, name string, spec *BackendSpec) (backend.Backend, error) {
	switch spec.Type {
	case TypeState:
		return backend.NewStateBackend(), nil

	case TypeDisk:
		var opts []backend.DiskOption
		if spec.Exec {
			opts = append(opts, backend.WithLocalExec(spec.ExecTimeout, spec.MaxOutputBytes))
		}
		return backend.NewDiskBackend(b.file.path(spec.Root), opts...)

	case TypeStore:
		var kv backend.KVStore
		switch spec.Driver {
		case "sqlite":
			s, err := backend.OpenSQLiteStore(b.file.path(spec.Path))
			if err != nil {
				return nil, err
			}
			kv = s
		case "redis":
			s, err := backend.DialRedisStore(ctx, spec.Addr, spec.Password, spec.DB)
			if err != nil {
				return nil, err
			}
			kv = s
		}
		b.closers = append(b.closers, kv)
		return backend.NewStoreBackend(kv,
			backend.WithNamespace(spec.Namespace),
			backend.WithEditRetries(spec.EditRetries),
			backend.WithStoreLogger(b.logger.Named("store").With(zap.String("backend", name))),
		), nil

	case TypeSandbox:
		client, err := backend.DialDaemon(ctx, spec.URL, nil)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client)
		return backend.NewSandboxBackend(client, spec.Timeout, backend.WithTTY(spec.TTY)), nil

	case TypeComposite:
		def, err := b.get(ctx, spec.Default)
		if err != nil {
			return nil, err
		}
		routes := make(map[string]backend.Backend, len(spec.Routes))
		for prefix, target := range spec.Routes {
			if routes[prefix], err = b.get(ctx, target); err != nil {
				return nil, err
			}
		}
		return backend.NewComposite(def, routes)
	}
	return nil, fmt.Errorf("unknown type %q", spec.Type)
}

// Close releases every store and sandbox connection opened so far.
func (b *Backends) Close() error {
	b.mu.Lock()
	closers := slices.Clone(b.closers)
	b.closers = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range slices.Backward(closers) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
