package backend

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Record is one stored file.
type Record struct {
	Key        string
	Content    string
	Version    int64
	ModifiedAt time.Time
}

// AnyVersion makes Put unconditional.
const AnyVersion int64 = -1

// KVStore is the durable key-value store behind StoreBackend.
type KVStore interface {
	// Get returns the record at key, or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// Put stores content at key. When expect is not AnyVersion the write
	// only lands if the current version equals expect (0 means absent);
	// otherwise it fails with ErrConflict. It returns the new version.
	Put(ctx context.Context, key, content string, expect int64) (int64, error)

	// Scan returns every record whose key starts with prefix, sorted by key.
	Scan(ctx context.Context, prefix string) ([]Record, error)

	Close() error
}

// StoreBackend persists files as records in a KVStore, keyed by
// namespace and path. Writes are last-write-wins; edits are
// compare-and-swap and retry a bounded number of times before reporting
// ErrConflict.
type StoreBackend struct {
	kv        KVStore
	namespace string
	retries   int
	logger    *zap.Logger
}

// StoreOption configures a StoreBackend.
type StoreOption func(*StoreBackend)

// WithNamespace scopes keys so several agents can share one store.
func WithNamespace(ns string) StoreOption {
	return func(b *StoreBackend) { b.namespace = strings.Trim(ns, "/") }
}

// WithEditRetries sets how many times a conflicting edit is retried.
func WithEditRetries(n int) StoreOption {
	return func(b *StoreBackend) {
		if n > 0 {
			b.retries = n
		}
	}
}

// WithStoreLogger sets the logger used for conflict diagnostics.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(b *StoreBackend) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewStoreBackend wraps kv.
func NewStoreBackend(kv KVStore, opts ...StoreOption) *StoreBackend {
	b := &StoreBackend{kv: kv, retries: 8, logger: zap.NewNop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *StoreBackend) ID() string                 { return "store" }
func (b *StoreBackend) Capabilities() Capabilities { return fileCaps }

// Close releases the underlying store.
func (b *StoreBackend) Close() error { return b.kv.Close() }

// key derives the stable store key for a normalized path.
func (b *StoreBackend) key(p string) string {
	if b.namespace == "" {
		return "files:" + p
	}
	return "files:" + b.namespace + ":" + p
}

func (b *StoreBackend) path(key string) string {
	return strings.TrimPrefix(key, b.key(""))
}

func (b *StoreBackend) Read(ctx context.Context, vp string, offset, limit int) (string, error) {
	p, err := NormalizePath(vp)
	if err != nil {
		return "", err
	}
	rec, err := b.kv.Get(ctx, b.key(p))
	if err != nil {
		return "", b.wrap("read", p, err)
	}
	return sliceLines(p, rec.Content, offset, limit)
}

func (b *StoreBackend) Write(ctx context.Context, vp, content string) error {
	p, err := NormalizePath(vp)
	if err != nil {
		return err
	}
	if err := b.checkTree(ctx, p); err != nil {
		return err
	}
	_, err = b.kv.Put(ctx, b.key(p), content, AnyVersion)
	return b.wrap("write", p, err)
}

// checkTree keeps files and directories disjoint. It is not atomic with the
// following Put; two writers racing on "/a" and "/a/b" can both land.
func (b *StoreBackend) checkTree(ctx context.Context, p string) error {
	for _, a := range ancestors(p) {
		_, err := b.kv.Get(ctx, b.key(a))
		switch {
		case err == nil:
			return errNotADirectory("write", p, a)
		case !errors.Is(err, ErrNotFound):
			return b.wrap("write", p, err)
		}
	}
	children, err := b.kv.Scan(ctx, b.key(p+"/"))
	if err != nil {
		return b.wrap("write", p, err)
	}
	if len(children) > 0 {
		return errIsADirectory("write", p)
	}
	return nil
}

func (b *StoreBackend) Edit(ctx context.Context, vp, old, new string, replaceAll bool) (int, error) {
	p, err := NormalizePath(vp)
	if err != nil {
		return 0, err
	}
	key := b.key(p)
	for attempt := 0; attempt <= b.retries; attempt++ {
		rec, err := b.kv.Get(ctx, key)
		if err != nil {
			return 0, b.wrap("edit", p, err)
		}
		updated, n, err := applyEdit(p, rec.Content, old, new, replaceAll)
		if err != nil {
			return 0, err
		}
		_, err = b.kv.Put(ctx, key, updated, rec.Version)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, ErrConflict):
			b.logger.Debug("edit lost compare-and-swap, retrying",
				zap.String("path", p), zap.Int("attempt", attempt+1))
			continue
		default:
			return 0, b.wrap("edit", p, err)
		}
	}
	return 0, pathErr("edit", p, ErrConflict, "gave up after %d concurrent modifications", b.retries+1)
}

func (b *StoreBackend) List(ctx context.Context, prefix string) ([]Entry, error) {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	files, err := b.scan(ctx, dir)
	if err != nil {
		return nil, b.wrap("ls", dir, err)
	}
	return listChildren(dir, files), nil
}

func (b *StoreBackend) Glob(ctx context.Context, pattern, prefix string) iter.Seq2[string, error] {
	dir, err := NormalizePrefix(prefix)
	if err == nil {
		err = ValidateGlob(pattern)
	}
	if err != nil {
		return errSeq[string](err)
	}
	return func(yield func(string, error) bool) {
		files, err := b.scan(ctx, dir)
		if err != nil {
			yield("", b.wrap("glob", dir, err))
			return
		}
		for _, f := range files {
			if MatchGlob(pattern, dir, f.Path) && !yield(f.Path, nil) {
				return
			}
		}
	}
}

func (b *StoreBackend) Search(ctx context.Context, pattern, prefix string) iter.Seq2[Match, error] {
	dir, err := NormalizePrefix(prefix)
	if err != nil {
		return errSeq[Match](err)
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return errSeq[Match](err)
	}
	return func(yield func(Match, error) bool) {
		recs, err := b.kv.Scan(ctx, b.key(dir))
		if err != nil {
			yield(Match{}, b.wrap("grep", dir, err))
			return
		}
		for _, r := range recs {
			p := b.path(r.Key)
			if !underPrefix(p, dir) {
				continue
			}
			if !matchLines(p, r.Content, re, yield) {
				return
			}
		}
	}
}

func (b *StoreBackend) scan(ctx context.Context, dir string) ([]Entry, error) {
	recs, err := b.kv.Scan(ctx, b.key(dir))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		p := b.path(r.Key)
		if !underPrefix(p, dir) {
			continue
		}
		out = append(out, Entry{Path: p, Size: int64(len(r.Content)), ModifiedAt: r.ModifiedAt})
	}
	return out, nil
}

// wrap attaches path context to store errors, keeping sentinel identity.
func (b *StoreBackend) wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	return &PathError{Op: op, Path: p, Err: err}
}
