package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a KVStore backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at dbPath. ":memory:"
// gives a private in-memory store.
func OpenSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: writes serialize in-process and ":memory:" stays a
	// single database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS files (
		key TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		version INTEGER NOT NULL,
		modified_at INTEGER NOT NULL
	)`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	var (
		r     = Record{Key: key}
		mtime int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content, version, modified_at FROM files WHERE key = ?`, key,
	).Scan(&r.Content, &r.Version, &mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	r.ModifiedAt = time.Unix(0, mtime)
	return r, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key, content string, expect int64) (int64, error) {
	now := time.Now().UnixNano()
	switch {
	case expect == AnyVersion:
		var v int64
		err := s.db.QueryRowContext(ctx, `INSERT INTO files (key, content, version, modified_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				content = excluded.content,
				version = files.version + 1,
				modified_at = excluded.modified_at
			RETURNING version`, key, content, now).Scan(&v)
		if err != nil {
			return 0, fmt.Errorf("put %s: %w", key, err)
		}
		return v, nil

	case expect == 0:
		res, err := s.db.ExecContext(ctx, `INSERT INTO files (key, content, version, modified_at)
			VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING`, key, content, now)
		if err != nil {
			return 0, fmt.Errorf("put %s: %w", key, err)
		}
		return 1, conflictIfNone(res)

	default:
		res, err := s.db.ExecContext(ctx, `UPDATE files
			SET content = ?, version = version + 1, modified_at = ?
			WHERE key = ? AND version = ?`, content, now, key, expect)
		if err != nil {
			return 0, fmt.Errorf("put %s: %w", key, err)
		}
		return expect + 1, conflictIfNone(res)
	}
}

func conflictIfNone(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, content, version, modified_at FROM files
		WHERE substr(key, 1, length(?1)) = ?1
		ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r     Record
			mtime int64
		)
		if err := rows.Scan(&r.Key, &r.Content, &r.Version, &mtime); err != nil {
			return nil, err
		}
		r.ModifiedAt = time.Unix(0, mtime)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
