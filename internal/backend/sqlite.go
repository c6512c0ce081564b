package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		payload BLOB,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		swr_ms INTEGER NOT NULL DEFAULT 0,
		sie_ms INTEGER NOT NULL DEFAULT 0,
		retain_until INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS entry_tags (
		tag TEXT NOT NULL,
		key TEXT NOT NULL,
		PRIMARY KEY (tag, key)
	)`,
	`CREATE INDEX IF NOT EXISTS entry_tags_key_idx ON entry_tags (key)`,
	`CREATE INDEX IF NOT EXISTS entries_retain_idx ON entries (retain_until)`,
}

// SQLite is a database/sql backend on the pure-Go SQLite driver. Tags are
// stored in their own table and every statement binds its arguments.
type SQLite struct {
	db         *sql.DB
	writeMutex sync.Mutex
	now        func() time.Time
}

// OpenSQLite opens the database at path, creating the schema if needed. An
// empty path or ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	memory := path == "" || path == ":memory:"
	if memory {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite wal: %w", err)
		}
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func (s *SQLite) Get(ctx context.Context, key string) (*Record, bool, error) {
	var (
		rec                                Record
		created, expires, swr, sie, retain int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, payload, created_at, expires_at, swr_ms, sie_ms, retain_until
		FROM entries WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.Payload, &created, &expires, &swr, &sie, &retain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get %q: %w", key, err)
	}
	if retain > 0 && s.now().UnixMilli() > retain {
		if _, err := s.Remove(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	rec.CreatedAt = fromMillis(created)
	rec.ExpiresAt = fromMillis(expires)
	rec.StaleWhileRevalidate = time.Duration(swr) * time.Millisecond
	rec.StaleIfError = time.Duration(sie) * time.Millisecond

	tags, err := s.tagsFor(ctx, key)
	if err != nil {
		return nil, false, err
	}
	rec.Tags = tags[key]
	return &rec, true, nil
}

// tagsFor loads the tags of keys, grouped by key.
func (s *SQLite) tagsFor(ctx context.Context, keys ...string) (map[string][]string, error) {
	out := make(map[string][]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, tag FROM entry_tags WHERE key IN ("+placeholders(len(keys))+") ORDER BY key, tag",
		stringArgs(keys)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, tag string
		if err := rows.Scan(&key, &tag); err != nil {
			return nil, fmt.Errorf("sqlite tags: %w", err)
		}
		out[key] = append(out[key], tag)
	}
	return out, rows.Err()
}

func (s *SQLite) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	if rec == nil || rec.Key == "" {
		return ErrEmptyKey
	}
	var retain int64
	if ttl > 0 {
		retain = s.now().Add(ttl).UnixMilli()
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite set %q: %w", rec.Key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(key, payload, created_at, expires_at, swr_ms, sie_ms, retain_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.Payload, toMillis(rec.CreatedAt), toMillis(rec.ExpiresAt),
		rec.StaleWhileRevalidate.Milliseconds(), rec.StaleIfError.Milliseconds(), retain,
	); err != nil {
		return fmt.Errorf("sqlite set %q: %w", rec.Key, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entry_tags WHERE key = ?", rec.Key); err != nil {
		return fmt.Errorf("sqlite set %q: %w", rec.Key, err)
	}
	for _, tag := range rec.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entry_tags (tag, key) VALUES (?, ?)", tag, rec.Key); err != nil {
			return fmt.Errorf("sqlite set %q: %w", rec.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Has(ctx context.Context, key string) (bool, error) {
	var retain int64
	err := s.db.QueryRowContext(ctx, "SELECT retain_until FROM entries WHERE key = ?", key).Scan(&retain)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite has %q: %w", key, err)
	}
	return retain == 0 || s.now().UnixMilli() <= retain, nil
}

func (s *SQLite) Remove(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite remove: %w", err)
	}
	defer tx.Rollback()

	in := placeholders(len(keys))
	args := stringArgs(keys)
	res, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE key IN ("+in+")", args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite remove: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entry_tags WHERE key IN ("+in+")", args...); err != nil {
		return 0, fmt.Errorf("sqlite remove: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite remove: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) ListEntries(ctx context.Context, offset, limit int) (EntryPage, error) {
	var out EntryPage
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&out.Total); err != nil {
		return EntryPage{}, fmt.Errorf("sqlite count: %w", err)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, created_at, expires_at, COALESCE(length(payload), 0) FROM entries
		ORDER BY key LIMIT ? OFFSET ?`, limit, max(offset, 0))
	if err != nil {
		return EntryPage{}, fmt.Errorf("sqlite list entries: %w", err)
	}
	out.Rows = []EntrySummary{}
	var keys []string
	for rows.Next() {
		var row EntrySummary
		var created, expires int64
		if err := rows.Scan(&row.Key, &created, &expires, &row.Size); err != nil {
			rows.Close()
			return EntryPage{}, fmt.Errorf("sqlite list entries: %w", err)
		}
		row.CreatedAt = fromMillis(created)
		row.ExpiresAt = fromMillis(expires)
		out.Rows = append(out.Rows, row)
		keys = append(keys, row.Key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return EntryPage{}, fmt.Errorf("sqlite list entries: %w", err)
	}

	tags, err := s.tagsFor(ctx, keys...)
	if err != nil {
		return EntryPage{}, err
	}
	for i := range out.Rows {
		out.Rows[i].Tags = tags[out.Rows[i].Key]
	}
	return out, nil
}

func (s *SQLite) ListTags(ctx context.Context, offset, limit int) ([]TagCount, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag, COUNT(*) AS n FROM entry_tags GROUP BY tag
		ORDER BY n DESC, tag ASC LIMIT ? OFFSET ?`, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("sqlite list tags: %w", err)
	}
	defer rows.Close()

	out := []TagCount{}
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("sqlite list tags: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (s *SQLite) Clear(ctx context.Context) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite clear: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM entries")
	if err != nil {
		return 0, fmt.Errorf("sqlite clear: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entry_tags"); err != nil {
		return 0, fmt.Errorf("sqlite clear: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Vacuum deletes rows whose retention has lapsed and returns how many.
func (s *SQLite) Vacuum(ctx context.Context) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	now := s.now().UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entry_tags WHERE key IN
		(SELECT key FROM entries WHERE retain_until > 0 AND retain_until < ?)`, now); err != nil {
		return 0, fmt.Errorf("sqlite vacuum: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE retain_until > 0 AND retain_until < ?", now)
	if err != nil {
		return 0, fmt.Errorf("sqlite vacuum: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
