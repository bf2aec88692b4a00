// Package sqlite provides the durable cache tier backed by a SQLite file.
// It is the source of truth: the volatile tier is rebuilt from it on miss
// and on process start.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/saladjay/ChatCoachService-sub000/pkg/cache"
)

// Store implements cache.DurableStore using SQLite.
type Store struct {
	db *sql.DB

	// Statistics
	appends atomic.Int64
	reads   atomic.Int64
	sweeps  atomic.Int64
}

// Config holds configuration for the SQLite store.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string `yaml:"path"`
	// BusyTimeout bounds lock waits from concurrent writers.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:         "chatcoach.db",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	last_active_at INTEGER NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS resources (
	session_id     TEXT NOT NULL,
	resource_key   TEXT NOT NULL,
	resource       TEXT NOT NULL,
	last_active_at INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	PRIMARY KEY (session_id, resource_key)
);
CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	category     TEXT NOT NULL,
	resource_key TEXT NOT NULL,
	ts           INTEGER NOT NULL,
	payload      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_category ON events (session_id, category, id);
CREATE INDEX IF NOT EXISTS idx_events_session_resource ON events (session_id, resource_key, category, id);
`

// New opens (or creates) the database file and initializes the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle (useful for tests).
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append writes one event transactionally: sessions upsert, resources
// upsert, events insert, then a trim of events beyond maxTimeline for the
// (session, category) pair.
func (s *Store) Append(ctx context.Context, key cache.SessionKey, ev cache.Event, rawResource string, maxTimeline int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	sid := key.String()
	now := ev.Timestamp.UnixNano()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, last_active_at, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_active_at = excluded.last_active_at`,
		sid, now, now)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (session_id, resource_key, resource, last_active_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, resource_key) DO UPDATE SET last_active_at = excluded.last_active_at`,
		sid, ev.ResourceKey, rawResource, now, now)
	if err != nil {
		return fmt.Errorf("upsert resource: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, category, resource_key, ts, payload)
		VALUES (?, ?, ?, ?, ?)`,
		sid, string(ev.Category), ev.ResourceKey, now, ev.Payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if maxTimeline > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM events
			WHERE session_id = ? AND category = ? AND id NOT IN (
				SELECT id FROM events
				WHERE session_id = ? AND category = ?
				ORDER BY id DESC LIMIT ?
			)`,
			sid, string(ev.Category), sid, string(ev.Category), maxTimeline)
		if err != nil {
			return fmt.Errorf("trim timeline: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	s.appends.Add(1)
	return nil
}

// Timeline returns the ordered event list for (session, category), oldest
// first, at most maxTimeline entries.
func (s *Store) Timeline(ctx context.Context, key cache.SessionKey, cat cache.Category, maxTimeline int) ([]cache.Event, error) {
	s.reads.Add(1)

	query := `
		SELECT category, resource_key, ts, payload FROM events
		WHERE session_id = ? AND category = ?
		ORDER BY id DESC`
	args := []any{key.String(), string(cat)}
	if maxTimeline > 0 {
		query += " LIMIT ?"
		args = append(args, maxTimeline)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var events []cache.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}

	// Query runs newest-first so LIMIT keeps the tail; reverse to oldest-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ResourceLast returns the most recent event for the triple, or nil.
func (s *Store) ResourceLast(ctx context.Context, key cache.SessionKey, cat cache.Category, resourceKey string) (*cache.Event, error) {
	s.reads.Add(1)

	row := s.db.QueryRowContext(ctx, `
		SELECT category, resource_key, ts, payload FROM events
		WHERE session_id = ? AND resource_key = ? AND category = ?
		ORDER BY id DESC LIMIT 1`,
		key.String(), resourceKey, string(cat))

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ResourceCategories returns the most recent event per category for one
// resource.
func (s *Store) ResourceCategories(ctx context.Context, key cache.SessionKey, resourceKey string) (map[cache.Category]cache.Event, error) {
	s.reads.Add(1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.category, e.resource_key, e.ts, e.payload
		FROM events e
		JOIN (
			SELECT category, MAX(id) AS max_id FROM events
			WHERE session_id = ? AND resource_key = ?
			GROUP BY category
		) latest ON e.id = latest.max_id`,
		key.String(), resourceKey)
	if err != nil {
		return nil, fmt.Errorf("query resource categories: %w", err)
	}
	defer rows.Close()

	result := make(map[cache.Category]cache.Event)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result[ev.Category] = ev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resource categories: %w", err)
	}
	return result, nil
}

// Resources returns resources for a session ordered by most-recent activity.
func (s *Store) Resources(ctx context.Context, key cache.SessionKey, limit int) ([]cache.Resource, error) {
	s.reads.Add(1)

	query := `
		SELECT resource_key, resource, last_active_at FROM resources
		WHERE session_id = ?
		ORDER BY last_active_at DESC`
	args := []any{key.String()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var resources []cache.Resource
	for rows.Next() {
		var r cache.Resource
		var lastActive int64
		if err := rows.Scan(&r.Key, &r.Raw, &lastActive); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.LastActiveAt = time.Unix(0, lastActive)
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return resources, nil
}

// ActiveSessions returns sessions whose last activity is within the window.
func (s *Store) ActiveSessions(ctx context.Context, window time.Duration) ([]cache.SessionRecord, error) {
	cutoff := time.Now().Add(-window).UnixNano()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, last_active_at FROM sessions
		WHERE last_active_at > ?`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var records []cache.SessionRecord
	for rows.Next() {
		var sid string
		var lastActive int64
		if err := rows.Scan(&sid, &lastActive); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, cache.SessionRecord{
			Key:          splitSessionID(sid),
			LastActiveAt: time.Unix(0, lastActive),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// Categories returns every category with at least one event for the session.
func (s *Store) Categories(ctx context.Context, key cache.SessionKey) ([]cache.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT category FROM events WHERE session_id = ?`,
		key.String())
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var cats []cache.Category
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		cats = append(cats, cache.Category(c))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return cats, nil
}

// DeleteSession removes the session row and everything under it.
func (s *Store) DeleteSession(ctx context.Context, key cache.SessionKey) error {
	return s.deleteSessions(ctx, key.String())
}

// DeleteResource removes one resource and its events.
func (s *Store) DeleteResource(ctx context.Context, key cache.SessionKey, resourceKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete resource: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	sid := key.String()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ? AND resource_key = ?`, sid, resourceKey); err != nil {
		return fmt.Errorf("delete resource events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE session_id = ? AND resource_key = ?`, sid, resourceKey); err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return tx.Commit()
}

// DeleteExpired removes sessions whose last activity is older than the
// window and returns how many sessions were swept.
func (s *Store) DeleteExpired(ctx context.Context, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()

	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE last_active_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query expired sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired session: %w", err)
		}
		expired = append(expired, sid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired sessions: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if err := s.deleteSessions(ctx, expired...); err != nil {
		return 0, err
	}
	s.sweeps.Add(int64(len(expired)))
	return len(expired), nil
}

func (s *Store) deleteSessions(ctx context.Context, sids ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete sessions: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sids)), ",")
	args := make([]any, len(sids))
	for i, sid := range sids {
		args[i] = sid
	}

	for _, stmt := range []string{
		`DELETE FROM events WHERE session_id IN (` + placeholders + `)`,
		`DELETE FROM resources WHERE session_id IN (` + placeholders + `)`,
		`DELETE FROM sessions WHERE session_id IN (` + placeholders + `)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
	}
	return tx.Commit()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (cache.Event, error) {
	var ev cache.Event
	var cat string
	var ts int64
	if err := row.Scan(&cat, &ev.ResourceKey, &ts, &ev.Payload); err != nil {
		if err == sql.ErrNoRows {
			return ev, err
		}
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Category = cache.Category(cat)
	ev.Timestamp = time.Unix(0, ts)
	return ev, nil
}

// splitSessionID reverses cache.SessionKey.String. The scene tag never
// contains a colon; session IDs may, so split on the last one.
func splitSessionID(sid string) cache.SessionKey {
	if i := strings.LastIndex(sid, ":"); i >= 0 {
		return cache.SessionKey{SessionID: sid[:i], Scene: sid[i+1:]}
	}
	return cache.SessionKey{SessionID: sid}
}
