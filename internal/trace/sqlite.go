package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quietloop/quietloop/internal/domain"
)

// sweepInterval is how many reads pass between lazy retention sweeps.
const sweepInterval = 64

// SQLiteStore is the durable Store backed by a local SQLite database.
// Appends are single-statement inserts, so each event is atomic; readers
// never observe a torn event.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
	reads     atomic.Uint64
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema. Retention controls the lazy eviction window; zero disables it.
func NewSQLiteStore(path string, retention time.Duration) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, retention: retention, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// SetNow overrides the clock; test hook.
func (s *SQLiteStore) SetNow(now func() time.Time) { s.now = now }

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trace_events (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload    TEXT,
			source     TEXT NOT NULL,
			ts         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_user_ts ON trace_events(user_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_ts ON trace_events(ts)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, event domain.TraceEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.ID == "" {
		event.ID = NewEventID(event.Timestamp)
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return domain.ErrStoreUnavailable(fmt.Errorf("marshal payload: %w", err))
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trace_events (id, user_id, event_type, payload, source, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.EventType, string(payload), event.Source,
		event.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return domain.ErrStoreUnavailable(fmt.Errorf("insert event: %w", err))
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, userID string, maxAge time.Duration, maxCount int) ([]domain.TraceEvent, error) {
	s.maybeSweep(ctx)

	cutoff := s.now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	if maxCount <= 0 {
		maxCount = -1 // SQLite treats a negative LIMIT as unbounded
	}

	// Newest-first with the LIMIT applied, then reversed so the window reads
	// oldest to newest.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, event_type, payload, source, ts
		 FROM trace_events
		 WHERE user_id = ? AND ts >= ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		userID, cutoff, maxCount)
	if err != nil {
		return nil, domain.ErrStoreUnavailable(fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	var events []domain.TraceEvent
	for rows.Next() {
		var ev domain.TraceEvent
		var payloadJSON, ts string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.EventType, &payloadJSON, &ev.Source, &ts); err != nil {
			return nil, domain.ErrStoreUnavailable(fmt.Errorf("scan event: %w", err))
		}
		if payloadJSON != "" && payloadJSON != "null" {
			if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
				return nil, domain.ErrStoreUnavailable(fmt.Errorf("unmarshal payload: %w", err))
			}
		}
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, domain.ErrStoreUnavailable(fmt.Errorf("parse timestamp: %w", err))
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrStoreUnavailable(err)
	}

	// Reverse to oldest-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// maybeSweep deletes events older than the retention window on every Nth
// read. Best effort: a failed sweep never fails the read.
func (s *SQLiteStore) maybeSweep(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	if s.reads.Add(1)%sweepInterval != 1 {
		return
	}
	cutoff := s.now().Add(-s.retention).UTC().Format(time.RFC3339Nano)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM trace_events WHERE ts < ?`, cutoff)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)
