// Package trace implements the append-only per-user behavioral event log.
package trace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quietloop/quietloop/internal/domain"
)

// Store is the persistence contract for trace events. Append must be atomic
// per event; Recent returns events ordered oldest to newest, bounded by both
// age and count. Implementations must honor context cancellation on reads.
type Store interface {
	Append(ctx context.Context, event domain.TraceEvent) error
	Recent(ctx context.Context, userID string, maxAge time.Duration, maxCount int) ([]domain.TraceEvent, error)
	Close() error
}

// NewEventID returns a time-ordered unique event ID.
func NewEventID(ts time.Time) string {
	return ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String()
}

// MemoryStore keeps events in process memory. Used by tests and by the CLI's
// ephemeral mode; retention follows the same lazy model as the SQLite store.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string][]domain.TraceEvent
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates an in-memory store with the given retention window.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][]domain.TraceEvent),
		retention: retention,
		now:       time.Now,
	}
}

// SetNow overrides the clock; test hook.
func (s *MemoryStore) SetNow(now func() time.Time) { s.now = now }

func (s *MemoryStore) Append(ctx context.Context, event domain.TraceEvent) error {
	if err := ctx.Err(); err != nil {
		return domain.ErrStoreUnavailable(err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.ID == "" {
		event.ID = NewEventID(event.Timestamp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.UserID] = append(s.events[event.UserID], event)
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, userID string, maxAge time.Duration, maxCount int) ([]domain.TraceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrStoreUnavailable(err)
	}

	now := s.now()
	cutoff := now.Add(-maxAge)

	s.mu.Lock()
	// Lazy retention: drop expired events while we hold the lock anyway.
	if s.retention > 0 {
		keep := s.events[userID][:0]
		for _, ev := range s.events[userID] {
			if ev.Timestamp.After(now.Add(-s.retention)) {
				keep = append(keep, ev)
			}
		}
		s.events[userID] = keep
	}
	all := make([]domain.TraceEvent, len(s.events[userID]))
	copy(all, s.events[userID])
	s.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	var window []domain.TraceEvent
	for _, ev := range all {
		if !ev.Timestamp.Before(cutoff) {
			window = append(window, ev)
		}
	}
	if maxCount > 0 && len(window) > maxCount {
		window = window[len(window)-maxCount:]
	}
	return window, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
