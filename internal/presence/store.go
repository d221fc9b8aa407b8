// Package presence holds the latest known location of every actor reporting
// to this process. State is never persisted; a restarted process starts
// empty and fills up as actors report again.
package presence

import (
	"context"
	"math"
	"sync"
	"time"

	"campuswatch/presence-server/internal/model"
)

// Store maps actor IDs to their most recent LocationRecord. Records are
// replaced as whole values and never modified in place, so readers always
// observe complete records.
type Store struct {
	mu      sync.RWMutex
	records map[string]model.LocationRecord

	staleAfter time.Duration
	now        func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithStaleAfter hides records whose timestamp is older than d from Get and
// Snapshot, and lets Prune drop them. Zero keeps records forever.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

// WithClock replaces the wall clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]model.LocationRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert replaces whatever is stored for rec.ActorID.
func (s *Store) Upsert(rec model.LocationRecord) {
	rec = rec.Clone()
	s.mu.Lock()
	s.records[rec.ActorID] = rec
	s.mu.Unlock()
}

// Apply stores rec unless the entry already held for the actor is newer.
// It reports whether rec was stored. Relayed reports from other instances go
// through Apply so a delayed message cannot roll an actor back in time.
func (s *Store) Apply(rec model.LocationRecord) bool {
	rec = rec.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.ActorID]; ok && cur.Timestamp > rec.Timestamp {
		return false
	}
	s.records[rec.ActorID] = rec
	return true
}

// Get returns the record for actorID if it exists and is not stale.
func (s *Store) Get(actorID string) (model.LocationRecord, bool) {
	cutoff := s.cutoff()
	s.mu.RLock()
	rec, ok := s.records[actorID]
	s.mu.RUnlock()
	if !ok || rec.Timestamp < cutoff {
		return model.LocationRecord{}, false
	}
	return rec.Clone(), true
}

// Snapshot copies every fresh record. The result is owned by the caller.
func (s *Store) Snapshot() []model.LocationRecord {
	cutoff := s.cutoff()
	s.mu.RLock()
	out := make([]model.LocationRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Timestamp < cutoff {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	return out
}

// Len counts stored records, stale ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Prune drops records that have gone stale and returns how many were
// removed. It does nothing when no staleness window is configured.
func (s *Store) Prune() int {
	if s.staleAfter <= 0 {
		return 0
	}
	cutoff := s.cutoff()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if rec.Timestamp < cutoff {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// RunJanitor prunes stale records every interval until ctx is done. The
// callback, when non-nil, receives the number of records dropped per sweep.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration, onSweep func(int)) {
	if s.staleAfter <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.Prune()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}

// cutoff is the oldest timestamp (epoch ms) still considered live.
func (s *Store) cutoff() int64 {
	if s.staleAfter <= 0 {
		return math.MinInt64
	}
	return s.now().Add(-s.staleAfter).UnixMilli()
}
