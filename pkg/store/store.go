// Package store holds the sliding time window of recent events in memory.
//
// One producer appends while many readers take snapshots. A single coarse
// mutex serializes both sides: contention is low (one writer, bursty readers)
// and torn reads matter far more than write throughput here.
package store

import (
	"sync"
	"time"

	"github.com/hervehildenbrand/threat-radar/pkg/models"
)

const (
	// DefaultRetentionMinutes is the retention horizon R: events older than
	// this are evicted regardless of any query window.
	DefaultRetentionMinutes = 60

	// DefaultMaxEvents is the hard capacity ceiling. Whichever of retention
	// and capacity binds first wins.
	DefaultMaxEvents = 20000

	// sweepInterval bounds how often an append triggers an eviction pass.
	sweepInterval = time.Second
)

// Store is an append-ordered in-memory event log with automatic eviction.
type Store struct {
	mu        sync.Mutex
	events    []models.Event
	nextID    uint64
	retention time.Duration
	maxEvents int
	lastSweep time.Time

	// Stats
	appended uint64
	rejected uint64
	evicted  uint64
}

// New creates a store retaining at most retentionMinutes of events, capped at
// maxEvents. Non-positive arguments select the defaults.
func New(retentionMinutes, maxEvents int) *Store {
	if retentionMinutes <= 0 {
		retentionMinutes = DefaultRetentionMinutes
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Store{
		retention: time.Duration(retentionMinutes) * time.Minute,
		maxEvents: maxEvents,
	}
}

// RetentionMinutes returns the retention horizon in minutes.
func (s *Store) RetentionMinutes() int {
	return int(s.retention / time.Minute)
}

// Append validates the event, assigns its ID and stores it in arrival order.
// The returned ID is unique and strictly increasing across the store's
// lifetime. A validation failure drops the event whole; nothing is stored.
//
// An eviction pass piggybacks on appends, amortized to at most one per second.
func (s *Store) Append(e models.Event) (uint64, error) {
	now := time.Now().UTC()
	if err := e.Validate(now); err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e.ID = s.nextID
	s.events = append(s.events, e)
	s.appended++

	if now.Sub(s.lastSweep) >= sweepInterval {
		s.evictLocked(now)
		s.lastSweep = now
	}
	if over := len(s.events) - s.maxEvents; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
		s.evicted += uint64(over)
	}

	return e.ID, nil
}

// Snapshot returns a private, point-in-time copy of every event with
// Timestamp >= now - windowMinutes. The copy is never mutated by later
// appends or evictions; callers own it outright.
func (s *Store) Snapshot(windowMinutes int) []models.Event {
	cutoff := time.Now().UTC().Add(-time.Duration(windowMinutes) * time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Event, 0, len(s.events))
	for _, e := range s.events {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of live events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// EvictExpired drops events older than the retention horizon and returns how
// many were removed. Run periodically by the maintenance ticker; appends also
// trigger it opportunistically.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(time.Now().UTC())
}

// evictLocked trims from the oldest end. Arrival order matches timestamp
// order only within the clock-skew tolerance, so the scan keeps that much
// slack before trusting an in-window event to end the pass.
func (s *Store) evictLocked(now time.Time) int {
	horizon := now.Add(-s.retention)
	// An event this far inside the window cannot be followed by an expired
	// one, given the bounded disorder.
	settled := horizon.Add(models.MaxTimestampLag + models.MaxTimestampLead)

	kept := s.events[:0:0]
	removed := 0
	for i, e := range s.events {
		if e.Timestamp.Before(horizon) {
			removed++
			continue
		}
		if !e.Timestamp.Before(settled) {
			kept = append(kept, s.events[i:]...)
			break
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		s.events = kept
		s.evicted += uint64(removed)
	}
	return removed
}

// Stats returns store statistics for the periodic stats logger.
func (s *Store) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"live_events": len(s.events),
		"appended":    s.appended,
		"rejected":    s.rejected,
		"evicted":     s.evicted,
		"next_id":     s.nextID,
	}
}
