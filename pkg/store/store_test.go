package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hervehildenbrand/threat-radar/pkg/models"
)

func validEvent(ts time.Time) models.Event {
	return models.Event{
		Timestamp: ts,
		SrcIP:     "129.25.10.5",
		Signature: "SSH brute force attempt",
		Severity:  models.SeverityMedium,
		Blocked:   true,
	}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := New(60, 0)
	now := time.Now().UTC()

	var last uint64
	for i := 0; i < 100; i++ {
		id, err := s.Append(validEvent(now))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if id <= last {
			t.Fatalf("ID %d not strictly increasing after %d", id, last)
		}
		last = id
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	s := New(60, 0)
	now := time.Now().UTC()

	for i := 0; i < 999; i++ {
		if _, err := s.Append(validEvent(now)); err != nil {
			t.Fatalf("valid event %d rejected: %v", i, err)
		}
	}

	bad := validEvent(now)
	bad.Severity = ""
	if _, err := s.Append(bad); err == nil {
		t.Fatal("event without severity accepted")
	}

	if got := len(s.Snapshot(60)); got != 999 {
		t.Errorf("Snapshot() len = %d, want 999", got)
	}
}

func TestSnapshotWindowing(t *testing.T) {
	s := New(60, 0)
	now := time.Now().UTC()

	// 90s old is inside the clock-skew tolerance, so it is appendable.
	old := validEvent(now.Add(-90 * time.Second))
	recent := validEvent(now.Add(-30 * time.Second))
	fresh := validEvent(now)

	for _, e := range []models.Event{old, recent, fresh} {
		if _, err := s.Append(e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if got := len(s.Snapshot(1)); got != 2 {
		t.Errorf("Snapshot(1) len = %d, want 2", got)
	}
	if got := len(s.Snapshot(5)); got != 3 {
		t.Errorf("Snapshot(5) len = %d, want 3", got)
	}
}

func TestSnapshotIsPrivateCopy(t *testing.T) {
	s := New(60, 0)
	now := time.Now().UTC()

	first := validEvent(now)
	first.SrcIP = "10.0.0.1"
	if _, err := s.Append(first); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot(60)
	if len(snap) != 1 {
		t.Fatalf("Snapshot() len = %d, want 1", len(snap))
	}

	// Later appends and evictions must not alter the handed-out snapshot.
	for i := 0; i < 50; i++ {
		if _, err := s.Append(validEvent(now)); err != nil {
			t.Fatal(err)
		}
	}
	s.EvictExpired()

	if len(snap) != 1 || snap[0].SrcIP != "10.0.0.1" {
		t.Error("snapshot mutated by concurrent store activity")
	}
}

func TestEvictExpired(t *testing.T) {
	s := New(1, 0) // 1 minute retention

	now := time.Now().UTC()
	expired := validEvent(now.Add(-90 * time.Second))
	live := validEvent(now)

	if _, err := s.Append(expired); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(live); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	removed := s.EvictExpired()
	if removed != 1 {
		t.Errorf("EvictExpired() = %d, want 1", removed)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestCapacityCeiling(t *testing.T) {
	s := New(60, 10)
	now := time.Now().UTC()

	for i := 0; i < 15; i++ {
		if _, err := s.Append(validEvent(now)); err != nil {
			t.Fatal(err)
		}
	}

	snap := s.Snapshot(60)
	if len(snap) != 10 {
		t.Fatalf("Len after overflow = %d, want 10", len(snap))
	}
	// Oldest end trimmed: first surviving event is the 6th appended.
	if snap[0].ID != 6 {
		t.Errorf("oldest surviving ID = %d, want 6", snap[0].ID)
	}
}

func TestConcurrentAppendAndSnapshot(t *testing.T) {
	s := New(60, 0)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			e := validEvent(now)
			e.SrcIP = fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)
			if _, err := s.Append(e); err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := s.Snapshot(60)
			// An event is either fully visible or not visible at all.
			for _, e := range snap {
				if e.ID == 0 || e.SrcIP == "" {
					t.Error("torn read: partially visible event")
					return
				}
			}
		}
	}()

	wg.Wait()

	if got := s.Len(); got != 500 {
		t.Errorf("Len() = %d, want 500", got)
	}
}
