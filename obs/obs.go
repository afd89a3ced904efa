// Package obs holds the process-local observability store: named counters
// and labelled bucket counters incremented by the workers, plus the last-run
// bookkeeping of the task processor loop. Counters are deliberately
// in-process; an HTTP surface reads them through Snapshot.
package obs

import (
	"sync"
	"time"
)

// Counter names used by the task processor. Callers may define additional
// names; the store accepts any string.
const (
	TasksProcessed    = "tasks_processed"
	TasksFailed       = "tasks_failed"
	TasksRetried      = "tasks_retried"
	TasksDeadLettered = "tasks_dead_lettered"
	LoopErrors        = "loop_errors"
	WebhookBadSig     = "webhook_signature_failures"
)

// Store is a mutex-guarded metrics store. The zero value is not usable;
// construct with New.
type Store struct {
	mu       sync.Mutex
	counters map[string]int64
	buckets  map[string]map[string]int64
	loop     LoopStatus
}

// LoopStatus captures the last processor iteration.
type LoopStatus struct {
	LastRunStartedAt  time.Time     `json:"last_run_started_at"`
	LastRunFinishedAt time.Time     `json:"last_run_finished_at"`
	LastRunDuration   time.Duration `json:"last_run_duration"`
	LastError         string        `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Counters map[string]int64            `json:"counters"`
	Buckets  map[string]map[string]int64 `json:"buckets"`
	Loop     LoopStatus                  `json:"loop"`
}

// New returns an empty store.
func New() *Store {
	return &Store{
		counters: make(map[string]int64),
		buckets:  make(map[string]map[string]int64),
	}
}

// Inc increments the named counter by delta.
func (s *Store) Inc(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
}

// IncBucket increments the labelled bucket of a counter, e.g. per-task-type
// processed/failed counts.
func (s *Store) IncBucket(name, label string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[name]
	if b == nil {
		b = make(map[string]int64)
		s.buckets[name] = b
	}
	b[label] += delta
}

// Get returns the current value of a counter.
func (s *Store) Get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// RecordLoop stores the outcome of one processor iteration.
func (s *Store) RecordLoop(started, finished time.Time, loopErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop.LastRunStartedAt = started
	s.loop.LastRunFinishedAt = finished
	s.loop.LastRunDuration = finished.Sub(started)
	if loopErr != nil {
		s.loop.LastError = loopErr.Error()
	} else {
		s.loop.LastError = ""
	}
}

// Snapshot returns a deep copy of counters, buckets and loop status.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Counters: make(map[string]int64, len(s.counters)),
		Buckets:  make(map[string]map[string]int64, len(s.buckets)),
		Loop:     s.loop,
	}
	for k, v := range s.counters {
		snap.Counters[k] = v
	}
	for k, b := range s.buckets {
		cp := make(map[string]int64, len(b))
		for lbl, v := range b {
			cp[lbl] = v
		}
		snap.Buckets[k] = cp
	}
	return snap
}
