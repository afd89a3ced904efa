package obs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersAndBuckets(t *testing.T) {
	s := New()
	s.Inc(TasksProcessed, 1)
	s.Inc(TasksProcessed, 2)
	s.IncBucket(TasksProcessed, "analytics_collection", 1)
	s.IncBucket(TasksProcessed, "follower_growth", 2)

	assert.Equal(t, int64(3), s.Get(TasksProcessed))
	assert.Equal(t, int64(0), s.Get(TasksFailed))

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.Counters[TasksProcessed])
	assert.Equal(t, int64(1), snap.Buckets[TasksProcessed]["analytics_collection"])
	assert.Equal(t, int64(2), snap.Buckets[TasksProcessed]["follower_growth"])
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.Inc(TasksFailed, 1)
	s.IncBucket(TasksFailed, "x", 1)

	snap := s.Snapshot()
	snap.Counters[TasksFailed] = 99
	snap.Buckets[TasksFailed]["x"] = 99

	assert.Equal(t, int64(1), s.Get(TasksFailed))
	assert.Equal(t, int64(1), s.Snapshot().Buckets[TasksFailed]["x"])
}

func TestRecordLoop(t *testing.T) {
	s := New()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(250 * time.Millisecond)

	s.RecordLoop(started, finished, errors.New("listing failed"))
	snap := s.Snapshot()
	assert.Equal(t, started, snap.Loop.LastRunStartedAt)
	assert.Equal(t, 250*time.Millisecond, snap.Loop.LastRunDuration)
	assert.Equal(t, "listing failed", snap.Loop.LastError)

	s.RecordLoop(started, finished, nil)
	assert.Empty(t, s.Snapshot().Loop.LastError)
}
