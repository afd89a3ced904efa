package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStopsWorkersOnCancel(t *testing.T) {
	s := New(WithGrace(time.Second))

	var stopped atomic.Int32
	for _, name := range []string{"processor", "replay", "cron"} {
		s.Add(name, func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Add(1)
			return ctx.Err()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, int32(3), stopped.Load())
}

func TestRunReturnsWorkerError(t *testing.T) {
	s := New(WithGrace(time.Second))
	boom := errors.New("listener crashed")
	s.Add("http", func(ctx context.Context) error { return boom })
	s.Add("steady", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestRunGraceExpires(t *testing.T) {
	s := New(WithGrace(100 * time.Millisecond))
	s.Add("stubborn", func(ctx context.Context) error {
		// Ignores cancellation.
		time.Sleep(5 * time.Second)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.NoError(t, s.Run(ctx))
	assert.Less(t, time.Since(start), time.Second)
}
