// Package supervisor owns worker lifecycle: it starts every registered
// worker, propagates cancellation and bounds shutdown with a grace period.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"
)

// DefaultGrace is how long Run waits for workers after cancellation.
const DefaultGrace = 10 * time.Second

// Worker is a long-running unit. Run blocks until ctx is cancelled and
// returns ctx.Err() on clean shutdown.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs a set of workers under one cancellation scope.
type Supervisor struct {
	workers []Worker
	grace   time.Duration
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithGrace overrides the shutdown grace period.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// New returns an empty supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{grace: DefaultGrace}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a worker. Must be called before Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.workers = append(s.workers, Worker{Name: name, Run: run})
}

// Run starts every worker and blocks until ctx is cancelled and all workers
// have returned, or the grace period expires. The first non-cancellation
// worker error is returned; a worker failing does not stop its siblings.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(s.workers))

	for _, w := range s.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			wctx := log.With(ctx, log.KV{K: "worker", V: w.Name})
			log.Info(wctx, log.KV{K: "msg", V: "worker started"})
			err := w.Run(wctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error(wctx, err, log.KV{K: "msg", V: "worker exited with error"})
				errs <- err
				return
			}
			log.Info(wctx, log.KV{K: "msg", V: "worker stopped"})
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(s.grace):
		log.Error(ctx, errors.New("shutdown grace period expired"),
			log.KV{K: "msg", V: "workers did not stop in time"},
			log.KV{K: "grace", V: s.grace})
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
