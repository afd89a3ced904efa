// Package replay implements the scheduled-replay worker: it drains
// provider-order scheduled replays that have come due, marks each entry's
// terminal status exactly once and persists a run summary per pass.
package replay

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/provider"
	"github.com/socialboost/fulfillment/store"
)

// Config tunes the worker.
type Config struct {
	// Interval is the pause between drain passes.
	Interval time.Duration
	// BaseBackoff and MaxBackoff bound the exponential backoff applied
	// after failed passes.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Jitter is the upper bound of the uniform random delay added to each
	// backoff.
	Jitter time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  10 * time.Minute,
		Jitter:      5 * time.Second,
	}
}

// Worker drains due scheduled replays.
type Worker struct {
	store      store.Store
	automation *provider.Automation
	cfg        Config
	now        func() time.Time
	rand       *rand.Rand
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New returns a replay worker.
func New(st store.Store, automation *provider.Automation, cfg Config, opts ...Option) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	w := &Worker{
		store:      st,
		automation: automation,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains until ctx is cancelled. Failed passes back off exponentially
// with jitter; a successful pass resets the backoff.
func (w *Worker) Run(ctx context.Context) error {
	log.Info(ctx, log.KV{K: "msg", V: "replay worker started"},
		log.KV{K: "interval", V: w.cfg.Interval})
	failures := 0
	for {
		wait := w.cfg.Interval
		if failures > 0 {
			wait = w.backoff(failures)
		}
		select {
		case <-ctx.Done():
			log.Info(ctx, log.KV{K: "msg", V: "replay worker stopped"})
			return ctx.Err()
		case <-time.After(wait):
		}
		if _, err := w.RunOnce(ctx); err != nil {
			failures++
			log.Error(ctx, err, log.KV{K: "msg", V: "replay pass failed"},
				log.KV{K: "consecutive_failures", V: failures})
			continue
		}
		failures = 0
	}
}

// backoff is min(maxBackoff, base * 2^(failures-1)) + U(0, jitter).
func (w *Worker) backoff(failures int) time.Duration {
	d := float64(w.cfg.BaseBackoff) * math.Pow(2, float64(failures-1))
	if d > float64(w.cfg.MaxBackoff) {
		d = float64(w.cfg.MaxBackoff)
	}
	if w.cfg.Jitter > 0 {
		d += float64(w.rand.Int63n(int64(w.cfg.Jitter)))
	}
	return time.Duration(d)
}

// RunOnce performs one drain pass and persists its run summary. Entry
// failures are counted in the summary, not returned; only listing failures
// abort the pass.
func (w *Worker) RunOnce(ctx context.Context) (*domain.ProviderAutomationRun, error) {
	started := w.now()
	run := &domain.ProviderAutomationRun{
		ID:        uuid.New(),
		RunType:   domain.RunReplay,
		StartedAt: started,
	}

	orders, err := w.store.ProviderOrders().ListDueScheduled(ctx, started)
	if err != nil {
		return nil, err
	}
	for _, po := range orders {
		for i := range po.Payload.ScheduledReplays {
			entry := &po.Payload.ScheduledReplays[i]
			if entry.Status != domain.ReplayScheduled || entry.ScheduledFor.After(started) {
				continue
			}
			run.Processed++
			if err := w.automation.ExecuteScheduled(ctx, w.store, po.ID, entry.ID); err != nil {
				run.Failed++
				run.LastError = err.Error()
				log.Error(ctx, err, log.KV{K: "msg", V: "scheduled replay failed"},
					log.KV{K: "provider_order_id", V: po.ID},
					log.KV{K: "entry_id", V: entry.ID})
				continue
			}
			run.Succeeded++
		}
	}

	backlog, err := w.automation.Backlog(ctx, w.store)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "backlog computation failed"})
	} else {
		run.ScheduledBacklog = backlog.ScheduledBacklog
	}
	run.FinishedAt = w.now()

	if err := w.store.AutomationRuns().Create(ctx, run); err != nil {
		return nil, err
	}
	if run.Processed > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "replay pass finished"},
			log.KV{K: "processed", V: run.Processed},
			log.KV{K: "succeeded", V: run.Succeeded},
			log.KV{K: "failed", V: run.Failed},
			log.KV{K: "backlog", V: run.ScheduledBacklog})
	}
	return run, nil
}
