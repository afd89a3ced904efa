package cron

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
)

// JobFunc is an executable job. Kwargs come from the schedule declaration.
type JobFunc func(ctx context.Context, kwargs map[string]any) error

// Registry binds schedule task names to callables at compile time.
type Registry map[string]JobFunc

// JobMetrics is the per-job run bookkeeping exposed by Health.
type JobMetrics struct {
	Runs           int64      `json:"runs"`
	Failures       int64      `json:"failures"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	RuntimeSeconds float64    `json:"runtime_seconds"`
	LastAttempts   int        `json:"last_attempts"`
	LastError      string     `json:"last_error,omitempty"`
}

// JobHealth pairs a job declaration with its metrics.
type JobHealth struct {
	ID      string     `json:"id"`
	Task    string     `json:"task"`
	Cron    string     `json:"cron"`
	Metrics JobMetrics `json:"metrics"`
}

// Health is the scheduler health snapshot.
type Health struct {
	Running  bool        `json:"running"`
	Timezone string      `json:"timezone"`
	Jobs     []JobHealth `json:"jobs"`
}

// Scheduler drives the cron jobs. Each job runs with a per-job retry
// policy; a failed run never affects other jobs.
type Scheduler struct {
	schedule *Schedule
	cron     *robfig.Cron
	sleep    func(context.Context, time.Duration)
	rand     *rand.Rand

	mu      sync.Mutex
	running bool
	metrics map[string]*JobMetrics
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithSleep overrides the inter-attempt sleep (tests pass a no-op).
func WithSleep(sleep func(context.Context, time.Duration)) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// New validates the schedule against the registry and registers every job.
// An unknown task name or timezone fails closed with KindFatal; a
// half-bound scheduler must not start.
func New(schedule *Schedule, registry Registry, opts ...Option) (*Scheduler, error) {
	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return nil, domain.Fatalf(err, "unknown timezone %q", schedule.Timezone)
	}

	s := &Scheduler{
		schedule: schedule,
		cron:     robfig.New(robfig.WithLocation(loc)),
		sleep:    sleepCtx,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics:  make(map[string]*JobMetrics, len(schedule.Jobs)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for i := range schedule.Jobs {
		job := schedule.Jobs[i]
		fn, ok := registry[job.Task]
		if !ok {
			return nil, domain.Fatalf(nil, "job %q references unknown task %q", job.ID, job.Task)
		}
		s.metrics[job.ID] = &JobMetrics{}
		if _, err := s.cron.AddFunc(job.Cron, func() {
			s.runJob(context.Background(), job, fn)
		}); err != nil {
			return nil, domain.Fatalf(err, "invalid cron expression %q for job %q", job.Cron, job.ID)
		}
	}
	return s, nil
}

// Start launches the cron loop and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.cron.Start()
	log.Info(ctx, log.KV{K: "msg", V: "cron scheduler started"},
		log.KV{K: "jobs", V: len(s.schedule.Jobs)},
		log.KV{K: "timezone", V: s.schedule.Timezone})

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	log.Info(ctx, log.KV{K: "msg", V: "cron scheduler stopped"})
	return ctx.Err()
}

// runJob executes one job run with the per-job retry policy.
func (s *Scheduler) runJob(ctx context.Context, job JobSpec, fn JobFunc) {
	started := time.Now()
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= job.MaxAttempts; attempt++ {
		attempts = attempt
		lastErr = fn(ctx, job.Kwargs)
		if lastErr == nil {
			break
		}
		log.Error(ctx, lastErr, log.KV{K: "msg", V: "cron job attempt failed"},
			log.KV{K: "job", V: job.ID},
			log.KV{K: "attempt", V: attempt})
		if attempt < job.MaxAttempts {
			s.sleep(ctx, s.attemptBackoff(job, attempt))
		}
	}
	runtime := time.Since(started)

	s.mu.Lock()
	m := s.metrics[job.ID]
	m.Runs++
	at := started.UTC()
	m.LastRunAt = &at
	m.RuntimeSeconds = runtime.Seconds()
	m.LastAttempts = attempts
	if lastErr != nil {
		m.Failures++
		m.LastError = lastErr.Error()
	} else {
		m.LastError = ""
	}
	s.mu.Unlock()

	if lastErr != nil {
		log.Error(ctx, lastErr, log.KV{K: "msg", V: "cron job run failed"},
			log.KV{K: "job", V: job.ID},
			log.KV{K: "attempts", V: attempts})
		return
	}
	log.Debug(ctx, log.KV{K: "msg", V: "cron job run succeeded"},
		log.KV{K: "job", V: job.ID},
		log.KV{K: "runtime", V: runtime})
}

// attemptBackoff is min(base * multiplier^(attempt-1), max) + U(0, jitter).
func (s *Scheduler) attemptBackoff(job JobSpec, attempt int) time.Duration {
	backoff := job.BaseBackoffSeconds * math.Pow(job.BackoffMultiplier, float64(attempt-1))
	if backoff > job.MaxBackoffSeconds {
		backoff = job.MaxBackoffSeconds
	}
	if job.JitterSeconds > 0 {
		s.mu.Lock()
		backoff += s.rand.Float64() * job.JitterSeconds
		s.mu.Unlock()
	}
	return time.Duration(backoff * float64(time.Second))
}

// Health reports the configured jobs, their metrics and run state.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Running:  s.running,
		Timezone: s.schedule.Timezone,
		Jobs:     make([]JobHealth, 0, len(s.schedule.Jobs)),
	}
	for _, job := range s.schedule.Jobs {
		h.Jobs = append(h.Jobs, JobHealth{
			ID:      job.ID,
			Task:    job.Task,
			Cron:    job.Cron,
			Metrics: *s.metrics[job.ID],
		})
	}
	return h
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
