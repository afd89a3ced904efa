// Package processor implements the task processor loop: a single
// cooperative worker that polls due fulfillment tasks, executes them by
// type (built-in handler or templated HTTP call) and applies the
// retry/dead-letter policy on failure.
package processor

import (
	"context"
	"errors"
	"math"
	"os"
	"time"

	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/fulfillment"
	"github.com/socialboost/fulfillment/obs"
	"github.com/socialboost/fulfillment/store"
)

const (
	// retryBaseDelay and retryMaxDelay bound the exponential retry
	// schedule: min(retryMaxDelay, retryBaseDelay * 2^retryCount).
	retryBaseDelay = 60 * time.Second
	retryMaxDelay  = 1800 * time.Second
)

// Config tunes the processor loop.
type Config struct {
	// PollInterval is the sleep between iterations.
	PollInterval time.Duration
	// BatchSize caps the tasks claimed per iteration.
	BatchSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    25,
	}
}

// Handler executes one task and returns its result payload.
type Handler func(ctx context.Context, task *domain.FulfillmentTask) (map[string]any, error)

// Processor is the task loop. It owns the built-in handler registry; the
// templated HTTP executor handles tasks carrying an execution block.
type Processor struct {
	store    store.Store
	svc      *fulfillment.Service
	metrics  *obs.Store
	cfg      Config
	handlers map[domain.TaskType]Handler
	httpExec *httpExecutor
	env      func(string) (string, bool)
	now      func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithEnv overrides process environment lookup.
func WithEnv(env func(string) (string, bool)) Option {
	return func(p *Processor) { p.env = env }
}

// WithHandler registers or replaces the handler for a task type.
func WithHandler(taskType domain.TaskType, h Handler) Option {
	return func(p *Processor) { p.handlers[taskType] = h }
}

// WithHTTPExecutor overrides the templated HTTP executor options.
func WithHTTPExecutor(exec *httpExecutor) Option {
	return func(p *Processor) { p.httpExec = exec }
}

// New returns a processor with the built-in handler registry.
func New(st store.Store, svc *fulfillment.Service, metrics *obs.Store, cfg Config, opts ...Option) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	p := &Processor{
		store:    st,
		svc:      svc,
		metrics:  metrics,
		cfg:      cfg,
		handlers: make(map[domain.TaskType]Handler),
		httpExec: newHTTPExecutor(),
		env:      os.LookupEnv,
		now:      func() time.Time { return time.Now().UTC() },
	}
	p.handlers[domain.TaskAnalyticsCollection] = p.handleAnalyticsCollection
	p.handlers[domain.TaskInstagramSetup] = p.handleInstagramSetup
	p.handlers[domain.TaskFollowerGrowth] = p.handleFollowerGrowth
	p.handlers[domain.TaskEngagementBoost] = p.handleEngagementBoost
	p.handlers[domain.TaskContentPromotion] = p.handleContentPromotion
	p.handlers[domain.TaskCampaignOptimization] = p.handleCampaignOptimization
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. Iteration errors are recorded and
// logged but never stop the loop.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	log.Info(ctx, log.KV{K: "msg", V: "task processor started"},
		log.KV{K: "poll_interval", V: p.cfg.PollInterval},
		log.KV{K: "batch_size", V: p.cfg.BatchSize})
	for {
		select {
		case <-ctx.Done():
			log.Info(ctx, log.KV{K: "msg", V: "task processor stopped"})
			return ctx.Err()
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.metrics.Inc(obs.LoopErrors, 1)
				log.Error(ctx, err, log.KV{K: "msg", V: "processor iteration failed"})
			}
		}
	}
}

// RunOnce performs one iteration: claim due tasks and process them in
// order. Per-task failures feed the retry policy; only claim failures
// surface as iteration errors.
func (p *Processor) RunOnce(ctx context.Context) error {
	started := p.now()
	tasks, err := p.store.Tasks().Due(ctx, started, p.cfg.BatchSize)
	if err != nil {
		p.metrics.RecordLoop(started, p.now(), err)
		return err
	}
	for _, task := range tasks {
		p.processTask(ctx, task)
	}
	p.metrics.RecordLoop(started, p.now(), nil)
	return nil
}

// taskOutcome classifies a committed task attempt for metrics.
type taskOutcome int

const (
	outcomeCompleted taskOutcome = iota
	outcomeRetried
	outcomeDeadLettered
	outcomeFailed
)

// processTask runs one task through claim, execute and completion. The
// claim, the result write and the order-status recomputation share one
// transaction: a write failure anywhere rolls the whole attempt back, the
// task row stays pending and the next poll picks it up again.
func (p *Processor) processTask(ctx context.Context, task *domain.FulfillmentTask) {
	outcome := outcomeCompleted
	err := p.store.Atomically(ctx, func(tx store.Store) error {
		now := p.now()
		task.Status = domain.TaskInProgress
		task.StartedAt = &now
		task.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, task); err != nil {
			return err
		}

		result, execErr := p.execute(ctx, task)
		if execErr != nil {
			var err error
			outcome, err = p.handleTaskFailure(ctx, tx, task, execErr)
			return err
		}

		completed := p.now()
		task.Status = domain.TaskCompleted
		task.Result = result
		task.CompletedAt = &completed
		task.ErrorMessage = ""
		return p.svc.UpdateTaskStatus(ctx, tx, task)
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "task attempt rolled back"},
			log.KV{K: "task_id", V: task.ID})
		return
	}

	switch outcome {
	case outcomeCompleted:
		p.metrics.Inc(obs.TasksProcessed, 1)
		p.metrics.IncBucket(obs.TasksProcessed, string(task.TaskType), 1)
		log.Debug(ctx, log.KV{K: "msg", V: "task completed"},
			log.KV{K: "task_id", V: task.ID},
			log.KV{K: "task_type", V: task.TaskType})
	case outcomeRetried:
		p.metrics.Inc(obs.TasksFailed, 1)
		p.metrics.IncBucket(obs.TasksFailed, string(task.TaskType), 1)
		p.metrics.Inc(obs.TasksRetried, 1)
		p.metrics.IncBucket(obs.TasksRetried, string(task.TaskType), 1)
	case outcomeDeadLettered:
		p.metrics.Inc(obs.TasksFailed, 1)
		p.metrics.IncBucket(obs.TasksFailed, string(task.TaskType), 1)
		p.metrics.Inc(obs.TasksDeadLettered, 1)
		p.metrics.IncBucket(obs.TasksDeadLettered, string(task.TaskType), 1)
	case outcomeFailed:
		p.metrics.Inc(obs.TasksFailed, 1)
		p.metrics.IncBucket(obs.TasksFailed, string(task.TaskType), 1)
	}
}

// execute dispatches the task: templated HTTP when the payload carries an
// execution block, the built-in registry otherwise. Unknown types complete
// successfully with an unhandled marker so a stray row cannot wedge the
// queue.
func (p *Processor) execute(ctx context.Context, task *domain.FulfillmentTask) (map[string]any, error) {
	if exec := task.Execution(); exec != nil {
		return p.httpExec.run(ctx, exec, p.executionContext(task, exec))
	}
	if h, ok := p.handlers[task.TaskType]; ok {
		return h(ctx, task)
	}
	log.Warn(ctx, log.KV{K: "msg", V: "no handler for task type"},
		log.KV{K: "task_type", V: task.TaskType})
	return map[string]any{"status": "unhandled", "taskType": string(task.TaskType)}, nil
}

// executionContext extends the task's frozen context with the env map,
// materialized now so rotated credentials apply. environment_keys, when
// present, restricts the exposed variables; unset keys resolve to nil.
func (p *Processor) executionContext(task *domain.FulfillmentTask, exec map[string]any) map[string]any {
	frozen := task.Context()
	tmplCtx := make(map[string]any, len(frozen)+2)
	for k, v := range frozen {
		tmplCtx[k] = v
	}
	tmplCtx["task"] = map[string]any{
		"id":    task.ID.String(),
		"type":  string(task.TaskType),
		"title": task.Title,
	}

	env := make(map[string]any)
	if keys, ok := exec["environment_keys"].([]any); ok && len(keys) > 0 {
		for _, k := range keys {
			name, ok := k.(string)
			if !ok {
				continue
			}
			if v, ok := p.env(name); ok {
				env[name] = v
			} else {
				env[name] = nil
			}
		}
	} else {
		for _, kv := range os.Environ() {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					env[kv[:i]] = kv[i+1:]
					break
				}
			}
		}
	}
	tmplCtx["env"] = env
	return tmplCtx
}

// handleTaskFailure applies the retry policy inside the attempt's
// transaction. Template errors dead-end immediately; a task out of retry
// budget is dead-lettered; anything else is rescheduled with exponential
// backoff.
func (p *Processor) handleTaskFailure(ctx context.Context, tx store.Store, task *domain.FulfillmentTask, taskErr error) (taskOutcome, error) {
	log.Error(ctx, taskErr, log.KV{K: "msg", V: "task execution failed"},
		log.KV{K: "task_id", V: task.ID},
		log.KV{K: "retry_count", V: task.RetryCount})

	var te *domain.TemplateError
	if errors.As(taskErr, &te) {
		return outcomeFailed, p.failTask(ctx, tx, task, taskErr, map[string]any{
			"templateError": true,
			"expr":          te.Expr,
		})
	}

	if task.RetryCount >= task.MaxRetries {
		return outcomeDeadLettered, p.failTask(ctx, tx, task, taskErr, map[string]any{
			"deadLetter": true,
			"retryCount": task.RetryCount,
			"maxRetries": task.MaxRetries,
		})
	}

	return outcomeRetried, p.svc.ScheduleRetry(ctx, tx, task, retryDelay(task.RetryCount), taskErr.Error())
}

func (p *Processor) failTask(ctx context.Context, tx store.Store, task *domain.FulfillmentTask, taskErr error, result map[string]any) error {
	now := p.now()
	task.Status = domain.TaskFailed
	task.ErrorMessage = taskErr.Error()
	task.Result = result
	task.CompletedAt = &now
	return p.svc.UpdateTaskStatus(ctx, tx, task)
}

// retryDelay is min(retryMaxDelay, retryBaseDelay * 2^retryCount).
func retryDelay(retryCount int) time.Duration {
	delay := float64(retryBaseDelay) * math.Pow(2, float64(retryCount))
	if delay > float64(retryMaxDelay) {
		return retryMaxDelay
	}
	return time.Duration(delay)
}
