package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/fulfillment"
	"github.com/socialboost/fulfillment/notify"
	"github.com/socialboost/fulfillment/obs"
	"github.com/socialboost/fulfillment/store"
	"github.com/socialboost/fulfillment/store/inmem"
)

type procFixture struct {
	store   *inmem.Store
	proc    *Processor
	svc     *fulfillment.Service
	metrics *obs.Store
	order   *domain.Order
	now     time.Time
}

// advance moves the fixture clock forward.
func (f *procFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newProcFixture(t *testing.T, opts ...Option) *procFixture {
	t.Helper()
	ctx := context.Background()
	st := inmem.New()

	fx := &procFixture{
		store:   st,
		metrics: obs.New(),
		now:     time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return fx.now }

	dispatcher := notify.NewDispatcher(notify.WithEmail(notify.NewMemoryEmail()))
	svc := fulfillment.NewService(fulfillment.NewStateMachine(clock), nil, dispatcher, fulfillment.WithClock(clock))
	fx.svc = svc

	userID := uuid.New()
	order := &domain.Order{
		ID:       uuid.New(),
		UserID:   &userID,
		Status:   domain.OrderProcessing,
		Source:   domain.SourceManual,
		Currency: "USD",
		Items:    []*domain.OrderItem{{ID: uuid.New(), ProductTitle: "bundle", Quantity: 1}},
	}
	require.NoError(t, st.Orders().Create(ctx, order))
	fx.order = order

	opts = append([]Option{WithClock(clock)}, opts...)
	fx.proc = New(st, svc, fx.metrics, Config{PollInterval: time.Second, BatchSize: 10}, opts...)
	return fx
}

func (f *procFixture) createTask(t *testing.T, task *domain.FulfillmentTask) *domain.FulfillmentTask {
	t.Helper()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.OrderItemID = f.order.Items[0].ID
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if task.ScheduledAt == nil {
		at := f.now.Add(-time.Minute)
		task.ScheduledAt = &at
	}
	require.NoError(t, f.store.Tasks().Create(context.Background(), task))
	return task
}

func TestRunOnceCompletesBuiltinTask(t *testing.T) {
	fx := newProcFixture(t)
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:   domain.TaskAnalyticsCollection,
		Title:      "Analytics",
		MaxRetries: 3,
	})

	require.NoError(t, fx.proc.RunOnce(context.Background()))

	stored, err := fx.store.Tasks().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, stored.Status)
	assert.Equal(t, "analytics_collected", stored.Result["status"])
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, int64(1), fx.metrics.Get(obs.TasksProcessed))

	// Order status recomputed: the single completed task completes the order.
	order, err := fx.store.Orders().Get(context.Background(), fx.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, order.Status)
}

func TestRunOnceSkipsFutureTasks(t *testing.T) {
	fx := newProcFixture(t)
	future := fx.now.Add(time.Hour)
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:    domain.TaskAnalyticsCollection,
		MaxRetries:  3,
		ScheduledAt: &future,
	})

	require.NoError(t, fx.proc.RunOnce(context.Background()))
	stored, _ := fx.store.Tasks().Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskPending, stored.Status)
}

func TestUnknownTaskTypeCompletesUnhandled(t *testing.T) {
	fx := newProcFixture(t)
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:   domain.TaskType("mystery"),
		MaxRetries: 3,
	})

	require.NoError(t, fx.proc.RunOnce(context.Background()))
	stored, _ := fx.store.Tasks().Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskCompleted, stored.Status)
	assert.Equal(t, "unhandled", stored.Result["status"])
	assert.Equal(t, "mystery", stored.Result["taskType"])
}

func TestRetryThenDeadLetter(t *testing.T) {
	boom := errors.New("handler down")
	fx := newProcFixture(t, WithHandler(domain.TaskFollowerGrowth,
		func(context.Context, *domain.FulfillmentTask) (map[string]any, error) {
			return nil, boom
		}))
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:   domain.TaskFollowerGrowth,
		MaxRetries: 2,
	})
	ctx := context.Background()

	// First failure: retryCount 1, rescheduled 60s out.
	require.NoError(t, fx.proc.RunOnce(ctx))
	stored, _ := fx.store.Tasks().Get(ctx, task.ID)
	assert.Equal(t, domain.TaskPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, fx.now.Add(60*time.Second), *stored.ScheduledAt)
	assert.Equal(t, "handler down", stored.ErrorMessage)
	assert.Equal(t, int64(1), fx.metrics.Get(obs.TasksRetried))

	// Second failure: retryCount 2, 120s backoff.
	fx.advance(2 * time.Minute)
	require.NoError(t, fx.proc.RunOnce(ctx))
	stored, _ = fx.store.Tasks().Get(ctx, task.ID)
	assert.Equal(t, domain.TaskPending, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, fx.now.Add(120*time.Second), *stored.ScheduledAt)

	// Third failure: budget exhausted, dead-lettered.
	fx.advance(3 * time.Minute)
	require.NoError(t, fx.proc.RunOnce(ctx))
	stored, _ = fx.store.Tasks().Get(ctx, task.ID)
	assert.Equal(t, domain.TaskFailed, stored.Status)
	assert.Equal(t, true, stored.Result["deadLetter"])
	assert.EqualValues(t, 2, stored.Result["retryCount"])
	assert.EqualValues(t, 2, stored.Result["maxRetries"])
	assert.Equal(t, int64(1), fx.metrics.Get(obs.TasksDeadLettered))

	// The failed task drives the order on hold.
	order, _ := fx.store.Orders().Get(ctx, fx.order.ID)
	assert.Equal(t, domain.OrderOnHold, order.Status)
}

// brokenWriteStore wraps a store and fails the nth Tasks().Update call,
// following the wrap through Atomically so writes inside a transaction are
// counted too.
type brokenWriteStore struct {
	store.Store
	failOn int
	calls  *int
}

func (s *brokenWriteStore) Tasks() store.TaskRepo {
	return &brokenWriteTaskRepo{TaskRepo: s.Store.Tasks(), failOn: s.failOn, calls: s.calls}
}

func (s *brokenWriteStore) Atomically(ctx context.Context, fn func(store.Store) error) error {
	return s.Store.Atomically(ctx, func(tx store.Store) error {
		return fn(&brokenWriteStore{Store: tx, failOn: s.failOn, calls: s.calls})
	})
}

type brokenWriteTaskRepo struct {
	store.TaskRepo
	failOn int
	calls  *int
}

func (r *brokenWriteTaskRepo) Update(ctx context.Context, task *domain.FulfillmentTask) error {
	*r.calls++
	if *r.calls == r.failOn {
		return errors.New("connection reset")
	}
	return r.TaskRepo.Update(ctx, task)
}

func TestFailedCompletionWriteRollsTaskBackToPending(t *testing.T) {
	fx := newProcFixture(t)
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:   domain.TaskAnalyticsCollection,
		Title:      "Analytics",
		MaxRetries: 3,
	})
	ctx := context.Background()

	// Fail the second write: the claim succeeds, the completion write does
	// not. The whole attempt must roll back.
	calls := 0
	broken := &brokenWriteStore{Store: fx.store, failOn: 2, calls: &calls}
	proc := New(broken, fx.svc, fx.metrics, Config{PollInterval: time.Second, BatchSize: 10},
		WithClock(func() time.Time { return fx.now }))
	require.NoError(t, proc.RunOnce(ctx))

	stored, err := fx.store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, stored.Status)
	assert.Nil(t, stored.StartedAt)
	assert.Nil(t, stored.CompletedAt)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, int64(0), fx.metrics.Get(obs.TasksProcessed))

	// The order was not recomputed against a half-written task set.
	order, err := fx.store.Orders().Get(ctx, fx.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessing, order.Status)

	// The task is still due, so the next poll picks it up and a clean pass
	// completes it.
	due, err := fx.store.Tasks().Due(ctx, fx.now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, fx.proc.RunOnce(ctx))
	stored, err = fx.store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, stored.Status)
}

func TestZeroMaxRetriesDeadLettersImmediately(t *testing.T) {
	fx := newProcFixture(t, WithHandler(domain.TaskEngagementBoost,
		func(context.Context, *domain.FulfillmentTask) (map[string]any, error) {
			return nil, errors.New("nope")
		}))
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:   domain.TaskEngagementBoost,
		MaxRetries: 0,
	})

	require.NoError(t, fx.proc.RunOnce(context.Background()))
	stored, _ := fx.store.Tasks().Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskFailed, stored.Status)
	assert.Equal(t, true, stored.Result["deadLetter"])
	assert.Equal(t, 0, stored.RetryCount)
}

func TestHTTPExecutionRendersFrozenContext(t *testing.T) {
	var got struct {
		path   string
		header string
		body   map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.header = r.Header.Get("X-Order-Number")
		dec := make(map[string]any)
		_ = json.NewDecoder(r.Body).Decode(&dec)
		got.body = dec
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	fx := newProcFixture(t, WithHTTPExecutor(NewHTTPExecutor(srv.Client())))
	itemID := fx.order.Items[0].ID
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:   domain.TaskAnalyticsCollection,
		MaxRetries: 3,
		Payload: map[string]any{
			"execution": map[string]any{
				"kind":    "http",
				"method":  "POST",
				"url":     srv.URL + "/hooks/{{ order.id }}",
				"headers": map[string]any{"X-Order-Number": "{{ order.order_number }}"},
				"body": map[string]any{
					"itemId":   "{{ item.id }}",
					"quantity": "{{ item.quantity }}",
				},
			},
			"context": map[string]any{
				"order": map[string]any{
					"id":           fx.order.ID.String(),
					"order_number": fx.order.OrderNumber,
				},
				"item": map[string]any{
					"id":       itemID.String(),
					"quantity": 1,
				},
			},
		},
	})

	require.NoError(t, fx.proc.RunOnce(context.Background()))

	assert.Equal(t, "/hooks/"+fx.order.ID.String(), got.path)
	assert.Equal(t, fx.order.OrderNumber, got.header)
	assert.Equal(t, itemID.String(), got.body["itemId"])
	assert.Equal(t, float64(1), got.body["quantity"])

	stored, _ := fx.store.Tasks().Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskCompleted, stored.Status)
	assert.Equal(t, "http_request_completed", stored.Result["status"])
	assert.Equal(t, "http", stored.Result["execution_kind"])
	// Results round-trip through JSON storage; numbers come back as float64.
	assert.EqualValues(t, 200, stored.Result["status_code"])
	resp := stored.Result["response"].(map[string]any)
	assert.Equal(t, true, resp["accepted"])
}

func TestMissingContextKeyFailsWithoutRetry(t *testing.T) {
	fx := newProcFixture(t)
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:   domain.TaskAnalyticsCollection,
		MaxRetries: 3,
		Payload: map[string]any{
			"execution": map[string]any{
				"kind": "http",
				"url":  "http://unused/{{ nope.nothing }}",
			},
			"context": map[string]any{},
		},
	})

	require.NoError(t, fx.proc.RunOnce(context.Background()))
	stored, _ := fx.store.Tasks().Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, true, stored.Result["templateError"])
	assert.NotContains(t, stored.Result, "deadLetter")
}

func TestUnsupportedExecutionKindFails(t *testing.T) {
	fx := newProcFixture(t)
	task := fx.createTask(t, &domain.FulfillmentTask{
		TaskType:   domain.TaskAnalyticsCollection,
		MaxRetries: 0,
		Payload: map[string]any{
			"execution": map[string]any{"kind": "grpc", "url": "http://unused"},
			"context":   map[string]any{},
		},
	})

	require.NoError(t, fx.proc.RunOnce(context.Background()))
	stored, _ := fx.store.Tasks().Get(context.Background(), task.ID)
	assert.Equal(t, domain.TaskFailed, stored.Status)
}

func TestEnvironmentKeysRestriction(t *testing.T) {
	env := map[string]string{
		"PROVIDER_TOKEN": "tok-123",
		"OTHER_SECRET":   "hidden",
	}
	fx := newProcFixture(t, WithEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	exec := map[string]any{
		"environment_keys": []any{"PROVIDER_TOKEN", "UNSET_KEY"},
	}
	tmplCtx := fx.proc.executionContext(&domain.FulfillmentTask{
		ID:      uuid.New(),
		Payload: map[string]any{"context": map[string]any{}},
	}, exec)

	got := tmplCtx["env"].(map[string]any)
	assert.Equal(t, "tok-123", got["PROVIDER_TOKEN"])
	val, present := got["UNSET_KEY"]
	assert.True(t, present)
	assert.Nil(t, val)
	assert.NotContains(t, got, "OTHER_SECRET")
}

func TestRetryDelayCaps(t *testing.T) {
	assert.Equal(t, 60*time.Second, retryDelay(0))
	assert.Equal(t, 120*time.Second, retryDelay(1))
	assert.Equal(t, 240*time.Second, retryDelay(2))
	assert.Equal(t, 1800*time.Second, retryDelay(5))
	assert.Equal(t, 1800*time.Second, retryDelay(20))
}

func TestLoopObservability(t *testing.T) {
	fx := newProcFixture(t)
	fx.createTask(t, &domain.FulfillmentTask{TaskType: domain.TaskAnalyticsCollection, MaxRetries: 3})

	require.NoError(t, fx.proc.RunOnce(context.Background()))
	snap := fx.metrics.Snapshot()
	assert.Equal(t, fx.now, snap.Loop.LastRunStartedAt)
	assert.Empty(t, snap.Loop.LastError)
	assert.Equal(t, int64(1), snap.Counters[obs.TasksProcessed])
	assert.Equal(t, int64(1), snap.Buckets[obs.TasksProcessed][string(domain.TaskAnalyticsCollection)])
}
