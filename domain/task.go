package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the handler responsible for executing a task.
type TaskType string

const (
	TaskAnalyticsCollection  TaskType = "analytics_collection"
	TaskInstagramSetup       TaskType = "instagram_setup"
	TaskFollowerGrowth       TaskType = "follower_growth"
	TaskEngagementBoost      TaskType = "engagement_boost"
	TaskContentPromotion     TaskType = "content_promotion"
	TaskCampaignOptimization TaskType = "campaign_optimization"
)

// KnownTaskType reports whether t names a built-in task type.
func KnownTaskType(t TaskType) bool {
	switch t {
	case TaskAnalyticsCollection, TaskInstagramSetup, TaskFollowerGrowth,
		TaskEngagementBoost, TaskContentPromotion, TaskCampaignOptimization:
		return true
	}
	return false
}

// TaskStatus is the processing state of a fulfillment task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// DefaultMaxRetries is the retry budget applied when a task does not carry
// an explicit max_retries.
const DefaultMaxRetries = 3

// FulfillmentTask is one unit of work against an order item, executed by
// the task processor. Payload carries the optional "execution" block for
// templated HTTP tasks and the "context" snapshot frozen at creation time.
//
// Invariant: RetryCount never exceeds MaxRetries+1; the task is
// dead-lettered when it fails with RetryCount == MaxRetries.
type FulfillmentTask struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	OrderItemID  uuid.UUID      `json:"order_item_id" db:"order_item_id"`
	TaskType     TaskType       `json:"task_type" db:"task_type"`
	Status       TaskStatus     `json:"status" db:"status"`
	Title        string         `json:"title" db:"title"`
	Description  string         `json:"description,omitempty" db:"description"`
	Payload      map[string]any `json:"payload,omitempty" db:"-"`
	Result       map[string]any `json:"result,omitempty" db:"-"`
	ErrorMessage string         `json:"error_message,omitempty" db:"error_message"`
	RetryCount   int            `json:"retry_count" db:"retry_count"`
	MaxRetries   int            `json:"max_retries" db:"max_retries"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// Execution returns the templated execution block, or nil when the task is
// handled by a built-in handler.
func (t *FulfillmentTask) Execution() map[string]any {
	if t.Payload == nil {
		return nil
	}
	exec, _ := t.Payload["execution"].(map[string]any)
	return exec
}

// Context returns the context snapshot frozen at task creation.
func (t *FulfillmentTask) Context() map[string]any {
	if t.Payload == nil {
		return nil
	}
	ctx, _ := t.Payload["context"].(map[string]any)
	return ctx
}
