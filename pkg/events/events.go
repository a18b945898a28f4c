// Package events defines the typed lifecycle events published by the
// workflow executor and the job scheduler.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the bus topic all lifecycle events are published to.
const Topic = "skein.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow execution lifecycle.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	// Node lifecycle.
	NodeFinishedEvent EventType = "node.finished"
	NodeFailedEvent   EventType = "node.failed"

	// Scheduler lifecycle.
	JobScheduledEvent     EventType = "job.scheduled"
	JobCompletedEvent     EventType = "job.completed"
	JobFailedEvent        EventType = "job.failed"
	BatchDispatchedEvent  EventType = "batch.dispatched"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID  string         `json:"execution_id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Inputs       map[string]any `json:"inputs,omitempty"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID   string         `json:"execution_id"`
	WorkflowID    string         `json:"workflow_id"`
	Status        string         `json:"status"`
	DurationMs    int64          `json:"duration_ms"`
	NodesExecuted int            `json:"nodes_executed"`
	Outputs       map[string]any `json:"outputs,omitempty"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string   `json:"execution_id"`
	WorkflowID  string   `json:"workflow_id"`
	Status      string   `json:"status"`
	DurationMs  int64    `json:"duration_ms"`
	Errors      []string `json:"errors"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	DurationMs  int64  `json:"duration_ms"`
	Reason      string `json:"reason,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

type NodeFinished struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	NodeID      string         `json:"node_id"`
	Status      string         `json:"status"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

func (e NodeFinished) GetType() EventType { return NodeFinishedEvent }

type NodeFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	NodeID      string `json:"node_id"`
	Error       string `json:"error"`
	RetryCount  int    `json:"retry_count"`
	DurationMs  int64  `json:"duration_ms"`
}

func (e NodeFailed) GetType() EventType { return NodeFailedEvent }

type JobScheduled struct {
	BaseEvent

	JobID     string  `json:"job_id"`
	Priority  string  `json:"priority"`
	QueueTime float64 `json:"queue_time_seconds"`
}

func (e JobScheduled) GetType() EventType { return JobScheduledEvent }

type JobCompleted struct {
	BaseEvent

	JobID         string  `json:"job_id"`
	ExecutionTime float64 `json:"execution_time_seconds"`
	Cost          float64 `json:"cost"`
}

func (e JobCompleted) GetType() EventType { return JobCompletedEvent }

type JobFailed struct {
	BaseEvent

	JobID      string `json:"job_id"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
	WillRetry  bool   `json:"will_retry"`
}

func (e JobFailed) GetType() EventType { return JobFailedEvent }

type BatchDispatched struct {
	BaseEvent

	BatchID  string   `json:"batch_id"`
	JobIDs   []string `json:"job_ids"`
	Strategy string   `json:"strategy"`
}

func (e BatchDispatched) GetType() EventType { return BatchDispatchedEvent }
