package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const JobTypeWebhookEvent = "webhook_event"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

type Job struct {
	ID          string
	Type        string
	Payload     map[string]any
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	AvailableAt time.Time
	LockedBy    string
	LockedAt    *time.Time
	Result      map[string]any
	ErrorText   string
	History     []AttemptRecord
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Leased reports whether the job currently carries a worker lease.
func (j Job) Leased() bool {
	return strings.TrimSpace(j.LockedBy) != "" && j.Status == JobStatusProcessing
}

type AttemptRecord struct {
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	WorkerID string    `json:"worker_id,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

type DeadLetterReason string

const (
	DeadLetterReasonMaxAttempts DeadLetterReason = "max_attempts_exceeded"
	DeadLetterReasonPermanent   DeadLetterReason = "permanent_error"
)

type DeadLetterEntry struct {
	ID          string
	JobID       string
	JobType     string
	Payload     map[string]any
	Snapshot    Job
	Reason      DeadLetterReason
	FinalError  string
	Attempts    int
	MaxAttempts int
	History     []AttemptRecord
	FailedAt    time.Time
	CreatedAt   time.Time
}

type WebhookEventRecord struct {
	ID              string
	EventID         string
	EventType       string
	Source          string
	PayloadSnapshot map[string]any
	JobID           string
	Processed       bool
	ProcessedAt     *time.Time
	ReceivedAt      time.Time
}

// NormalizedEvent is the provider-neutral envelope produced by ingestion.
type NormalizedEvent struct {
	EventID    string
	EventType  string
	Timestamp  time.Time
	Data       map[string]any
	ReceivedAt time.Time
	Source     string
}

// Payload renders the event as a job payload.
func (e NormalizedEvent) Payload() map[string]any {
	return map[string]any{
		"event_id":    e.EventID,
		"event_type":  e.EventType,
		"timestamp":   e.Timestamp.UTC().Unix(),
		"data":        copyAnyMap(e.Data),
		"received_at": e.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"source":      e.Source,
	}
}

// EventFromPayload reverses NormalizedEvent.Payload. JSON round trips turn
// numbers into float64, so numeric fields accept any numeric representation.
func EventFromPayload(payload map[string]any) (NormalizedEvent, error) {
	if len(payload) == 0 {
		return NormalizedEvent{}, fmt.Errorf("core: event payload is empty")
	}
	event := NormalizedEvent{
		EventID:   stringValue(payload["event_id"]),
		EventType: stringValue(payload["event_type"]),
		Source:    stringValue(payload["source"]),
	}
	if event.EventType == "" {
		return NormalizedEvent{}, fmt.Errorf("core: event payload missing event_type")
	}
	if seconds, ok := int64Value(payload["timestamp"]); ok {
		event.Timestamp = time.Unix(seconds, 0).UTC()
	}
	if raw := stringValue(payload["received_at"]); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			event.ReceivedAt = parsed.UTC()
		}
	}
	if data, ok := payload["data"].(map[string]any); ok {
		event.Data = copyAnyMap(data)
	} else {
		event.Data = map[string]any{}
	}
	return event, nil
}

type EnqueueOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// Admission is the result of idempotently admitting an external event.
type Admission struct {
	Event    WebhookEventRecord
	Job      Job
	Admitted bool
}

type FailureInput struct {
	Error     string
	Permanent bool
	WorkerID  string
	Now       time.Time
	Backoff   func(attempt int) time.Duration
}

type FailureOutcome struct {
	JobID        string
	Attempts     int
	DeadLettered bool
	DeadLetterID string
	Reason       DeadLetterReason
	RetryAt      time.Time
}

type DeadLetterFilter struct {
	JobType    string
	Reason     DeadLetterReason
	FailedFrom *time.Time
	FailedTo   *time.Time
	Page       int
	PerPage    int
}

type DeadLetterPage struct {
	Items   []DeadLetterEntry
	Page    int
	PerPage int
	Total   int
	HasNext bool
}

type QueueStats struct {
	Pending      int
	Processing   int
	Completed    int
	DeadLettered int
	CapturedAt   time.Time
}

// Outcome is what a handler reports for a successfully processed job.
type Outcome struct {
	Status  string
	Handled bool
	Data    map[string]any
}

// Map renders the outcome as a persisted job result.
func (o Outcome) Map() map[string]any {
	out := copyAnyMap(o.Data)
	if strings.TrimSpace(o.Status) != "" {
		out["status"] = o.Status
	}
	out["handled"] = o.Handled
	return out
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func stringValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func int64Value(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		return int64(typed), true
	case float32:
		return int64(typed), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
