package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-workqueue/core"
	"github.com/uptrace/bun"
)

type jobRecord struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID          string               `bun:"id,pk"`
	Type        string               `bun:"type,notnull"`
	Payload     map[string]any       `bun:"payload,type:jsonb,notnull"`
	Status      string               `bun:"status,notnull"`
	Attempts    int                  `bun:"attempts,notnull"`
	MaxAttempts int                  `bun:"max_attempts,notnull"`
	AvailableAt time.Time            `bun:"available_at,notnull"`
	LockedBy    *string              `bun:"locked_by"`
	LockedAt    *time.Time           `bun:"locked_at,nullzero"`
	Result      map[string]any       `bun:"result,type:jsonb,notnull"`
	ErrorText   string               `bun:"error_text,notnull"`
	AttemptLog  []core.AttemptRecord `bun:"attempt_log,type:jsonb,notnull"`
	CreatedAt   time.Time            `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time            `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:dead_letter,alias:dl"`

	ID          string               `bun:"id,pk"`
	JobID       string               `bun:"job_id,notnull"`
	JobType     string               `bun:"job_type,notnull"`
	Payload     map[string]any       `bun:"payload,type:jsonb,notnull"`
	Snapshot    map[string]any       `bun:"snapshot,type:jsonb,notnull"`
	Reason      string               `bun:"reason,notnull"`
	FinalError  string               `bun:"final_error,notnull"`
	Attempts    int                  `bun:"attempts,notnull"`
	MaxAttempts int                  `bun:"max_attempts,notnull"`
	History     []core.AttemptRecord `bun:"history,type:jsonb,notnull"`
	FailedAt    time.Time            `bun:"failed_at,notnull"`
	CreatedAt   time.Time            `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time            `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:webhook_events,alias:we"`

	ID              string         `bun:"id,pk"`
	EventID         string         `bun:"event_id,notnull"`
	EventType       string         `bun:"event_type,notnull"`
	Source          string         `bun:"source,notnull"`
	PayloadSnapshot map[string]any `bun:"payload_snapshot,type:jsonb,notnull"`
	JobID           *string        `bun:"job_id"`
	Processed       bool           `bun:"processed,notnull"`
	ProcessedAt     *time.Time     `bun:"processed_at,nullzero"`
	ReceivedAt      time.Time      `bun:"received_at,notnull"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

const jobColumns = `
	id,
	type,
	payload,
	status,
	attempts,
	max_attempts,
	available_at,
	locked_by,
	locked_at,
	result,
	error_text,
	attempt_log,
	created_at,
	updated_at`

func newJobRecord(job core.Job, now time.Time) *jobRecord {
	status := job.Status
	if status == "" {
		status = core.JobStatusPending
	}
	availableAt := job.AvailableAt.UTC()
	if job.AvailableAt.IsZero() {
		availableAt = now
	}
	createdAt := job.CreatedAt.UTC()
	if job.CreatedAt.IsZero() {
		createdAt = now
	}
	record := &jobRecord{
		ID:          strings.TrimSpace(job.ID),
		Type:        strings.TrimSpace(job.Type),
		Payload:     copyAnyMap(job.Payload),
		Status:      string(status),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		AvailableAt: availableAt,
		Result:      copyAnyMap(job.Result),
		ErrorText:   job.ErrorText,
		AttemptLog:  copyAttempts(job.History),
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}
	if lockedBy := strings.TrimSpace(job.LockedBy); lockedBy != "" {
		record.LockedBy = &lockedBy
	}
	if job.LockedAt != nil {
		lockedAt := job.LockedAt.UTC()
		record.LockedAt = &lockedAt
	}
	return record
}

func (r jobRecord) toDomain() core.Job {
	job := core.Job{
		ID:          r.ID,
		Type:        r.Type,
		Payload:     copyAnyMap(r.Payload),
		Status:      core.JobStatus(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		AvailableAt: r.AvailableAt.UTC(),
		Result:      copyAnyMap(r.Result),
		ErrorText:   r.ErrorText,
		History:     copyAttempts(r.AttemptLog),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.LockedBy != nil {
		job.LockedBy = *r.LockedBy
	}
	if r.LockedAt != nil {
		lockedAt := r.LockedAt.UTC()
		job.LockedAt = &lockedAt
	}
	return job
}

// snapshot captures the job row as it looked when it was dead-lettered.
func (r jobRecord) snapshot() map[string]any {
	out := map[string]any{
		"id":           r.ID,
		"type":         r.Type,
		"payload":      copyAnyMap(r.Payload),
		"status":       string(core.JobStatusFailed),
		"attempts":     r.Attempts,
		"max_attempts": r.MaxAttempts,
		"available_at": r.AvailableAt.UTC().Format(time.RFC3339Nano),
		"result":       copyAnyMap(r.Result),
		"error_text":   r.ErrorText,
		"created_at":   r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.LockedBy != nil {
		out["locked_by"] = *r.LockedBy
	}
	if r.LockedAt != nil {
		out["locked_at"] = r.LockedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (r deadLetterRecord) toDomain() core.DeadLetterEntry {
	entry := core.DeadLetterEntry{
		ID:          r.ID,
		JobID:       r.JobID,
		JobType:     r.JobType,
		Payload:     copyAnyMap(r.Payload),
		Reason:      core.DeadLetterReason(r.Reason),
		FinalError:  r.FinalError,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		History:     copyAttempts(r.History),
		FailedAt:    r.FailedAt.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
	}
	entry.Snapshot = core.Job{
		ID:          r.JobID,
		Type:        r.JobType,
		Payload:     copyAnyMap(r.Payload),
		Status:      core.JobStatusFailed,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		ErrorText:   r.FinalError,
		History:     copyAttempts(r.History),
	}
	if result, ok := r.Snapshot["result"].(map[string]any); ok {
		entry.Snapshot.Result = copyAnyMap(result)
	}
	if lockedBy, ok := r.Snapshot["locked_by"].(string); ok {
		entry.Snapshot.LockedBy = lockedBy
	}
	if raw, ok := r.Snapshot["created_at"].(string); ok {
		if createdAt, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.Snapshot.CreatedAt = createdAt.UTC()
		}
	}
	return entry
}

func newWebhookEventRecord(event core.WebhookEventRecord, now time.Time) *webhookEventRecord {
	receivedAt := event.ReceivedAt.UTC()
	if event.ReceivedAt.IsZero() {
		receivedAt = now
	}
	source := strings.TrimSpace(event.Source)
	if source == "" {
		source = core.DefaultSecretKey
	}
	record := &webhookEventRecord{
		ID:              strings.TrimSpace(event.ID),
		EventID:         strings.TrimSpace(event.EventID),
		EventType:       strings.TrimSpace(event.EventType),
		Source:          source,
		PayloadSnapshot: copyAnyMap(event.PayloadSnapshot),
		Processed:       event.Processed,
		ReceivedAt:      receivedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if jobID := strings.TrimSpace(event.JobID); jobID != "" {
		record.JobID = &jobID
	}
	if event.ProcessedAt != nil {
		processedAt := event.ProcessedAt.UTC()
		record.ProcessedAt = &processedAt
	}
	return record
}

func (r webhookEventRecord) toDomain() core.WebhookEventRecord {
	event := core.WebhookEventRecord{
		ID:              r.ID,
		EventID:         r.EventID,
		EventType:       r.EventType,
		Source:          r.Source,
		PayloadSnapshot: copyAnyMap(r.PayloadSnapshot),
		Processed:       r.Processed,
		ReceivedAt:      r.ReceivedAt.UTC(),
	}
	if r.JobID != nil {
		event.JobID = *r.JobID
	}
	if r.ProcessedAt != nil {
		processedAt := r.ProcessedAt.UTC()
		event.ProcessedAt = &processedAt
	}
	return event
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

func copyAttempts(in []core.AttemptRecord) []core.AttemptRecord {
	if len(in) == 0 {
		return []core.AttemptRecord{}
	}
	out := make([]core.AttemptRecord, len(in))
	copy(out, in)
	return out
}
