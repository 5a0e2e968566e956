package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type JobStore interface {
	InsertJob(ctx context.Context, job Job) (Job, error)
	ClaimJob(ctx context.Context, workerID string, now time.Time) (*Job, error)
	ReclaimStale(ctx context.Context, leaseTimeout time.Duration, now time.Time) (int, error)
	// CompleteJob fences on workerID when it is set: a job leased by another
	// worker is a conflict.
	CompleteJob(ctx context.Context, id string, workerID string, result map[string]any, now time.Time) (bool, error)
	FailJob(ctx context.Context, id string, in FailureInput) (FailureOutcome, error)
	GetJob(ctx context.Context, id string) (Job, error)
}

type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) (DeadLetterPage, error)
	GetDeadLetter(ctx context.Context, id string) (DeadLetterEntry, error)
	RequeueDeadLetter(ctx context.Context, id string, resetAttempts bool, now time.Time) (Job, error)
	DeleteDeadLetter(ctx context.Context, id string) error
}

// EventLedger is the idempotency ledger keyed by external event id.
type EventLedger interface {
	// AdmitEvent inserts the ledger record and its job atomically. When the
	// event id already exists the stored record is returned with Admitted=false.
	AdmitEvent(ctx context.Context, record WebhookEventRecord, job Job) (Admission, error)
	ReserveEvent(ctx context.Context, record WebhookEventRecord) (WebhookEventRecord, bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, now time.Time) error
	ReleaseEvent(ctx context.Context, eventID string) error
	GetEvent(ctx context.Context, eventID string) (WebhookEventRecord, error)
}

type StatsReader interface {
	CountJobs(ctx context.Context) (QueueStats, error)
}

// JobHandler processes one claimed job. A nil error completes the job.
type JobHandler interface {
	Handle(ctx context.Context, job Job) (Outcome, error)
}

type JobHandlerFunc func(ctx context.Context, job Job) (Outcome, error)

func (f JobHandlerFunc) Handle(ctx context.Context, job Job) (Outcome, error) {
	return f(ctx, job)
}

type WorkerEvent struct {
	Job       Job
	WorkerID  string
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type WorkerHook interface {
	OnStart(ctx context.Context, event WorkerEvent)
	OnSuccess(ctx context.Context, event WorkerEvent)
	OnFailure(ctx context.Context, event WorkerEvent)
	OnRetry(ctx context.Context, event WorkerEvent)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
