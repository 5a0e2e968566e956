package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type QueueStores struct {
	Jobs        JobStore
	DeadLetters DeadLetterStore
	Events      EventLedger
	Stats       StatsReader
}

// Queue applies retry, dead-letter and lease policy on top of the stores.
// Every coordination decision is delegated to a single store call so that
// concurrent queues over the same database stay consistent.
type Queue struct {
	jobs        JobStore
	deadLetters DeadLetterStore
	events      EventLedger
	stats       StatsReader
	config      QueueConfig
	retry       RetryPolicy
	observer    Observer
	now         func() time.Time

	reclaimMu   sync.Mutex
	lastReclaim time.Time
}

type queueBuilder struct {
	logger         Logger
	loggerProvider LoggerProvider
	metrics        MetricsRecorder
	retry          *RetryPolicy
	now            func() time.Time
}

type QueueOption func(*queueBuilder)

func WithQueueLogger(logger Logger) QueueOption {
	return func(b *queueBuilder) {
		b.logger = logger
	}
}

func WithQueueLoggerProvider(provider LoggerProvider) QueueOption {
	return func(b *queueBuilder) {
		b.loggerProvider = provider
	}
}

func WithQueueMetricsRecorder(recorder MetricsRecorder) QueueOption {
	return func(b *queueBuilder) {
		b.metrics = recorder
	}
}

func WithRetryPolicy(policy RetryPolicy) QueueOption {
	return func(b *queueBuilder) {
		b.retry = &policy
	}
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(b *queueBuilder) {
		b.now = now
	}
}

func NewQueue(stores QueueStores, cfg QueueConfig, opts ...QueueOption) (*Queue, error) {
	if stores.Jobs == nil {
		return nil, InternalError("core: job store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, BadInputError("core: invalid queue config: "+err.Error(), nil)
	}
	cfg = cfg.withDefaults()

	builder := queueBuilder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	retry := NewRetryPolicy(cfg)
	if builder.retry != nil {
		retry = *builder.retry
	}
	now := builder.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	stats := stores.Stats
	if stats == nil {
		if reader, ok := stores.Jobs.(StatsReader); ok {
			stats = reader
		}
	}

	return &Queue{
		jobs:        stores.Jobs,
		deadLetters: stores.DeadLetters,
		events:      stores.Events,
		stats:       stats,
		config:      cfg,
		retry:       retry,
		observer:    NewObserver("workqueue", builder.loggerProvider, builder.logger, builder.metrics),
		now:         now,
	}, nil
}

func (q *Queue) Config() QueueConfig {
	if q == nil {
		return QueueConfig{}
	}
	return q.config
}

// Now returns the queue clock in UTC.
func (q *Queue) Now() time.Time {
	if q == nil || q.now == nil {
		return time.Now().UTC()
	}
	return q.now().UTC()
}

func (q *Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts EnqueueOptions) (id string, err error) {
	startedAt := time.Now()
	jobType = strings.TrimSpace(jobType)
	fields := map[string]any{"job_type": jobType}
	defer func() {
		fields["job_id"] = id
		q.observer.Observe(ctx, startedAt, "enqueue", err, fields)
	}()

	if jobType == "" {
		return "", BadInputError("core: job type is required", nil)
	}
	if opts.Delay < 0 {
		return "", BadInputError("core: enqueue delay must be >= 0", map[string]any{"job_type": jobType})
	}
	inserted, err := q.jobs.InsertJob(ctx, q.newJob(jobType, payload, opts))
	if err != nil {
		return "", StorageError(err, "core: insert job", fields)
	}
	return inserted.ID, nil
}

// EnqueueEvent admits a normalized event exactly once per event id. A repeat
// delivery returns the original ledger record and job id with Admitted=false.
func (q *Queue) EnqueueEvent(ctx context.Context, event NormalizedEvent, opts EnqueueOptions) (admission Admission, err error) {
	startedAt := time.Now()
	fields := map[string]any{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"source":     event.Source,
		"job_type":   JobTypeWebhookEvent,
	}
	defer func() {
		fields["job_id"] = admission.Event.JobID
		fields["admitted"] = admission.Admitted
		q.observer.Observe(ctx, startedAt, "enqueue_event", err, fields)
	}()

	if q.events == nil {
		return Admission{}, InternalError("core: event ledger is not configured")
	}
	if strings.TrimSpace(event.EventID) == "" {
		return Admission{}, BadInputError("core: event id is required", nil)
	}
	if strings.TrimSpace(event.EventType) == "" {
		return Admission{}, BadInputError("core: event type is required", nil)
	}

	job := q.newJob(JobTypeWebhookEvent, event.Payload(), opts)
	admission, err = q.events.AdmitEvent(ctx, q.newEventRecord(event, job.ID), job)
	if err != nil {
		return Admission{}, StorageError(err, "core: admit event", fields)
	}
	return admission, nil
}

// ReserveEvent records an event for inline processing without creating a job.
func (q *Queue) ReserveEvent(ctx context.Context, event NormalizedEvent) (WebhookEventRecord, bool, error) {
	if q.events == nil {
		return WebhookEventRecord{}, false, InternalError("core: event ledger is not configured")
	}
	if strings.TrimSpace(event.EventID) == "" {
		return WebhookEventRecord{}, false, BadInputError("core: event id is required", nil)
	}
	record, reserved, err := q.events.ReserveEvent(ctx, q.newEventRecord(event, ""))
	if err != nil {
		return WebhookEventRecord{}, false, StorageError(err, "core: reserve event", map[string]any{"event_id": event.EventID})
	}
	return record, reserved, nil
}

func (q *Queue) CompleteEvent(ctx context.Context, eventID string) error {
	if q.events == nil {
		return InternalError("core: event ledger is not configured")
	}
	if err := q.events.MarkEventProcessed(ctx, eventID, q.Now()); err != nil {
		return StorageError(err, "core: mark event processed", map[string]any{"event_id": eventID})
	}
	return nil
}

func (q *Queue) ReleaseEvent(ctx context.Context, eventID string) error {
	if q.events == nil {
		return InternalError("core: event ledger is not configured")
	}
	if err := q.events.ReleaseEvent(ctx, eventID); err != nil {
		return StorageError(err, "core: release event", map[string]any{"event_id": eventID})
	}
	return nil
}

// ClaimNext leases the oldest eligible job to workerID, sweeping stale leases
// first when the reclaim interval has elapsed. It returns nil when nothing is
// claimable.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (job *Job, err error) {
	startedAt := time.Now()
	workerID = strings.TrimSpace(workerID)
	fields := map[string]any{"worker_id": workerID}
	defer func() {
		if job != nil {
			fields["job_id"] = job.ID
			fields["job_type"] = job.Type
			fields["attempt"] = job.Attempts
		}
		fields["claimed"] = job != nil
		q.observer.Observe(ctx, startedAt, "claim", err, fields)
	}()

	if workerID == "" {
		return nil, BadInputError("core: worker id is required", nil)
	}
	if q.reclaimDue() {
		if _, reclaimErr := q.ReclaimStale(ctx); reclaimErr != nil {
			return nil, reclaimErr
		}
	}
	job, err = q.jobs.ClaimJob(ctx, workerID, q.Now())
	if err != nil {
		return nil, StorageError(err, "core: claim job", fields)
	}
	return job, nil
}

// ReclaimStale returns expired leases to pending.
func (q *Queue) ReclaimStale(ctx context.Context) (count int, err error) {
	startedAt := time.Now()
	defer func() {
		if err != nil || count > 0 {
			q.observer.Observe(ctx, startedAt, "reclaim_stale", err, map[string]any{"reclaimed": count})
		}
	}()
	now := q.Now()
	count, err = q.jobs.ReclaimStale(ctx, q.config.LeaseTimeout, now)
	if err != nil {
		return 0, StorageError(err, "core: reclaim stale leases", nil)
	}
	q.reclaimMu.Lock()
	q.lastReclaim = now
	q.reclaimMu.Unlock()
	if count > 0 {
		q.observer.Warn(ctx, "reclaimed stale job leases", map[string]any{
			"reclaimed":     count,
			"lease_timeout": q.config.LeaseTimeout.String(),
		})
	}
	return count, nil
}

// RunReclaimer sweeps stale leases every interval until ctx is done.
func (q *Queue) RunReclaimer(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = q.config.LeaseTimeout / 2
	}
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := q.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
				q.observer.Error(ctx, "stale lease sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// MarkCompleted is idempotent: completing an already completed job is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, jobID string, result map[string]any) error {
	return q.MarkCompletedBy(ctx, jobID, "", result)
}

// MarkCompletedBy completes a job only while workerID still holds its lease.
// A worker whose lease was reclaimed and claimed again gets a conflict.
func (q *Queue) MarkCompletedBy(ctx context.Context, jobID string, workerID string, result map[string]any) (err error) {
	startedAt := time.Now()
	jobID = strings.TrimSpace(jobID)
	workerID = strings.TrimSpace(workerID)
	fields := map[string]any{"job_id": jobID, "worker_id": workerID}
	defer func() {
		q.observer.Observe(ctx, startedAt, "complete", err, fields)
	}()

	if jobID == "" {
		return BadInputError("core: job id is required", nil)
	}
	changed, err := q.jobs.CompleteJob(ctx, jobID, workerID, result, q.Now())
	if err != nil {
		return StorageError(err, "core: complete job", fields)
	}
	fields["changed"] = changed
	return nil
}

// MarkFailed records a failed attempt. Permanent errors and exhausted jobs
// move to the dead-letter queue; anything else is rescheduled with backoff.
func (q *Queue) MarkFailed(ctx context.Context, jobID string, cause error) (FailureOutcome, error) {
	return q.MarkFailedBy(ctx, jobID, "", cause)
}

func (q *Queue) MarkFailedBy(ctx context.Context, jobID string, workerID string, cause error) (outcome FailureOutcome, err error) {
	startedAt := time.Now()
	jobID = strings.TrimSpace(jobID)
	permanent := IsPermanent(cause)
	fields := map[string]any{
		"job_id":    jobID,
		"worker_id": workerID,
		"permanent": permanent,
	}
	defer func() {
		fields["attempt"] = outcome.Attempts
		fields["dead_lettered"] = outcome.DeadLettered
		if !outcome.RetryAt.IsZero() {
			fields["retry_at"] = outcome.RetryAt.Format(time.RFC3339)
		}
		q.observer.Observe(ctx, startedAt, "fail", err, fields)
	}()

	if jobID == "" {
		return FailureOutcome{}, BadInputError("core: job id is required", nil)
	}
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	outcome, err = q.jobs.FailJob(ctx, jobID, FailureInput{
		Error:     message,
		Permanent: permanent,
		WorkerID:  strings.TrimSpace(workerID),
		Now:       q.Now(),
		Backoff:   q.retry.NextDelay,
	})
	if err != nil {
		return FailureOutcome{}, StorageError(err, "core: fail job", fields)
	}
	if outcome.DeadLettered {
		q.observer.Count(ctx, "workqueue.dead_letter.total", 1, map[string]string{"reason": string(outcome.Reason)})
	}
	return outcome, nil
}

func (q *Queue) ListDLQ(ctx context.Context, filter DeadLetterFilter) (DeadLetterPage, error) {
	if q.deadLetters == nil {
		return DeadLetterPage{}, InternalError("core: dead letter store is not configured")
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PerPage <= 0 {
		filter.PerPage = 50
	}
	page, err := q.deadLetters.ListDeadLetters(ctx, filter)
	if err != nil {
		return DeadLetterPage{}, StorageError(err, "core: list dead letters", nil)
	}
	return page, nil
}

func (q *Queue) GetDLQEntry(ctx context.Context, id string) (DeadLetterEntry, error) {
	if q.deadLetters == nil {
		return DeadLetterEntry{}, InternalError("core: dead letter store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return DeadLetterEntry{}, BadInputError("core: dead letter id is required", nil)
	}
	entry, err := q.deadLetters.GetDeadLetter(ctx, id)
	if err != nil {
		return DeadLetterEntry{}, StorageError(err, "core: get dead letter", map[string]any{"dead_letter_id": id})
	}
	return entry, nil
}

// RequeueFromDLQ recreates a pending job from the entry snapshot and deletes
// the entry. It returns the new job id.
func (q *Queue) RequeueFromDLQ(ctx context.Context, id string, resetAttempts bool) (jobID string, err error) {
	startedAt := time.Now()
	id = strings.TrimSpace(id)
	fields := map[string]any{"dead_letter_id": id, "reset_attempts": resetAttempts}
	defer func() {
		fields["job_id"] = jobID
		q.observer.Observe(ctx, startedAt, "requeue_dead_letter", err, fields)
	}()

	if q.deadLetters == nil {
		return "", InternalError("core: dead letter store is not configured")
	}
	if id == "" {
		return "", BadInputError("core: dead letter id is required", nil)
	}
	job, err := q.deadLetters.RequeueDeadLetter(ctx, id, resetAttempts, q.Now())
	if err != nil {
		return "", StorageError(err, "core: requeue dead letter", fields)
	}
	return job.ID, nil
}

func (q *Queue) DeleteDLQEntry(ctx context.Context, id string) (err error) {
	startedAt := time.Now()
	id = strings.TrimSpace(id)
	defer func() {
		q.observer.Observe(ctx, startedAt, "delete_dead_letter", err, map[string]any{"dead_letter_id": id})
	}()

	if q.deadLetters == nil {
		return InternalError("core: dead letter store is not configured")
	}
	if id == "" {
		return BadInputError("core: dead letter id is required", nil)
	}
	if err := q.deadLetters.DeleteDeadLetter(ctx, id); err != nil {
		return StorageError(err, "core: delete dead letter", map[string]any{"dead_letter_id": id})
	}
	return nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Job{}, BadInputError("core: job id is required", nil)
	}
	job, err := q.jobs.GetJob(ctx, id)
	if err != nil {
		return Job{}, StorageError(err, "core: get job", map[string]any{"job_id": id})
	}
	return job, nil
}

// GetEvent returns the ledger record for an external event id.
func (q *Queue) GetEvent(ctx context.Context, eventID string) (WebhookEventRecord, error) {
	if q.events == nil {
		return WebhookEventRecord{}, InternalError("core: event ledger is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return WebhookEventRecord{}, BadInputError("core: event id is required", nil)
	}
	record, err := q.events.GetEvent(ctx, eventID)
	if err != nil {
		return WebhookEventRecord{}, StorageError(err, "core: get event", map[string]any{"event_id": eventID})
	}
	return record, nil
}

func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	if q.stats == nil {
		return QueueStats{}, InternalError("core: stats reader is not configured")
	}
	stats, err := q.stats.CountJobs(ctx)
	if err != nil {
		return QueueStats{}, StorageError(err, "core: count jobs", nil)
	}
	return stats, nil
}

func (q *Queue) newJob(jobType string, payload map[string]any, opts EnqueueOptions) Job {
	now := q.Now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.DefaultMaxAttempts
	}
	availableAt := now
	if opts.Delay > 0 {
		availableAt = now.Add(opts.Delay)
	}
	return Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     copyAnyMap(payload),
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		AvailableAt: availableAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (q *Queue) newEventRecord(event NormalizedEvent, jobID string) WebhookEventRecord {
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = q.Now()
	}
	source := strings.TrimSpace(event.Source)
	if source == "" {
		source = DefaultSecretKey
	}
	return WebhookEventRecord{
		ID:              uuid.NewString(),
		EventID:         strings.TrimSpace(event.EventID),
		EventType:       strings.TrimSpace(event.EventType),
		Source:          source,
		PayloadSnapshot: event.Payload(),
		JobID:           jobID,
		ReceivedAt:      receivedAt.UTC(),
	}
}

func (q *Queue) reclaimDue() bool {
	q.reclaimMu.Lock()
	defer q.reclaimMu.Unlock()
	if q.config.ReclaimInterval <= 0 || q.lastReclaim.IsZero() {
		return true
	}
	return q.Now().Sub(q.lastReclaim) >= q.config.ReclaimInterval
}
