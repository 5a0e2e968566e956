package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []string
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, _ float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, name)
}

func (m *captureMetricsRecorder) hasCounter(name string, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, counter := range m.counters {
		if counter.name == name && (status == "" || counter.tags["status"] == status) {
			return true
		}
	}
	return false
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]capturedLog, len(*l.records))
	copy(out, *l.records)
	return out
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

// memoryStore is an in-process stand-in for the SQL stores. It follows the
// same state transitions so queue policy can be tested without a database.
type memoryStore struct {
	mu          sync.Mutex
	jobs        map[string]Job
	deadLetters map[string]DeadLetterEntry
	events      map[string]WebhookEventRecord
	failNext    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:        map[string]Job{},
		deadLetters: map[string]DeadLetterEntry{},
		events:      map[string]WebhookEventRecord{},
	}
}

func (s *memoryStore) InsertJob(_ context.Context, job Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = JobStatusPending
	job.Attempts = 0
	s.jobs[job.ID] = job
	return job, nil
}

func (s *memoryStore) ClaimJob(_ context.Context, workerID string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	var candidates []Job
	for _, job := range s.jobs {
		if job.Status == JobStatusPending && !job.AvailableAt.After(now) {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
	})
	job := candidates[0]
	lockedAt := now
	job.Status = JobStatusProcessing
	job.LockedBy = workerID
	job.LockedAt = &lockedAt
	job.Attempts++
	s.jobs[job.ID] = job
	return &job, nil
}

func (s *memoryStore) ReclaimStale(_ context.Context, leaseTimeout time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-leaseTimeout)
	count := 0
	for id, job := range s.jobs {
		if job.Status == JobStatusProcessing && job.LockedAt != nil && job.LockedAt.Before(cutoff) {
			job.Status = JobStatusPending
			job.LockedBy = ""
			job.LockedAt = nil
			s.jobs[id] = job
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) CompleteJob(_ context.Context, id string, workerID string, result map[string]any, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, NotFoundError("job not found", nil)
	}
	if job.Status == JobStatusCompleted {
		return false, nil
	}
	if job.Status != JobStatusProcessing {
		return false, ConflictError("job is not processing", "", nil)
	}
	if workerID != "" && job.LockedBy != "" && job.LockedBy != workerID {
		return false, ConflictError("job is leased by another worker", "", nil)
	}
	job.Status = JobStatusCompleted
	job.LockedBy = ""
	job.LockedAt = nil
	job.Result = result
	s.jobs[id] = job
	for key, event := range s.events {
		if event.JobID == id {
			processedAt := now
			event.Processed = true
			event.ProcessedAt = &processedAt
			s.events[key] = event
		}
	}
	return true, nil
}

func (s *memoryStore) FailJob(_ context.Context, id string, in FailureInput) (FailureOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return FailureOutcome{}, NotFoundError("job not found", nil)
	}
	job.History = append(job.History, AttemptRecord{Attempt: job.Attempts, Error: in.Error, WorkerID: in.WorkerID, FailedAt: in.Now})
	job.ErrorText = in.Error
	outcome := FailureOutcome{JobID: id, Attempts: job.Attempts}
	if in.Permanent || job.Attempts >= job.MaxAttempts {
		reason := DeadLetterReasonMaxAttempts
		if in.Permanent {
			reason = DeadLetterReasonPermanent
		}
		job.Status = JobStatusFailed
		job.LockedBy = ""
		job.LockedAt = nil
		entry := DeadLetterEntry{
			ID:          uuid.NewString(),
			JobID:       id,
			JobType:     job.Type,
			Payload:     job.Payload,
			Snapshot:    job,
			Reason:      reason,
			FinalError:  in.Error,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			History:     job.History,
			FailedAt:    in.Now,
		}
		s.deadLetters[entry.ID] = entry
		delete(s.jobs, id)
		outcome.DeadLettered = true
		outcome.DeadLetterID = entry.ID
		outcome.Reason = reason
		return outcome, nil
	}
	job.Status = JobStatusPending
	job.LockedBy = ""
	job.LockedAt = nil
	job.AvailableAt = in.Now.Add(in.Backoff(job.Attempts))
	s.jobs[id] = job
	outcome.RetryAt = job.AvailableAt
	return outcome, nil
}

func (s *memoryStore) GetJob(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, NotFoundError("job not found", nil)
	}
	return job, nil
}

func (s *memoryStore) CountJobs(context.Context) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := QueueStats{DeadLettered: len(s.deadLetters)}
	for _, job := range s.jobs {
		switch job.Status {
		case JobStatusPending:
			stats.Pending++
		case JobStatusProcessing:
			stats.Processing++
		case JobStatusCompleted:
			stats.Completed++
		}
	}
	return stats, nil
}

func (s *memoryStore) ListDeadLetters(_ context.Context, filter DeadLetterFilter) (DeadLetterPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := DeadLetterPage{Page: filter.Page, PerPage: filter.PerPage}
	for _, entry := range s.deadLetters {
		if filter.JobType != "" && entry.JobType != filter.JobType {
			continue
		}
		if filter.Reason != "" && entry.Reason != filter.Reason {
			continue
		}
		page.Items = append(page.Items, entry)
	}
	page.Total = len(page.Items)
	return page, nil
}

func (s *memoryStore) GetDeadLetter(_ context.Context, id string) (DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[id]
	if !ok {
		return DeadLetterEntry{}, NotFoundError("dead letter not found", nil)
	}
	return entry, nil
}

func (s *memoryStore) RequeueDeadLetter(_ context.Context, id string, resetAttempts bool, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[id]
	if !ok {
		return Job{}, NotFoundError("dead letter not found", nil)
	}
	job := entry.Snapshot
	job.ID = uuid.NewString()
	job.Status = JobStatusPending
	job.AvailableAt = now
	if resetAttempts {
		job.Attempts = 0
		job.History = nil
	}
	s.jobs[job.ID] = job
	delete(s.deadLetters, id)
	for key, event := range s.events {
		if event.JobID == entry.JobID {
			event.JobID = job.ID
			s.events[key] = event
		}
	}
	return job, nil
}

func (s *memoryStore) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return NotFoundError("dead letter not found", nil)
	}
	delete(s.deadLetters, id)
	return nil
}

func (s *memoryStore) AdmitEvent(_ context.Context, record WebhookEventRecord, job Job) (Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[record.EventID]; ok {
		return Admission{Event: existing, Admitted: false}, nil
	}
	job.Status = JobStatusPending
	s.jobs[job.ID] = job
	record.JobID = job.ID
	s.events[record.EventID] = record
	return Admission{Event: record, Job: job, Admitted: true}, nil
}

func (s *memoryStore) ReserveEvent(_ context.Context, record WebhookEventRecord) (WebhookEventRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[record.EventID]; ok {
		return existing, false, nil
	}
	s.events[record.EventID] = record
	return record, true, nil
}

func (s *memoryStore) MarkEventProcessed(_ context.Context, eventID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return NotFoundError("event not found", nil)
	}
	event.Processed = true
	event.ProcessedAt = &now
	s.events[eventID] = event
	return nil
}

func (s *memoryStore) ReleaseEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, eventID)
	return nil
}

func (s *memoryStore) GetEvent(_ context.Context, eventID string) (WebhookEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return WebhookEventRecord{}, NotFoundError(fmt.Sprintf("event %s not found", eventID), nil)
	}
	return event, nil
}

func (s *memoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(store *memoryStore, clock *testClock, opts ...QueueOption) (*Queue, error) {
	cfg := DefaultConfig().Queue
	cfg.BackoffJitter = 0
	cfg.ReclaimInterval = 0
	opts = append([]QueueOption{WithQueueClock(clock.Now)}, opts...)
	return NewQueue(QueueStores{
		Jobs:        store,
		DeadLetters: store,
		Events:      store,
		Stats:       store,
	}, cfg, opts...)
}
