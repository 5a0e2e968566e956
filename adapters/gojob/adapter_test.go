package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-workqueue/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func TestMessageMappingRoundTrip(t *testing.T) {
	original := &job.ExecutionMessage{
		JobID:          "reports.nightly",
		ScriptPath:     "scripts/nightly.js",
		Parameters:     map[string]any{"tenant": "acme"},
		IdempotencyKey: "idem-1",
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}
	jobType, payload := ToPayload(original)
	if jobType != "reports.nightly" {
		t.Fatalf("expected job type from JobID, got %q", jobType)
	}
	if payload[ParamScriptPath] != "scripts/nightly.js" || payload[ParamIdempotencyKey] != "idem-1" {
		t.Fatalf("expected reserved params in payload, got %#v", payload)
	}

	roundTrip := FromJob(core.Job{Type: jobType, Payload: payload})
	if roundTrip.JobID != original.JobID || roundTrip.ScriptPath != original.ScriptPath {
		t.Fatalf("unexpected round trip %#v", roundTrip)
	}
	if roundTrip.IdempotencyKey != original.IdempotencyKey || roundTrip.DedupPolicy != original.DedupPolicy {
		t.Fatalf("expected dedupe fields to survive mapping, got %#v", roundTrip)
	}
	if _, leaked := roundTrip.Parameters[ParamScriptPath]; leaked {
		t.Fatalf("reserved params must not leak into parameters")
	}
	if roundTrip.Parameters["tenant"] != "acme" {
		t.Fatalf("expected parameters to survive mapping")
	}
}

func TestEnqueuerWritesToQueue(t *testing.T) {
	q := &stubQueue{}
	enqueuer := NewEnqueuer(q, core.EnqueueOptions{MaxAttempts: 7})
	err := enqueuer.Enqueue(context.Background(), &job.ExecutionMessage{JobID: "email.send", Parameters: map[string]any{"to": "a@example.com"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if q.lastType != "email.send" || q.lastPayload["to"] != "a@example.com" || q.lastOpts.MaxAttempts != 7 {
		t.Fatalf("unexpected enqueue call %#v", q)
	}
	if err := enqueuer.Enqueue(context.Background(), nil); err == nil {
		t.Fatalf("expected nil message to be rejected")
	}
}

func TestDequeuerAckAndNack(t *testing.T) {
	ctx := context.Background()
	q := &stubQueue{claimable: []core.Job{
		{ID: "job_1", Type: "email.send", Attempts: 1},
		{ID: "job_2", Type: "email.send", Attempts: 1},
		{ID: "job_3", Type: "email.send", Attempts: 1},
	}}
	dequeuer := NewDequeuer(q, "gojob-worker", time.Millisecond)

	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if delivery.Message().JobID != "email.send" {
		t.Fatalf("expected message mapped from job type")
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if q.completed != "job_1" || q.lastWorker != "gojob-worker" {
		t.Fatalf("expected gojob-worker to complete job_1, got %q by %q", q.completed, q.lastWorker)
	}

	delivery, _ = dequeuer.Dequeue(ctx)
	if err := delivery.Nack(ctx, queue.NackOptions{Requeue: true, Reason: "smtp timeout"}); err != nil {
		t.Fatalf("nack requeue: %v", err)
	}
	if core.IsPermanent(q.lastCause) || q.lastWorker != "gojob-worker" {
		t.Fatalf("expected transient failure by gojob-worker, got %v/%s", q.lastCause, q.lastWorker)
	}

	delivery, _ = dequeuer.Dequeue(ctx)
	if err := delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "bad address"}); err != nil {
		t.Fatalf("nack dead letter: %v", err)
	}
	if !core.IsPermanent(q.lastCause) {
		t.Fatalf("expected dead-letter nack to be permanent")
	}
	if !delivery.(*Delivery).Outcome().DeadLettered {
		t.Fatalf("expected outcome to be recorded on the delivery")
	}
}

func TestDequeuerStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewDequeuer(&stubQueue{}, "w", time.Millisecond).Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHookAdapterEventMapping(t *testing.T) {
	now := time.Now().UTC().Add(-time.Second)
	hook := &capturingHook{}
	adapter := NewHookAdapter(hook, nil)

	adapter.OnRetry(context.Background(), core.WorkerEvent{
		Job:       core.Job{ID: "job_1", Type: "email.send", Payload: map[string]any{ParamIdempotencyKey: "idem-9"}},
		WorkerID:  "w1",
		Attempt:   2,
		Delay:     5 * time.Second,
		Err:       errors.New("retry"),
		StartedAt: now,
		Duration:  250 * time.Millisecond,
	})
	if hook.last.Message == nil || hook.last.Message.JobID != "email.send" || hook.last.Message.IdempotencyKey != "idem-9" {
		t.Fatalf("expected message mapping, got %#v", hook.last.Message)
	}
	if hook.last.Attempt != 2 || hook.last.Delay != 5*time.Second || hook.last.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected event mapping %#v", hook.last)
	}
	if hook.last.Err == nil || hook.last.Err.Error() != "retry" || hook.last.StartedAt.IsZero() {
		t.Fatalf("expected error and start time mapping")
	}
}

type stubQueue struct {
	claimable   []core.Job
	lastType    string
	lastPayload map[string]any
	lastOpts    core.EnqueueOptions
	completed   string
	lastCause   error
	lastWorker  string
}

func (s *stubQueue) Enqueue(_ context.Context, jobType string, payload map[string]any, opts core.EnqueueOptions) (string, error) {
	s.lastType = jobType
	s.lastPayload = payload
	s.lastOpts = opts
	return "job_new", nil
}

func (s *stubQueue) ClaimNext(ctx context.Context, _ string) (*core.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.claimable) == 0 {
		return nil, nil
	}
	next := s.claimable[0]
	s.claimable = s.claimable[1:]
	return &next, nil
}

func (s *stubQueue) MarkCompletedBy(_ context.Context, jobID string, workerID string, _ map[string]any) error {
	s.completed = jobID
	s.lastWorker = workerID
	return nil
}

func (s *stubQueue) MarkFailedBy(_ context.Context, jobID string, workerID string, cause error) (core.FailureOutcome, error) {
	s.lastCause = cause
	s.lastWorker = workerID
	return core.FailureOutcome{JobID: jobID, DeadLettered: core.IsPermanent(cause)}, nil
}

type capturingHook struct {
	last worker.Event
}

func (h *capturingHook) OnStart(context.Context, worker.Event)   {}
func (h *capturingHook) OnSuccess(context.Context, worker.Event) {}
func (h *capturingHook) OnFailure(context.Context, worker.Event) {}
func (h *capturingHook) OnRetry(_ context.Context, event worker.Event) {
	h.last = event
}
