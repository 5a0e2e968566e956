package gojob

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-workqueue/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	ParamScriptPath     = "script_path"
	ParamIdempotencyKey = "idempotency_key"
	ParamDedupPolicy    = "dedup_policy"

	DefaultPollInterval = time.Second
)

// JobEnqueuer is the enqueue surface of core.Queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any, opts core.EnqueueOptions) (string, error)
}

// JobConsumer is the claim/ack surface of core.Queue.
type JobConsumer interface {
	ClaimNext(ctx context.Context, workerID string) (*core.Job, error)
	MarkCompletedBy(ctx context.Context, jobID string, workerID string, result map[string]any) error
	MarkFailedBy(ctx context.Context, jobID string, workerID string, cause error) (core.FailureOutcome, error)
}

// ToPayload maps a go-job execution message onto a queue job type and payload.
func ToPayload(msg *job.ExecutionMessage) (string, map[string]any) {
	if msg == nil {
		return "", nil
	}
	payload := copyAnyMap(msg.Parameters)
	if scriptPath := strings.TrimSpace(msg.ScriptPath); scriptPath != "" {
		payload[ParamScriptPath] = scriptPath
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		payload[ParamIdempotencyKey] = key
	}
	if policy := strings.TrimSpace(string(msg.DedupPolicy)); policy != "" {
		payload[ParamDedupPolicy] = policy
	}
	return strings.TrimSpace(msg.JobID), payload
}

// FromJob maps a claimed queue job back into a go-job execution message.
func FromJob(j core.Job) *job.ExecutionMessage {
	params := copyAnyMap(j.Payload)
	msg := &job.ExecutionMessage{JobID: strings.TrimSpace(j.Type)}
	if value, ok := params[ParamScriptPath].(string); ok {
		msg.ScriptPath = strings.TrimSpace(value)
		delete(params, ParamScriptPath)
	}
	if value, ok := params[ParamIdempotencyKey].(string); ok {
		msg.IdempotencyKey = strings.TrimSpace(value)
		delete(params, ParamIdempotencyKey)
	}
	if value, ok := params[ParamDedupPolicy].(string); ok {
		msg.DedupPolicy = job.DeduplicationPolicy(strings.TrimSpace(value))
		delete(params, ParamDedupPolicy)
	}
	msg.Parameters = params
	return msg
}

// Enqueuer lets go-job producers write into the SQL queue.
type Enqueuer struct {
	queue JobEnqueuer
	opts  core.EnqueueOptions
}

func NewEnqueuer(q JobEnqueuer, opts core.EnqueueOptions) *Enqueuer {
	return &Enqueuer{queue: q, opts: opts}
}

func (e *Enqueuer) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if e == nil || e.queue == nil {
		return core.InternalError("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return core.BadInputError("gojob: execution message is required", nil)
	}
	jobType, payload := ToPayload(msg)
	_, err := e.queue.Enqueue(ctx, jobType, payload, e.opts)
	return err
}

// Dequeuer lets go-job consumers claim from the SQL queue. Dequeue polls until
// a job is claimable or ctx is done.
type Dequeuer struct {
	queue        JobConsumer
	workerID     string
	pollInterval time.Duration
}

func NewDequeuer(q JobConsumer, workerID string, pollInterval time.Duration) *Dequeuer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Dequeuer{queue: q, workerID: strings.TrimSpace(workerID), pollInterval: pollInterval}
}

func (d *Dequeuer) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if d == nil || d.queue == nil {
		return nil, core.InternalError("gojob: dequeuer is not configured")
	}
	for {
		claimed, err := d.queue.ClaimNext(ctx, d.workerID)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return &Delivery{queue: d.queue, job: *claimed, workerID: d.workerID}, nil
		}
		timer := time.NewTimer(d.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Delivery settles one claimed job. Retry timing always follows the queue's
// backoff policy; NackOptions.Delay is not honoured.
type Delivery struct {
	queue    JobConsumer
	job      core.Job
	workerID string
	outcome  core.FailureOutcome
}

func (d *Delivery) Message() *job.ExecutionMessage {
	if d == nil {
		return nil
	}
	return FromJob(d.job)
}

func (d *Delivery) Job() core.Job {
	if d == nil {
		return core.Job{}
	}
	return d.job
}

// Outcome is the failure outcome recorded by the last Nack.
func (d *Delivery) Outcome() core.FailureOutcome {
	if d == nil {
		return core.FailureOutcome{}
	}
	return d.outcome
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.queue == nil {
		return core.InternalError("gojob: delivery is not configured")
	}
	return d.queue.MarkCompletedBy(ctx, d.job.ID, d.workerID, nil)
}

// Nack records a failed attempt. DeadLetter, or a nack that asks for neither
// requeue nor dead letter, moves the job to the DLQ immediately.
func (d *Delivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	if d == nil || d.queue == nil {
		return core.InternalError("gojob: delivery is not configured")
	}
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = "gojob: delivery nacked"
	}
	cause := errors.New(reason)
	if opts.DeadLetter || !opts.Requeue {
		cause = core.Permanent(cause)
	} else {
		cause = core.Transient(cause)
	}
	outcome, err := d.queue.MarkFailedBy(ctx, d.job.ID, d.workerID, cause)
	if err != nil {
		return err
	}
	d.outcome = outcome
	return nil
}

// HookAdapter forwards queue worker lifecycle events to go-job hooks.
type HookAdapter struct {
	hooks []worker.Hook
}

func NewHookAdapter(hooks ...worker.Hook) *HookAdapter {
	out := make([]worker.Hook, 0, len(hooks))
	for _, hook := range hooks {
		if hook != nil {
			out = append(out, hook)
		}
	}
	return &HookAdapter{hooks: out}
}

func (a *HookAdapter) OnStart(ctx context.Context, event core.WorkerEvent) {
	if a == nil {
		return
	}
	mapped := mapWorkerEvent(event)
	for _, hook := range a.hooks {
		hook.OnStart(ctx, mapped)
	}
}

func (a *HookAdapter) OnSuccess(ctx context.Context, event core.WorkerEvent) {
	if a == nil {
		return
	}
	mapped := mapWorkerEvent(event)
	for _, hook := range a.hooks {
		hook.OnSuccess(ctx, mapped)
	}
}

func (a *HookAdapter) OnFailure(ctx context.Context, event core.WorkerEvent) {
	if a == nil {
		return
	}
	mapped := mapWorkerEvent(event)
	for _, hook := range a.hooks {
		hook.OnFailure(ctx, mapped)
	}
}

func (a *HookAdapter) OnRetry(ctx context.Context, event core.WorkerEvent) {
	if a == nil {
		return
	}
	mapped := mapWorkerEvent(event)
	for _, hook := range a.hooks {
		hook.OnRetry(ctx, mapped)
	}
}

func mapWorkerEvent(event core.WorkerEvent) worker.Event {
	return worker.Event{
		Message:   FromJob(event.Job),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
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

var (
	_ queue.Enqueuer  = (*Enqueuer)(nil)
	_ queue.Dequeuer  = (*Dequeuer)(nil)
	_ queue.Delivery  = (*Delivery)(nil)
	_ core.WorkerHook = (*HookAdapter)(nil)
)
