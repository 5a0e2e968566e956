package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-workqueue/core"
	"github.com/google/uuid"
)

type Handler = core.JobHandler

type HandlerFunc = core.JobHandlerFunc

// JobQueue is the part of core.Queue a worker consumes.
type JobQueue interface {
	ClaimNext(ctx context.Context, workerID string) (*core.Job, error)
	MarkCompletedBy(ctx context.Context, jobID string, workerID string, result map[string]any) error
	MarkFailedBy(ctx context.Context, jobID string, workerID string, cause error) (core.FailureOutcome, error)
}

// Reclaimer is implemented by queues that can sweep expired leases.
type Reclaimer interface {
	RunReclaimer(ctx context.Context, interval time.Duration) error
}

type State string

const (
	StateIdle       State = "idle"
	StateClaiming   State = "claiming"
	StateProcessing State = "processing"
)

type Outcome string

const (
	OutcomeEmpty          Outcome = "empty"
	OutcomeCompleted      Outcome = "completed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
)

type RunResult struct {
	Job     *core.Job
	Outcome Outcome
	Result  core.Outcome
	Failure core.FailureOutcome
	// Err is the handler error that caused a retry or dead letter.
	Err error
}

type Config struct {
	ID             string
	IdleBackoff    time.Duration
	HandlerTimeout time.Duration
	// ReclaimInterval starts a background stale-lease sweep in Run when the
	// queue supports it. Zero disables the sweep.
	ReclaimInterval time.Duration
}

func ConfigFromCore(cfg core.WorkerConfig, reclaimInterval time.Duration) Config {
	return Config{
		ID:              cfg.ID,
		IdleBackoff:     cfg.IdleBackoff,
		HandlerTimeout:  cfg.HandlerTimeout,
		ReclaimInterval: reclaimInterval,
	}
}

type Worker struct {
	id     string
	queue  JobQueue
	config Config

	observer core.Observer
	hooks    []core.WorkerHook
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	state    atomic.Value
	stopping atomic.Bool
}

type workerBuilder struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	hooks          []core.WorkerHook
	now            func() time.Time
}

type Option func(*workerBuilder)

func WithLogger(logger core.Logger) Option {
	return func(b *workerBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *workerBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *workerBuilder) {
		b.metrics = recorder
	}
}

func WithHooks(hooks ...core.WorkerHook) Option {
	return func(b *workerBuilder) {
		for _, hook := range hooks {
			if hook != nil {
				b.hooks = append(b.hooks, hook)
			}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *workerBuilder) {
		b.now = now
	}
}

func New(queue JobQueue, cfg Config, opts ...Option) (*Worker, error) {
	if queue == nil {
		return nil, core.InternalError("worker: queue is required")
	}
	if cfg.IdleBackoff < 0 || cfg.HandlerTimeout < 0 || cfg.ReclaimInterval < 0 {
		return nil, core.BadInputError("worker: durations must be >= 0", nil)
	}
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = core.DefaultIdleBackoff
	}
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}

	builder := workerBuilder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}
	now := builder.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	w := &Worker{
		id:       cfg.ID,
		queue:    queue,
		config:   cfg,
		observer: core.NewObserver("workqueue.worker", builder.loggerProvider, builder.logger, builder.metrics),
		hooks:    builder.hooks,
		now:      now,
		handlers: map[string]Handler{},
	}
	w.state.Store(StateIdle)
	return w, nil
}

// DefaultID identifies a worker as hostname-pid-random.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (w *Worker) ID() string {
	if w == nil {
		return ""
	}
	return w.id
}

func (w *Worker) State() State {
	if w == nil {
		return StateIdle
	}
	state, _ := w.state.Load().(State)
	if state == "" {
		return StateIdle
	}
	return state
}

// Stopping reports whether the worker stopped accepting new claims.
func (w *Worker) Stopping() bool {
	return w != nil && w.stopping.Load()
}

func (w *Worker) RegisterHandler(jobType string, handler Handler) error {
	if w == nil {
		return core.InternalError("worker: worker is nil")
	}
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return core.BadInputError("worker: job type is required", nil)
	}
	if handler == nil {
		return core.BadInputError("worker: handler is nil", map[string]any{"job_type": jobType})
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.handlers[jobType]; exists {
		return core.ConflictError(
			fmt.Sprintf("worker: handler already registered for job type %q", jobType),
			core.ErrorHandlerRegistered,
			map[string]any{"job_type": jobType},
		)
	}
	w.handlers[jobType] = handler
	return nil
}

func (w *Worker) handlerFor(jobType string) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[jobType]
}

// RunOnce claims at most one job, dispatches it and persists the outcome.
// A returned error is a queue error; handler failures are reported through
// the result.
func (w *Worker) RunOnce(ctx context.Context) (RunResult, error) {
	if w == nil {
		return RunResult{}, core.InternalError("worker: worker is nil")
	}
	defer w.state.Store(StateIdle)

	w.state.Store(StateClaiming)
	job, err := w.queue.ClaimNext(ctx, w.id)
	if err != nil {
		return RunResult{}, err
	}
	if job == nil {
		return RunResult{Outcome: OutcomeEmpty}, nil
	}

	w.state.Store(StateProcessing)
	return w.process(context.WithoutCancel(ctx), job)
}

func (w *Worker) process(ctx context.Context, job *core.Job) (result RunResult, err error) {
	startedAt := w.now()
	observedAt := time.Now()
	result = RunResult{Job: job}
	fields := map[string]any{
		"job_id":    job.ID,
		"job_type":  job.Type,
		"worker_id": w.id,
		"attempt":   job.Attempts,
	}
	event := core.WorkerEvent{Job: *job, WorkerID: w.id, Attempt: job.Attempts, StartedAt: startedAt}
	defer func() {
		fields["outcome"] = string(result.Outcome)
		if result.Err != nil {
			fields["handler_error"] = result.Err.Error()
		}
		w.observer.Observe(ctx, observedAt, "process_job", err, fields)
	}()

	w.fire(ctx, event, func(hook core.WorkerHook, e core.WorkerEvent) { hook.OnStart(ctx, e) })

	outcome, handlerErr := w.dispatch(ctx, *job)
	event.Duration = w.now().Sub(startedAt)

	if handlerErr == nil {
		if err := w.queue.MarkCompletedBy(ctx, job.ID, w.id, outcome.Map()); err != nil {
			return result, err
		}
		result.Outcome = OutcomeCompleted
		result.Result = outcome
		w.fire(ctx, event, func(hook core.WorkerHook, e core.WorkerEvent) { hook.OnSuccess(ctx, e) })
		return result, nil
	}

	result.Err = handlerErr
	event.Err = handlerErr
	failure, err := w.queue.MarkFailedBy(ctx, job.ID, w.id, handlerErr)
	if err != nil {
		return result, err
	}
	result.Failure = failure
	if failure.DeadLettered {
		result.Outcome = OutcomeDeadLettered
		w.fire(ctx, event, func(hook core.WorkerHook, e core.WorkerEvent) { hook.OnFailure(ctx, e) })
		return result, nil
	}
	result.Outcome = OutcomeRetryScheduled
	event.Delay = failure.RetryAt.Sub(w.now())
	if event.Delay < 0 {
		event.Delay = 0
	}
	w.fire(ctx, event, func(hook core.WorkerHook, e core.WorkerEvent) { hook.OnFailure(ctx, e) })
	w.fire(ctx, event, func(hook core.WorkerHook, e core.WorkerEvent) { hook.OnRetry(ctx, e) })
	return result, nil
}

func (w *Worker) dispatch(ctx context.Context, job core.Job) (outcome core.Outcome, err error) {
	handler := w.handlerFor(job.Type)
	if handler == nil {
		return core.Outcome{}, core.NewError(
			fmt.Sprintf("worker: no handler registered for job type %q", job.Type),
			goerrors.CategoryValidation,
			http.StatusUnprocessableEntity,
			core.ErrorUnknownJobType,
			map[string]any{"job_type": job.Type, "job_id": job.ID},
		)
	}

	if timeout := w.config.HandlerTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = core.Outcome{}
			err = core.Transient(core.NewError(
				fmt.Sprintf("worker: handler panic: %v", recovered),
				goerrors.CategoryInternal,
				http.StatusInternalServerError,
				core.ErrorTransientFailure,
				map[string]any{"job_type": job.Type, "job_id": job.ID},
			))
		}
	}()
	return handler.Handle(ctx, job)
}

func (w *Worker) fire(ctx context.Context, event core.WorkerEvent, call func(core.WorkerHook, core.WorkerEvent)) {
	for _, hook := range w.hooks {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					w.observer.Error(ctx, "worker hook panic", map[string]any{
						"job_id": event.Job.ID,
						"panic":  fmt.Sprint(recovered),
					})
				}
			}()
			call(hook, event)
		}()
	}
}

// Run claims and processes jobs until ctx is cancelled, sleeping IdleBackoff
// whenever the queue is empty or the store fails. It returns nil on a
// graceful stop.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return core.InternalError("worker: worker is nil")
	}
	w.stopping.Store(false)
	defer w.stopping.Store(true)

	if reclaimer, ok := w.queue.(Reclaimer); ok && w.config.ReclaimInterval > 0 {
		go func() {
			_ = reclaimer.RunReclaimer(ctx, w.config.ReclaimInterval)
		}()
	}

	w.observer.Info(ctx, "worker started", map[string]any{"worker_id": w.id})
	defer w.observer.Info(context.WithoutCancel(ctx), "worker stopped", map[string]any{"worker_id": w.id})

	for {
		if ctx.Err() != nil {
			w.stopping.Store(true)
			return nil
		}
		result, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.stopping.Store(true)
				return nil
			}
			w.observer.Error(ctx, "worker iteration failed", map[string]any{
				"worker_id": w.id,
				"error":     err.Error(),
			})
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		if result.Outcome == OutcomeEmpty && !w.sleep(ctx) {
			return nil
		}
	}
}

// RunDaemon runs the worker until SIGINT or SIGTERM.
func (w *Worker) RunDaemon(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return w.Run(signalCtx)
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.config.IdleBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		w.stopping.Store(true)
		return false
	case <-timer.C:
		return true
	}
}
