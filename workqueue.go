// Package workqueue wires the persistent job queue, the webhook ingestion
// gateway, the event processor and the worker pool into one runnable system.
package workqueue

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goliatone/go-workqueue/core"
	"github.com/goliatone/go-workqueue/events"
	"github.com/goliatone/go-workqueue/webhooks"
	"github.com/goliatone/go-workqueue/worker"
)

type Config = core.Config

type Job = core.Job
type NormalizedEvent = core.NormalizedEvent
type Outcome = core.Outcome
type QueueStores = core.QueueStores
type JobHandler = core.JobHandler
type JobHandlerFunc = core.JobHandlerFunc
type WorkerHook = core.WorkerHook

func DefaultConfig() Config {
	return core.DefaultConfig()
}

type setupOptions struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	hooks          []core.WorkerHook
	now            func() time.Time
	gatewayOpts    []webhooks.Option
	eventHandlers  map[events.EventKind]events.EventHandler
	jobHandlers    map[string]core.JobHandler
}

type Option func(*setupOptions)

func WithLogger(logger core.Logger) Option {
	return func(o *setupOptions) {
		o.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *setupOptions) {
		o.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(o *setupOptions) {
		o.metrics = recorder
	}
}

func WithWorkerHooks(hooks ...core.WorkerHook) Option {
	return func(o *setupOptions) {
		o.hooks = append(o.hooks, hooks...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *setupOptions) {
		o.now = now
	}
}

// WithGatewayOptions forwards extra options to the ingestion gateway, such as
// a custom verifier or field aliases.
func WithGatewayOptions(opts ...webhooks.Option) Option {
	return func(o *setupOptions) {
		o.gatewayOpts = append(o.gatewayOpts, opts...)
	}
}

func WithEventHandler(kind events.EventKind, handler events.EventHandler) Option {
	return func(o *setupOptions) {
		if o.eventHandlers == nil {
			o.eventHandlers = map[events.EventKind]events.EventHandler{}
		}
		o.eventHandlers[kind] = handler
	}
}

func WithJobHandler(jobType string, handler core.JobHandler) Option {
	return func(o *setupOptions) {
		if o.jobHandlers == nil {
			o.jobHandlers = map[string]core.JobHandler{}
		}
		o.jobHandlers[jobType] = handler
	}
}

// System is a fully wired queue. Queue, Processor, Pool and Gateway share
// the same stores and observability collaborators.
type System struct {
	Config    Config
	Queue     *core.Queue
	Processor *events.Processor
	Pool      *worker.Pool
	Gateway   *webhooks.Gateway
	Facade    *Facade
}

// Setup builds a System over stores. Webhook events are bound to the event
// processor on every pool member.
func Setup(cfg Config, stores QueueStores, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.BadInputError("workqueue: invalid config: "+err.Error(), nil)
	}
	options := setupOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&options)
	}

	queueOpts := []core.QueueOption{
		core.WithQueueLogger(options.logger),
		core.WithQueueLoggerProvider(options.loggerProvider),
		core.WithQueueMetricsRecorder(options.metrics),
	}
	if options.now != nil {
		queueOpts = append(queueOpts, core.WithQueueClock(options.now))
	}
	queue, err := core.NewQueue(stores, cfg.Queue, queueOpts...)
	if err != nil {
		return nil, err
	}

	processor := events.NewProcessor(
		events.WithLogger(options.logger),
		events.WithLoggerProvider(options.loggerProvider),
		events.WithMetricsRecorder(options.metrics),
	)
	for kind, handler := range options.eventHandlers {
		if err := processor.Register(kind, handler); err != nil {
			return nil, err
		}
	}

	workerOpts := []worker.Option{
		worker.WithLogger(options.logger),
		worker.WithLoggerProvider(options.loggerProvider),
		worker.WithMetricsRecorder(options.metrics),
		worker.WithHooks(options.hooks...),
	}
	if options.now != nil {
		workerOpts = append(workerOpts, worker.WithClock(options.now))
	}
	pool, err := worker.NewPool(queue, worker.ConfigFromCore(cfg.Worker, cfg.Queue.ReclaimInterval), cfg.Worker.Concurrency, workerOpts...)
	if err != nil {
		return nil, err
	}
	if err := pool.RegisterHandler(core.JobTypeWebhookEvent, processor.JobHandler()); err != nil {
		return nil, err
	}
	for jobType, handler := range options.jobHandlers {
		if err := pool.RegisterHandler(jobType, handler); err != nil {
			return nil, err
		}
	}

	gatewayOpts := []webhooks.Option{
		webhooks.WithProcessor(processor),
		webhooks.WithLogger(options.logger),
		webhooks.WithLoggerProvider(options.loggerProvider),
		webhooks.WithMetricsRecorder(options.metrics),
	}
	if options.now != nil {
		gatewayOpts = append(gatewayOpts, webhooks.WithClock(options.now))
	}
	gatewayOpts = append(gatewayOpts, options.gatewayOpts...)
	gateway, err := webhooks.NewGateway(queue, cfg.Gateway, gatewayOpts...)
	if err != nil {
		return nil, err
	}

	facade, err := NewFacade(queue)
	if err != nil {
		return nil, err
	}

	return &System{
		Config:    cfg,
		Queue:     queue,
		Processor: processor,
		Pool:      pool,
		Gateway:   gateway,
		Facade:    facade,
	}, nil
}

// Router returns the ingestion HTTP handler.
func (s *System) Router(opts ...webhooks.RouterOption) http.Handler {
	return webhooks.NewRouter(s.Gateway, opts...)
}

// RunWorkers blocks until ctx is cancelled or a pool member fails.
func (s *System) RunWorkers(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return fmt.Errorf("workqueue: system is not configured")
	}
	return s.Pool.Run(ctx)
}
