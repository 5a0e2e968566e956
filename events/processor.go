package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-workqueue/core"
)

const (
	StatusAcknowledged = "acknowledged"
	StatusProcessed    = "processed"
)

type EventHandler interface {
	HandleEvent(ctx context.Context, event core.NormalizedEvent) (core.Outcome, error)
}

type EventHandlerFunc func(ctx context.Context, event core.NormalizedEvent) (core.Outcome, error)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, event core.NormalizedEvent) (core.Outcome, error) {
	return f(ctx, event)
}

type Processor struct {
	observer core.Observer

	mu       sync.RWMutex
	handlers map[EventKind]EventHandler
}

type processorBuilder struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
}

type Option func(*processorBuilder)

func WithLogger(logger core.Logger) Option {
	return func(b *processorBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *processorBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *processorBuilder) {
		b.metrics = recorder
	}
}

func NewProcessor(opts ...Option) *Processor {
	builder := processorBuilder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}
	return &Processor{
		observer: core.NewObserver("workqueue.events", builder.loggerProvider, builder.logger, builder.metrics),
		handlers: map[EventKind]EventHandler{},
	}
}

func (p *Processor) Register(kind EventKind, handler EventHandler) error {
	if p == nil {
		return core.InternalError("events: processor is nil")
	}
	if handler == nil {
		return core.BadInputError("events: handler is nil", map[string]any{"kind": kind.String()})
	}
	if !kind.Known() {
		return core.BadInputError(
			fmt.Sprintf("events: cannot register handler for unknown kind %q", string(kind)),
			map[string]any{"kind": string(kind)},
		)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handlers == nil {
		p.handlers = map[EventKind]EventHandler{}
	}
	if _, exists := p.handlers[kind]; exists {
		return core.ConflictError(
			fmt.Sprintf("events: handler already registered for kind %q", kind),
			core.ErrorHandlerRegistered,
			map[string]any{"kind": string(kind)},
		)
	}
	p.handlers[kind] = handler
	return nil
}

func (p *Processor) HasHandler(kind EventKind) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.handlers[kind]
	return ok
}

// ProcessEvent validates the event for its kind and dispatches it. Errors
// returned by handlers pass through unchanged so callers can classify them
// with core.IsPermanent.
func (p *Processor) ProcessEvent(ctx context.Context, event core.NormalizedEvent) (outcome core.Outcome, err error) {
	if p == nil {
		return core.Outcome{}, core.InternalError("events: processor is nil")
	}
	startedAt := time.Now()
	kind := ParseKind(event.EventType)
	fields := map[string]any{
		"event_id":   event.EventID,
		"event_type": kind.String(),
		"source":     event.Source,
	}
	defer func() {
		fields["handled"] = outcome.Handled
		p.observer.Observe(ctx, startedAt, "process_event", err, fields)
	}()

	if kind == KindUnknown {
		p.observer.Info(ctx, "unhandled event type acknowledged", map[string]any{
			"event_id":   event.EventID,
			"event_type": event.EventType,
		})
		return acknowledged(false), nil
	}
	if err := validateEventData(kind, event.Data); err != nil {
		return core.Outcome{}, err
	}
	if kind == KindPing && !p.HasHandler(KindPing) {
		return acknowledged(true), nil
	}

	p.mu.RLock()
	handler := p.handlers[kind]
	p.mu.RUnlock()
	if handler == nil {
		p.observer.Info(ctx, "no handler registered for event kind", fields)
		return acknowledged(false), nil
	}

	outcome, err = handler.HandleEvent(ctx, event)
	if err != nil {
		return core.Outcome{}, err
	}
	if strings.TrimSpace(outcome.Status) == "" {
		outcome.Status = StatusProcessed
	}
	return outcome, nil
}

// JobHandler adapts the processor to the worker handler contract for
// webhook_event jobs. A payload that cannot be decoded is never retried.
func (p *Processor) JobHandler() core.JobHandler {
	return core.JobHandlerFunc(func(ctx context.Context, job core.Job) (core.Outcome, error) {
		event, err := core.EventFromPayload(job.Payload)
		if err != nil {
			return core.Outcome{}, core.Permanent(core.InvalidEventDataError(
				"events: decode webhook event payload: "+err.Error(),
				map[string]any{"job_id": job.ID},
			))
		}
		return p.ProcessEvent(ctx, event)
	})
}

func validateEventData(kind EventKind, data map[string]any) error {
	field := kind.RequiredField()
	if field == "" {
		return nil
	}
	if present(data[field]) {
		return nil
	}
	return core.InvalidEventDataError(
		fmt.Sprintf("events: %s requires data.%s", kind, field),
		map[string]any{"event_type": string(kind), "field": field},
	)
}

func present(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(typed) != ""
	default:
		return true
	}
}

func acknowledged(handled bool) core.Outcome {
	return core.Outcome{Status: StatusAcknowledged, Handled: handled}
}
