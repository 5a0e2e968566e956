package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-workqueue/core"
)

const (
	StatusReceived = "received"
	// TransformAll registers a transform for every event type.
	TransformAll = "*"
)

type IngestRequest struct {
	Source     string
	Body       []byte
	Headers    map[string]string
	RemoteAddr string
}

type IngestResponse struct {
	Status     string         `json:"status"`
	EventID    string         `json:"event_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Duplicate  bool           `json:"duplicate"`
	Result     map[string]any `json:"result,omitempty"`
	HTTPStatus int            `json:"-"`
}

// EventQueue is the admission surface of core.Queue used by the gateway.
type EventQueue interface {
	EnqueueEvent(ctx context.Context, event core.NormalizedEvent, opts core.EnqueueOptions) (core.Admission, error)
	ReserveEvent(ctx context.Context, event core.NormalizedEvent) (core.WebhookEventRecord, bool, error)
	CompleteEvent(ctx context.Context, eventID string) error
	ReleaseEvent(ctx context.Context, eventID string) error
}

type EventProcessor interface {
	ProcessEvent(ctx context.Context, event core.NormalizedEvent) (core.Outcome, error)
}

type TransformFunc func(event core.NormalizedEvent) (core.NormalizedEvent, error)

type Gateway struct {
	queue      EventQueue
	processor  EventProcessor
	normalizer *Normalizer
	verifier   Verifier
	config     core.GatewayConfig
	allowed    []*net.IPNet
	trusted    []*net.IPNet
	enqueue    core.EnqueueOptions
	observer   core.Observer
	now        func() time.Time

	mu         sync.RWMutex
	transforms map[string][]TransformFunc
}

type gatewayBuilder struct {
	processor      EventProcessor
	normalizer     *Normalizer
	verifier       Verifier
	enqueue        core.EnqueueOptions
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	now            func() time.Time
}

type Option func(*gatewayBuilder)

// WithProcessor sets the processor used in synchronous mode.
func WithProcessor(processor EventProcessor) Option {
	return func(b *gatewayBuilder) {
		b.processor = processor
	}
}

func WithNormalizer(normalizer *Normalizer) Option {
	return func(b *gatewayBuilder) {
		b.normalizer = normalizer
	}
}

func WithVerifier(verifier Verifier) Option {
	return func(b *gatewayBuilder) {
		b.verifier = verifier
	}
}

func WithEnqueueOptions(opts core.EnqueueOptions) Option {
	return func(b *gatewayBuilder) {
		b.enqueue = opts
	}
}

func WithLogger(logger core.Logger) Option {
	return func(b *gatewayBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *gatewayBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *gatewayBuilder) {
		b.metrics = recorder
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *gatewayBuilder) {
		b.now = now
	}
}

func NewGateway(queue EventQueue, cfg core.GatewayConfig, opts ...Option) (*Gateway, error) {
	if queue == nil {
		return nil, core.InternalError("webhooks: event queue is required")
	}
	builder := gatewayBuilder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}
	if cfg.SyncMode && builder.processor == nil {
		return nil, core.BadInputError("webhooks: sync mode requires an event processor", nil)
	}

	cfg = gatewayDefaults(cfg)
	allowed, err := parseNetworks("allowed", cfg.AllowedCIDRs)
	if err != nil {
		return nil, err
	}
	trusted, err := parseNetworks("trusted proxy", cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	normalizer := builder.normalizer
	if normalizer == nil {
		normalizer = NewNormalizer()
	}
	verifier := builder.verifier
	if verifier == nil {
		verifier = DefaultVerifier(cfg.SignatureHeader)
	}
	now := builder.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Gateway{
		queue:      queue,
		processor:  builder.processor,
		normalizer: normalizer,
		verifier:   verifier,
		config:     cfg,
		allowed:    allowed,
		trusted:    trusted,
		enqueue:    builder.enqueue,
		observer:   core.NewObserver("workqueue.gateway", builder.loggerProvider, builder.logger, builder.metrics),
		now:        now,
		transforms: map[string][]TransformFunc{},
	}, nil
}

func (g *Gateway) Config() core.GatewayConfig {
	if g == nil {
		return core.GatewayConfig{}
	}
	return g.config
}

// RegisterTransform adds a hook run after normalization and before admission.
// Transforms registered for TransformAll run before type-specific ones.
func (g *Gateway) RegisterTransform(eventType string, transform TransformFunc) error {
	if g == nil {
		return core.InternalError("webhooks: gateway is nil")
	}
	if transform == nil {
		return core.BadInputError("webhooks: transform is nil", nil)
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return core.BadInputError("webhooks: transform event type is required", nil)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transforms[eventType] = append(g.transforms[eventType], transform)
	return nil
}

// HandleRequest validates, normalizes and admits one delivery. The returned
// response always carries the HTTP status to answer with; a non-nil error is
// a rich envelope describing the rejection.
func (g *Gateway) HandleRequest(ctx context.Context, req IngestRequest) (resp IngestResponse, err error) {
	if g == nil {
		return IngestResponse{HTTPStatus: http.StatusInternalServerError}, core.InternalError("webhooks: gateway is nil")
	}
	startedAt := time.Now()
	source := normalizeSource(req.Source)
	fields := map[string]any{"source": source}
	defer func() {
		if resp.EventID != "" {
			fields["event_id"] = resp.EventID
		}
		if resp.JobID != "" {
			fields["job_id"] = resp.JobID
		}
		fields["duplicate"] = resp.Duplicate
		fields["http_status"] = resp.HTTPStatus
		g.observer.Observe(ctx, startedAt, "ingest", err, fields)
	}()

	event, err := g.validate(ctx, source, req)
	if err != nil {
		return rejected(err)
	}
	fields["event_type"] = event.EventType

	event, err = g.applyTransforms(event)
	if err != nil {
		return rejected(err)
	}

	if g.config.SyncMode {
		return g.processInline(ctx, event)
	}
	return g.admit(ctx, event)
}

func (g *Gateway) validate(ctx context.Context, source string, req IngestRequest) (core.NormalizedEvent, error) {
	if len(g.allowed) > 0 && !g.sourceAllowed(req.RemoteAddr) {
		return core.NormalizedEvent{}, core.NewError(
			"webhooks: source address is not allowed",
			goerrors.CategoryAuthz,
			http.StatusForbidden,
			core.ErrorSourceNotAllowed,
			map[string]any{"remote_addr": req.RemoteAddr, "source": source},
		)
	}
	if len(req.Body) == 0 {
		return core.NormalizedEvent{}, core.NewError(
			"webhooks: request body is empty",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			core.ErrorEmptyBody,
			map[string]any{"source": source},
		)
	}
	if limit := g.config.MaxBodyBytes; limit > 0 && int64(len(req.Body)) > limit {
		return core.NormalizedEvent{}, payloadTooLarge(source, limit)
	}

	body, err := Decode(req.Body)
	if err != nil {
		return core.NormalizedEvent{}, core.WrapError(
			err,
			goerrors.CategoryBadInput,
			"webhooks: request body is not a JSON object",
			core.ErrorMalformedBody,
			map[string]any{"source": source},
		)
	}

	envelope, err := g.normalizer.Extract(source, body)
	if err != nil {
		metadata := map[string]any{"source": source}
		var fieldErr *fieldError
		if errors.As(err, &fieldErr) {
			metadata["field"] = fieldErr.field
		}
		return core.NormalizedEvent{}, core.NewError(err.Error(), goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorMissingField, metadata)
	}

	now := g.now().UTC()
	skew := now.Sub(time.Unix(envelope.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.config.TimestampTolerance {
		return core.NormalizedEvent{}, core.NewError(
			"webhooks: timestamp is outside the accepted window",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			core.ErrorStaleTimestamp,
			map[string]any{
				"source":       source,
				"timestamp":    envelope.Timestamp,
				"tolerance_ms": g.config.TimestampTolerance.Milliseconds(),
			},
		)
	}

	if g.config.RequireSignature {
		if err := g.verifySignature(ctx, source, req); err != nil {
			return core.NormalizedEvent{}, err
		}
	}

	return g.normalizer.Normalize(source, envelope, req.Body, now), nil
}

func (g *Gateway) verifySignature(ctx context.Context, source string, req IngestRequest) error {
	secret := g.secretFor(source)
	if secret == "" {
		return core.NewError(
			"webhooks: no signing secret configured for source",
			goerrors.CategoryAuth,
			http.StatusUnauthorized,
			core.ErrorInvalidSignature,
			map[string]any{"source": source},
		)
	}
	if err := g.verifier.Verify(ctx, req, secret); err != nil {
		return core.WrapError(
			err,
			goerrors.CategoryAuth,
			"webhooks: signature verification failed",
			core.ErrorInvalidSignature,
			map[string]any{"source": source},
		)
	}
	return nil
}

func (g *Gateway) secretFor(source string) string {
	if secret := strings.TrimSpace(g.config.Secrets[source]); secret != "" {
		return secret
	}
	return strings.TrimSpace(g.config.Secrets[core.DefaultSecretKey])
}

func (g *Gateway) sourceAllowed(remoteAddr string) bool {
	return containsAddr(g.allowed, remoteAddr)
}

// TrustsPeer reports whether remoteAddr is a configured trusted proxy whose
// forwarded client address headers may be honored.
func (g *Gateway) TrustsPeer(remoteAddr string) bool {
	if g == nil {
		return false
	}
	return containsAddr(g.trusted, remoteAddr)
}

func parseNetworks(label string, cidrs []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, core.BadInputError(
				fmt.Sprintf("webhooks: invalid %s cidr %q", label, cidr),
				map[string]any{"cidr": cidr},
			)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

func containsAddr(networks []*net.IPNet, remoteAddr string) bool {
	if len(networks) == 0 {
		return false
	}
	host := strings.TrimSpace(remoteAddr)
	if parsedHost, _, err := net.SplitHostPort(host); err == nil {
		host = parsedHost
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *Gateway) applyTransforms(event core.NormalizedEvent) (core.NormalizedEvent, error) {
	g.mu.RLock()
	chain := append([]TransformFunc(nil), g.transforms[TransformAll]...)
	g.mu.RUnlock()

	for _, transform := range chain {
		next, err := transform(event)
		if err != nil {
			return core.NormalizedEvent{}, transformError(err, event)
		}
		event = next
	}

	g.mu.RLock()
	chain = append([]TransformFunc(nil), g.transforms[event.EventType]...)
	g.mu.RUnlock()
	for _, transform := range chain {
		next, err := transform(event)
		if err != nil {
			return core.NormalizedEvent{}, transformError(err, event)
		}
		event = next
	}
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.EventType) == "" {
		return core.NormalizedEvent{}, core.InvalidEventDataError(
			"webhooks: transform cleared the event id or type",
			map[string]any{"source": event.Source},
		)
	}
	return event, nil
}

func (g *Gateway) admit(ctx context.Context, event core.NormalizedEvent) (IngestResponse, error) {
	admission, err := g.queue.EnqueueEvent(ctx, event, g.enqueue)
	if err != nil {
		return failed(event.EventID, err)
	}
	resp := IngestResponse{
		Status:    StatusReceived,
		EventID:   event.EventID,
		JobID:     admission.Event.JobID,
		Duplicate: !admission.Admitted,
	}
	if admission.Admitted {
		resp.HTTPStatus = http.StatusAccepted
	} else {
		resp.HTTPStatus = http.StatusOK
	}
	return resp, nil
}

func (g *Gateway) processInline(ctx context.Context, event core.NormalizedEvent) (IngestResponse, error) {
	record, reserved, err := g.queue.ReserveEvent(ctx, event)
	if err != nil {
		return failed(event.EventID, err)
	}
	if !reserved {
		return IngestResponse{
			Status:     StatusReceived,
			EventID:    event.EventID,
			JobID:      record.JobID,
			Duplicate:  true,
			HTTPStatus: http.StatusOK,
		}, nil
	}

	outcome, err := g.processor.ProcessEvent(ctx, event)
	if err != nil {
		if releaseErr := g.queue.ReleaseEvent(context.WithoutCancel(ctx), event.EventID); releaseErr != nil {
			g.observer.Error(ctx, "release reservation failed", map[string]any{
				"event_id": event.EventID,
				"error":    releaseErr.Error(),
			})
		}
		return failed(event.EventID, processingError(err, event))
	}
	if err := g.queue.CompleteEvent(ctx, event.EventID); err != nil {
		return failed(event.EventID, err)
	}
	return IngestResponse{
		Status:     StatusReceived,
		EventID:    event.EventID,
		Result:     outcome.Map(),
		HTTPStatus: http.StatusOK,
	}, nil
}

func processingError(err error, event core.NormalizedEvent) error {
	metadata := map[string]any{"event_id": event.EventID, "event_type": event.EventType}
	if core.IsPermanent(err) {
		var rich *goerrors.Error
		if goerrors.As(err, &rich) && rich.Code == http.StatusUnprocessableEntity {
			return err
		}
		wrapped := core.WrapError(err, goerrors.CategoryValidation, "webhooks: event cannot be processed", core.ErrorInvalidEventData, metadata)
		wrapped.Code = http.StatusUnprocessableEntity
		return wrapped
	}
	wrapped := core.WrapError(err, goerrors.CategoryExternal, "webhooks: event processing failed, retry later", core.ErrorTransientFailure, metadata)
	wrapped.Code = http.StatusBadGateway
	return wrapped
}

func transformError(err error, event core.NormalizedEvent) error {
	return core.WrapError(err, goerrors.CategoryValidation, "webhooks: event transform rejected the event", core.ErrorInvalidEventData, map[string]any{
		"event_id":   event.EventID,
		"event_type": event.EventType,
	})
}

func payloadTooLarge(source string, limit int64) error {
	return core.NewError(
		"webhooks: request body exceeds the size limit",
		goerrors.CategoryBadInput,
		http.StatusRequestEntityTooLarge,
		core.ErrorPayloadTooLarge,
		map[string]any{"source": source, "max_body_bytes": limit},
	)
}

func rejected(err error) (IngestResponse, error) {
	mapped := core.MapError(err)
	return IngestResponse{HTTPStatus: mapped.Code}, mapped
}

func failed(eventID string, err error) (IngestResponse, error) {
	mapped := core.MapError(err)
	return IngestResponse{EventID: eventID, HTTPStatus: mapped.Code}, mapped
}

func gatewayDefaults(cfg core.GatewayConfig) core.GatewayConfig {
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = core.DefaultTimestampTolerance
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = core.DefaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.SignatureHeader) == "" {
		cfg.SignatureHeader = core.DefaultSignatureHeader
	}
	secrets := make(map[string]string, len(cfg.Secrets))
	for source, secret := range cfg.Secrets {
		secrets[normalizeSource(source)] = secret
	}
	cfg.Secrets = secrets
	return cfg
}
