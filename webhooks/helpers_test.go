package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-workqueue/core"
)

const testSecret = "whsec_test"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubEventQueue struct {
	mu       sync.Mutex
	events   map[string]core.WebhookEventRecord
	enqueued []core.NormalizedEvent
	released []string
	failWith error
	nextJob  int
}

func newStubEventQueue() *stubEventQueue {
	return &stubEventQueue{events: map[string]core.WebhookEventRecord{}}
}

func (q *stubEventQueue) EnqueueEvent(_ context.Context, event core.NormalizedEvent, _ core.EnqueueOptions) (core.Admission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return core.Admission{}, q.failWith
	}
	if existing, ok := q.events[event.EventID]; ok {
		return core.Admission{Event: existing, Admitted: false}, nil
	}
	q.nextJob++
	record := core.WebhookEventRecord{
		EventID:   event.EventID,
		EventType: event.EventType,
		Source:    event.Source,
		JobID:     fmt.Sprintf("job_%d", q.nextJob),
	}
	q.events[event.EventID] = record
	q.enqueued = append(q.enqueued, event)
	return core.Admission{Event: record, Admitted: true}, nil
}

func (q *stubEventQueue) ReserveEvent(_ context.Context, event core.NormalizedEvent) (core.WebhookEventRecord, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.events[event.EventID]; ok {
		return existing, false, nil
	}
	record := core.WebhookEventRecord{EventID: event.EventID, EventType: event.EventType, Source: event.Source}
	q.events[event.EventID] = record
	return record, true, nil
}

func (q *stubEventQueue) CompleteEvent(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	record, ok := q.events[eventID]
	if !ok {
		return core.NotFoundError("event not found", nil)
	}
	record.Processed = true
	q.events[eventID] = record
	return nil
}

func (q *stubEventQueue) ReleaseEvent(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if record, ok := q.events[eventID]; ok && !record.Processed {
		delete(q.events, eventID)
		q.released = append(q.released, eventID)
	}
	return nil
}

func (q *stubEventQueue) enqueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type stubProcessor struct {
	outcome core.Outcome
	err     error
	calls   int
}

func (p *stubProcessor) ProcessEvent(context.Context, core.NormalizedEvent) (core.Outcome, error) {
	p.calls++
	return p.outcome, p.err
}

func newTestGateway(t *testing.T, queue EventQueue, cfg core.GatewayConfig, opts ...Option) *Gateway {
	t.Helper()
	if cfg.Secrets == nil {
		cfg.Secrets = map[string]string{core.DefaultSecretKey: testSecret}
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	gateway, err := NewGateway(queue, cfg, opts...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gateway
}

func signedRequest(t *testing.T, source string, body map[string]any) IngestRequest {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return IngestRequest{
		Source:  source,
		Body:    raw,
		Headers: map[string]string{core.DefaultSignatureHeader: SignHex(testSecret, raw)},
	}
}
