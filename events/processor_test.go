package events

import (
	"context"
	"errors"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-workqueue/core"
)

func TestParseKind(t *testing.T) {
	cases := map[string]EventKind{
		"message.created":       KindMessageCreated,
		" Conversation.Created": KindConversationCreated,
		"file.uploaded":         KindFileUploaded,
		"agent.trigger":         KindAgentTrigger,
		"ping":                  KindPing,
		"invoice.paid":          KindUnknown,
		"":                      KindUnknown,
	}
	for input, expected := range cases {
		if got := ParseKind(input); got != expected {
			t.Fatalf("ParseKind(%q) = %q, want %q", input, got, expected)
		}
	}
}

func TestProcessor_PingIsAcknowledged(t *testing.T) {
	processor := NewProcessor()
	outcome, err := processor.ProcessEvent(context.Background(), core.NormalizedEvent{EventID: "evt_1", EventType: "ping"})
	if err != nil {
		t.Fatalf("process ping: %v", err)
	}
	if outcome.Status != StatusAcknowledged || !outcome.Handled {
		t.Fatalf("expected handled acknowledgement, got %#v", outcome)
	}
}

func TestProcessor_UnknownAndUnhandledKindsAreAcknowledged(t *testing.T) {
	processor := NewProcessor()
	ctx := context.Background()

	outcome, err := processor.ProcessEvent(ctx, core.NormalizedEvent{EventID: "evt_1", EventType: "invoice.paid"})
	if err != nil {
		t.Fatalf("process unknown: %v", err)
	}
	if outcome.Status != StatusAcknowledged || outcome.Handled {
		t.Fatalf("expected unhandled acknowledgement, got %#v", outcome)
	}

	outcome, err = processor.ProcessEvent(ctx, core.NormalizedEvent{
		EventID:   "evt_2",
		EventType: "file.uploaded",
		Data:      map[string]any{"file_id": "f_1"},
	})
	if err != nil {
		t.Fatalf("process unhandled known kind: %v", err)
	}
	if outcome.Handled {
		t.Fatalf("expected handled=false without a registered handler")
	}
}

func TestProcessor_MissingRequiredFieldIsPermanent(t *testing.T) {
	processor := NewProcessor()
	cases := map[string]map[string]any{
		"message.created":      {"conversation_id": "c_1"},
		"conversation.created": {},
		"file.uploaded":        {"file_id": "  "},
		"agent.trigger":        nil,
	}
	for eventType, data := range cases {
		_, err := processor.ProcessEvent(context.Background(), core.NormalizedEvent{EventID: "evt", EventType: eventType, Data: data})
		if err == nil {
			t.Fatalf("%s: expected invalid event data error", eventType)
		}
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorInvalidEventData {
			t.Fatalf("%s: expected INVALID_EVENT_DATA, got %v", eventType, err)
		}
		if !core.IsPermanent(err) {
			t.Fatalf("%s: expected permanent classification", eventType)
		}
	}
}

func TestProcessor_DispatchesToRegisteredHandler(t *testing.T) {
	processor := NewProcessor()
	var seen core.NormalizedEvent
	err := processor.Register(KindMessageCreated, EventHandlerFunc(func(_ context.Context, event core.NormalizedEvent) (core.Outcome, error) {
		seen = event
		return core.Outcome{Handled: true, Data: map[string]any{"reply_id": "r_1"}}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	outcome, err := processor.ProcessEvent(context.Background(), core.NormalizedEvent{
		EventID:   "evt_1",
		EventType: "message.created",
		Data:      map[string]any{"message": "hello"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if seen.EventID != "evt_1" {
		t.Fatalf("expected handler to receive event, got %#v", seen)
	}
	if outcome.Status != StatusProcessed || !outcome.Handled || outcome.Data["reply_id"] != "r_1" {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
}

func TestProcessor_HandlerErrorsPassThrough(t *testing.T) {
	processor := NewProcessor()
	transient := errors.New("upstream unavailable")
	_ = processor.Register(KindAgentTrigger, EventHandlerFunc(func(context.Context, core.NormalizedEvent) (core.Outcome, error) {
		return core.Outcome{}, transient
	}))
	_, err := processor.ProcessEvent(context.Background(), core.NormalizedEvent{
		EventType: "agent.trigger",
		Data:      map[string]any{"agent_id": "a_1"},
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected handler error to pass through, got %v", err)
	}
	if core.IsPermanent(err) {
		t.Fatalf("unmarked handler errors must be transient")
	}
}

func TestProcessor_RegisterRejectsDuplicatesAndUnknown(t *testing.T) {
	processor := NewProcessor()
	noop := EventHandlerFunc(func(context.Context, core.NormalizedEvent) (core.Outcome, error) {
		return core.Outcome{}, nil
	})
	if err := processor.Register(KindFileUploaded, noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := processor.Register(KindFileUploaded, noop)
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryConflict || rich.TextCode != core.ErrorHandlerRegistered {
		t.Fatalf("expected conflict on duplicate register, got %v", err)
	}
	err = processor.Register(KindUnknown, noop)
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryBadInput {
		t.Fatalf("expected bad input for unknown kind, got %v", err)
	}
}

func TestProcessor_JobHandlerDecodesPayload(t *testing.T) {
	processor := NewProcessor()
	handler := processor.JobHandler()

	event := core.NormalizedEvent{EventID: "evt_9", EventType: "ping", Source: "default"}
	outcome, err := handler.Handle(context.Background(), core.Job{ID: "job_1", Type: core.JobTypeWebhookEvent, Payload: event.Payload()})
	if err != nil {
		t.Fatalf("handle ping job: %v", err)
	}
	if !outcome.Handled {
		t.Fatalf("expected ping job to be handled")
	}

	_, err = handler.Handle(context.Background(), core.Job{ID: "job_2", Type: core.JobTypeWebhookEvent, Payload: map[string]any{"data": "x"}})
	if err == nil || !core.IsPermanent(err) {
		t.Fatalf("expected permanent decode failure, got %v", err)
	}
}
