package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	wqcommand "github.com/goliatone/go-workqueue/command"
	"github.com/goliatone/go-workqueue/core"
	wqquery "github.com/goliatone/go-workqueue/query"
)

type okMessage struct{}

func (okMessage) Type() string { return "workqueue.command.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "workqueue.command.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type dispatchMessage struct {
	ID string
}

func (dispatchMessage) Type() string { return "workqueue.command.test" }

type queueMessage struct{}

func (queueMessage) Type() string { return "workqueue.command.queue" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	executed := 0
	customResolverCalled := 0

	cmd := command.CommandFunc[dispatchMessage](func(context.Context, dispatchMessage) error {
		executed++
		return nil
	})

	sub, err := RegisterAndSubscribe(adapter, cmd)
	if err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	t.Cleanup(sub.Unsubscribe)
	if err := adapter.AddResolver("custom", func(any, command.CommandMeta, *command.Registry) error {
		customResolverCalled++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if !adapter.HasResolver("custom") {
		t.Fatalf("expected custom resolver to be registered")
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if customResolverCalled == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), dispatchMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected command execution count=1, got %d", executed)
	}
}

func TestQueueResolverHookWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()

	cmd := command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	sub, err := RegisterAndSubscribe(adapter, cmd)
	if err != nil {
		t.Fatalf("register command: %v", err)
	}
	t.Cleanup(sub.Unsubscribe)
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if _, ok := queueRegistry.Get("workqueue.command.queue"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}

type stubAdminQueue struct {
	enqueued []string
	deleted  []string
	entries  map[string]core.DeadLetterEntry
	stats    core.QueueStats
}

func (s *stubAdminQueue) Enqueue(_ context.Context, jobType string, _ map[string]any, _ core.EnqueueOptions) (string, error) {
	s.enqueued = append(s.enqueued, jobType)
	return "job_" + jobType, nil
}

func (s *stubAdminQueue) RequeueFromDLQ(_ context.Context, id string, _ bool) (string, error) {
	if _, ok := s.entries[id]; !ok {
		return "", core.NotFoundError("dead letter entry not found", nil)
	}
	delete(s.entries, id)
	return "job_requeued", nil
}

func (s *stubAdminQueue) DeleteDLQEntry(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	delete(s.entries, id)
	return nil
}

func (s *stubAdminQueue) ListDLQ(context.Context, core.DeadLetterFilter) (core.DeadLetterPage, error) {
	page := core.DeadLetterPage{Page: 1, PerPage: 20}
	for _, entry := range s.entries {
		page.Items = append(page.Items, entry)
	}
	page.Total = len(page.Items)
	return page, nil
}

func (s *stubAdminQueue) GetDLQEntry(_ context.Context, id string) (core.DeadLetterEntry, error) {
	entry, ok := s.entries[id]
	if !ok {
		return core.DeadLetterEntry{}, core.NotFoundError("dead letter entry not found", nil)
	}
	return entry, nil
}

func (s *stubAdminQueue) Stats(context.Context) (core.QueueStats, error) {
	return s.stats, nil
}

func TestRegisterAdmin_DispatchesCommandsAndQueries(t *testing.T) {
	queue := &stubAdminQueue{
		entries: map[string]core.DeadLetterEntry{
			"dlq_1": {ID: "dlq_1", JobType: "report"},
			"dlq_2": {ID: "dlq_2", JobType: "email"},
		},
		stats: core.QueueStats{Pending: 2},
	}
	adapter := NewRegistryAdapter(nil)
	subs, err := RegisterAdmin(adapter, queue)
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	t.Cleanup(subs.Unsubscribe)
	if len(subs) != 6 {
		t.Fatalf("expected 6 subscriptions, got %d", len(subs))
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	ctx := context.Background()

	if err := Dispatch(ctx, wqcommand.EnqueueJobMessage{JobType: "report"}); err != nil {
		t.Fatalf("dispatch enqueue: %v", err)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != "report" {
		t.Fatalf("expected report enqueued, got %#v", queue.enqueued)
	}
	if err := Dispatch(ctx, wqcommand.EnqueueJobMessage{}); err == nil {
		t.Fatalf("expected invalid enqueue to be rejected")
	}

	entry, err := Query[wqquery.GetDeadLetterMessage, core.DeadLetterEntry](ctx, wqquery.GetDeadLetterMessage{EntryID: "dlq_1"})
	if err != nil {
		t.Fatalf("query dead letter: %v", err)
	}
	if entry.JobType != "report" {
		t.Fatalf("unexpected entry: %#v", entry)
	}

	if err := Dispatch(ctx, wqcommand.RequeueDeadLetterMessage{EntryID: "dlq_1"}); err != nil {
		t.Fatalf("dispatch requeue: %v", err)
	}
	if err := Dispatch(ctx, wqcommand.DeleteDeadLetterMessage{EntryID: "dlq_2"}); err != nil {
		t.Fatalf("dispatch delete: %v", err)
	}

	page, err := Query[wqquery.ListDeadLettersMessage, core.DeadLetterPage](ctx, wqquery.ListDeadLettersMessage{})
	if err != nil {
		t.Fatalf("query dead letters: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("expected empty dead letter page, got %#v", page)
	}

	stats, err := Query[wqquery.QueueStatsMessage, core.QueueStats](ctx, wqquery.QueueStatsMessage{})
	if err != nil {
		t.Fatalf("query stats: %v", err)
	}
	if stats.Pending != 2 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestRegisterAdmin_RequiresQueue(t *testing.T) {
	if _, err := RegisterAdmin(NewRegistryAdapter(nil), nil); err == nil {
		t.Fatalf("expected missing queue to fail")
	}
}
