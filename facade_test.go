package workqueue

import (
	"context"
	"testing"

	wqcommand "github.com/goliatone/go-workqueue/command"
	"github.com/goliatone/go-workqueue/core"
	wqquery "github.com/goliatone/go-workqueue/query"
)

type stubAdminService struct {
	lastEnqueueType string
	lastDeleted     string
	stats           core.QueueStats
}

func (s *stubAdminService) Enqueue(_ context.Context, jobType string, _ map[string]any, _ core.EnqueueOptions) (string, error) {
	s.lastEnqueueType = jobType
	return "job_1", nil
}

func (s *stubAdminService) RequeueFromDLQ(context.Context, string, bool) (string, error) {
	return "job_2", nil
}

func (s *stubAdminService) DeleteDLQEntry(_ context.Context, id string) error {
	s.lastDeleted = id
	return nil
}

func (s *stubAdminService) ListDLQ(context.Context, core.DeadLetterFilter) (core.DeadLetterPage, error) {
	return core.DeadLetterPage{Items: []core.DeadLetterEntry{{ID: "dlq_1"}}, Total: 1}, nil
}

func (s *stubAdminService) GetDLQEntry(_ context.Context, id string) (core.DeadLetterEntry, error) {
	return core.DeadLetterEntry{ID: id}, nil
}

func (s *stubAdminService) Stats(context.Context) (core.QueueStats, error) {
	return s.stats, nil
}

type stubStatsReader struct {
	stats core.QueueStats
}

func (s stubStatsReader) Stats(context.Context) (core.QueueStats, error) {
	return s.stats, nil
}

func TestNewFacade_WiresCommandsAndQueries(t *testing.T) {
	facade, err := NewFacade(&stubAdminService{})
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	commands := facade.Commands()
	if commands.EnqueueJob == nil || commands.RequeueDeadLetter == nil || commands.DeleteDeadLetter == nil {
		t.Fatalf("expected command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.ListDeadLetters == nil || queries.GetDeadLetter == nil || queries.QueueStats == nil {
		t.Fatalf("expected query handlers to be wired")
	}
}

func TestFacade_CommandAndQueryDelegation(t *testing.T) {
	svc := &stubAdminService{stats: core.QueueStats{Pending: 1}}
	facade, err := NewFacade(svc)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	ctx := context.Background()

	if err := facade.Commands().EnqueueJob.Execute(ctx, wqcommand.EnqueueJobMessage{JobType: "email.send"}); err != nil {
		t.Fatalf("execute enqueue: %v", err)
	}
	if svc.lastEnqueueType != "email.send" {
		t.Fatalf("unexpected enqueue delegation: %q", svc.lastEnqueueType)
	}
	if err := facade.Commands().DeleteDeadLetter.Execute(ctx, wqcommand.DeleteDeadLetterMessage{EntryID: "dlq_1"}); err != nil {
		t.Fatalf("execute delete: %v", err)
	}
	if svc.lastDeleted != "dlq_1" {
		t.Fatalf("unexpected delete delegation: %q", svc.lastDeleted)
	}

	page, err := facade.Queries().ListDeadLetters.Query(ctx, wqquery.ListDeadLettersMessage{})
	if err != nil {
		t.Fatalf("query dead letters: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("unexpected page: %#v", page)
	}
	stats, err := facade.Queries().QueueStats.Query(ctx, wqquery.QueueStatsMessage{})
	if err != nil {
		t.Fatalf("query stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestNewFacade_StatsReaderOverride(t *testing.T) {
	facade, err := NewFacade(&stubAdminService{}, WithStatsReader(stubStatsReader{stats: core.QueueStats{Completed: 9}}))
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	stats, err := facade.Queries().QueueStats.Query(context.Background(), wqquery.QueueStatsMessage{})
	if err != nil {
		t.Fatalf("query stats: %v", err)
	}
	if stats.Completed != 9 {
		t.Fatalf("expected stats from override reader, got %#v", stats)
	}
}

func TestNewFacade_RequiresService(t *testing.T) {
	facade, err := NewFacade(nil)
	if err == nil {
		t.Fatalf("expected nil service error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}
