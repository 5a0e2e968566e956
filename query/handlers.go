package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-workqueue/core"
)

type DeadLetterReader interface {
	ListDLQ(ctx context.Context, filter core.DeadLetterFilter) (core.DeadLetterPage, error)
	GetDLQEntry(ctx context.Context, id string) (core.DeadLetterEntry, error)
}

type StatsReader interface {
	Stats(ctx context.Context) (core.QueueStats, error)
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) (core.DeadLetterPage, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetterPage{}, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.DeadLetterPage{}, err
	}
	return q.reader.ListDLQ(ctx, msg.Filter)
}

type GetDeadLetterQuery struct {
	reader DeadLetterReader
}

func NewGetDeadLetterQuery(reader DeadLetterReader) *GetDeadLetterQuery {
	return &GetDeadLetterQuery{reader: reader}
}

func (q *GetDeadLetterQuery) Query(ctx context.Context, msg GetDeadLetterMessage) (core.DeadLetterEntry, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetterEntry{}, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.DeadLetterEntry{}, err
	}
	return q.reader.GetDLQEntry(ctx, strings.TrimSpace(msg.EntryID))
}

type QueueStatsQuery struct {
	reader StatsReader
}

func NewQueueStatsQuery(reader StatsReader) *QueueStatsQuery {
	return &QueueStatsQuery{reader: reader}
}

func (q *QueueStatsQuery) Query(ctx context.Context, _ QueueStatsMessage) (core.QueueStats, error) {
	if q == nil || q.reader == nil {
		return core.QueueStats{}, queryDependencyError("query: stats reader is required")
	}
	return q.reader.Stats(ctx)
}
