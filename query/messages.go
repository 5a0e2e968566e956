package query

import (
	"strings"

	"github.com/goliatone/go-workqueue/core"
)

const (
	TypeListDeadLetters = "workqueue.query.dead_letter.list"
	TypeGetDeadLetter   = "workqueue.query.dead_letter.get"
	TypeQueueStats      = "workqueue.query.stats"
)

const MaxPerPage = 500

type ListDeadLettersMessage struct {
	Filter core.DeadLetterFilter
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Filter.Page < 0 {
		return queryValidationError("page", "page must be >= 0")
	}
	if m.Filter.PerPage < 0 || m.Filter.PerPage > MaxPerPage {
		return queryValidationError("per_page", "per page must be between 0 and 500")
	}
	if m.Filter.FailedFrom != nil && m.Filter.FailedTo != nil && m.Filter.FailedTo.Before(*m.Filter.FailedFrom) {
		return queryValidationError("failed_to", "failed_to must not be before failed_from")
	}
	return nil
}

type GetDeadLetterMessage struct {
	EntryID string
}

func (GetDeadLetterMessage) Type() string { return TypeGetDeadLetter }

func (m GetDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.EntryID) == "" {
		return queryValidationError("entry_id", "dead letter entry id is required")
	}
	return nil
}

type QueueStatsMessage struct{}

func (QueueStatsMessage) Type() string { return TypeQueueStats }

func (QueueStatsMessage) Validate() error { return nil }
