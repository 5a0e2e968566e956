package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-workqueue/core"
)

var (
	_ gocmd.Querier[ListDeadLettersMessage, core.DeadLetterPage] = (*ListDeadLettersQuery)(nil)
	_ gocmd.Querier[GetDeadLetterMessage, core.DeadLetterEntry]  = (*GetDeadLetterQuery)(nil)
	_ gocmd.Querier[QueueStatsMessage, core.QueueStats]          = (*QueueStatsQuery)(nil)
)
