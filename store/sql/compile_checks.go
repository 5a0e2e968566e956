package sqlstore

import "github.com/goliatone/go-workqueue/core"

var (
	_ core.JobStore        = (*JobStore)(nil)
	_ core.StatsReader     = (*JobStore)(nil)
	_ core.DeadLetterStore = (*DeadLetterStore)(nil)
	_ core.EventLedger     = (*EventLedgerStore)(nil)
	_ core.StatsReader     = (*CachedStatsReader)(nil)
)
