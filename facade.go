package workqueue

import (
	"fmt"

	wqcommand "github.com/goliatone/go-workqueue/command"
	wqquery "github.com/goliatone/go-workqueue/query"
)

// AdminService is the queue surface behind the admin commands and queries.
type AdminService interface {
	wqcommand.JobEnqueuer
	wqcommand.DeadLetterMutator
	wqquery.DeadLetterReader
	wqquery.StatsReader
}

type Commands struct {
	EnqueueJob        *wqcommand.EnqueueJobCommand
	RequeueDeadLetter *wqcommand.RequeueDeadLetterCommand
	DeleteDeadLetter  *wqcommand.DeleteDeadLetterCommand
}

type Queries struct {
	ListDeadLetters *wqquery.ListDeadLettersQuery
	GetDeadLetter   *wqquery.GetDeadLetterQuery
	QueueStats      *wqquery.QueueStatsQuery
}

// Facade groups the admin handlers for callers that invoke them directly
// instead of going through a go-command dispatcher.
type Facade struct {
	service  AdminService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	statsReader wqquery.StatsReader
}

// WithStatsReader serves QueueStats from reader instead of the service,
// typically a cached view.
func WithStatsReader(reader wqquery.StatsReader) FacadeOption {
	return func(options *facadeOptions) {
		options.statsReader = reader
	}
}

func NewFacade(service AdminService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("workqueue: admin service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	stats := cfg.statsReader
	if stats == nil {
		stats = service
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		EnqueueJob:        wqcommand.NewEnqueueJobCommand(service),
		RequeueDeadLetter: wqcommand.NewRequeueDeadLetterCommand(service),
		DeleteDeadLetter:  wqcommand.NewDeleteDeadLetterCommand(service),
	}
	facade.queries = Queries{
		ListDeadLetters: wqquery.NewListDeadLettersQuery(service),
		GetDeadLetter:   wqquery.NewGetDeadLetterQuery(service),
		QueueStats:      wqquery.NewQueueStatsQuery(stats),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() AdminService {
	if f == nil {
		return nil
	}
	return f.service
}
