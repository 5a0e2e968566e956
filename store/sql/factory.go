package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-workqueue/core"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	jobStore        *JobStore
	deadLetterStore *DeadLetterStore
	eventLedger     *EventLedgerStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores resolves a bun handle from persistenceClient (a *bun.DB or
// anything exposing DB() *bun.DB) and wires every store over it.
func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.QueueStores, error) {
	if f == nil {
		return core.QueueStores{}, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return core.QueueStores{}, err
		}
		f.db = db
	}
	if f.jobStore == nil {
		if err := f.initStores(); err != nil {
			return core.QueueStores{}, err
		}
	}
	return f.Stores(), nil
}

func (f *RepositoryFactory) Stores() core.QueueStores {
	if f == nil {
		return core.QueueStores{}
	}
	return core.QueueStores{
		Jobs:        f.jobStore,
		DeadLetters: f.deadLetterStore,
		Events:      f.eventLedger,
		Stats:       f.jobStore,
	}
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) JobStore() *JobStore {
	if f == nil {
		return nil
	}
	return f.jobStore
}

func (f *RepositoryFactory) DeadLetterStore() *DeadLetterStore {
	if f == nil {
		return nil
	}
	return f.deadLetterStore
}

func (f *RepositoryFactory) EventLedger() *EventLedgerStore {
	if f == nil {
		return nil
	}
	return f.eventLedger
}

func (f *RepositoryFactory) initStores() error {
	jobStore, err := NewJobStore(f.db)
	if err != nil {
		return err
	}
	deadLetterStore, err := NewDeadLetterStore(f.db)
	if err != nil {
		return err
	}
	eventLedger, err := NewEventLedgerStore(f.db)
	if err != nil {
		return err
	}
	f.jobStore = jobStore
	f.deadLetterStore = deadLetterStore
	f.eventLedger = eventLedger
	return nil
}
