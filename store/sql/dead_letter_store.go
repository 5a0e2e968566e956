package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-workqueue/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{db: db, repo: repo}, nil
}

func (s *DeadLetterStore) ListDeadLetters(ctx context.Context, filter core.DeadLetterFilter) (core.DeadLetterPage, error) {
	if s == nil || s.repo == nil {
		return core.DeadLetterPage{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	offset := (page - 1) * perPage

	selectors := []repository.SelectCriteria{
		repository.OrderBy("failed_at DESC"),
		repository.SelectPaginate(perPage, offset),
	}
	if jobType := strings.TrimSpace(filter.JobType); jobType != "" {
		selectors = append(selectors, repository.SelectBy("job_type", "=", jobType))
	}
	if reason := strings.TrimSpace(string(filter.Reason)); reason != "" {
		selectors = append(selectors, repository.SelectBy("reason", "=", reason))
	}
	if filter.FailedFrom != nil {
		selectors = append(selectors, repository.SelectByTimetz("failed_at", ">=", filter.FailedFrom.UTC()))
	}
	if filter.FailedTo != nil {
		selectors = append(selectors, repository.SelectByTimetz("failed_at", "<=", filter.FailedTo.UTC()))
	}

	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return core.DeadLetterPage{}, err
	}
	items := make([]core.DeadLetterEntry, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return core.DeadLetterPage{
		Items:   items,
		Page:    page,
		PerPage: perPage,
		Total:   total,
		HasNext: offset+len(items) < total,
	}, nil
}

func (s *DeadLetterStore) GetDeadLetter(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	record, err := loadDeadLetter(ctx, s.db, strings.TrimSpace(id))
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return record.toDomain(), nil
}

// RequeueDeadLetter recreates a pending job from the entry, rebinds ledger
// rows that pointed at the dead job and deletes the entry, all in one
// transaction.
func (s *DeadLetterStore) RequeueDeadLetter(ctx context.Context, id string, resetAttempts bool, now time.Time) (core.Job, error) {
	if s == nil || s.db == nil {
		return core.Job{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	id = strings.TrimSpace(id)
	now = now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var requeued core.Job
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		entry, err := loadDeadLetter(ctx, tx, id)
		if err != nil {
			return err
		}

		job := core.Job{
			ID:          uuid.NewString(),
			Type:        entry.JobType,
			Payload:     copyAnyMap(entry.Payload),
			Status:      core.JobStatusPending,
			Attempts:    entry.Attempts,
			MaxAttempts: entry.MaxAttempts,
			AvailableAt: now,
			History:     copyAttempts(entry.History),
			CreatedAt:   now,
		}
		if resetAttempts {
			job.Attempts = 0
			job.History = nil
		}
		record := newJobRecord(job, now)
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("job_id = ?", record.ID).
			Set("updated_at = ?", now).
			Where("job_id = ?", entry.JobID).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*deadLetterRecord)(nil)).
			Where("id = ?", entry.ID).
			Exec(ctx); err != nil {
			return err
		}
		requeued = record.toDomain()
		return nil
	})
	if err != nil {
		return core.Job{}, err
	}
	return requeued, nil
}

func (s *DeadLetterStore) DeleteDeadLetter(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.BadInputError("sqlstore: dead letter id is required", nil)
	}
	res, err := s.db.NewDelete().
		Model((*deadLetterRecord)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.NotFoundError(fmt.Sprintf("sqlstore: dead letter %q not found", id), map[string]any{"dead_letter_id": id})
	}
	return nil
}

func loadDeadLetter(ctx context.Context, db bun.IDB, id string) (*deadLetterRecord, error) {
	if id == "" {
		return nil, core.BadInputError("sqlstore: dead letter id is required", nil)
	}
	record := &deadLetterRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFoundError(fmt.Sprintf("sqlstore: dead letter %q not found", id), map[string]any{"dead_letter_id": id})
		}
		return nil, err
	}
	return record, nil
}
