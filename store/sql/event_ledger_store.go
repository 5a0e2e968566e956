package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-workqueue/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var errEventReplay = errors.New("sqlstore: webhook event replay")

// EventLedgerStore persists one webhook_events row per external event id.
// The unique index on event_id is what makes admission idempotent.
type EventLedgerStore struct {
	db *bun.DB
}

func NewEventLedgerStore(db *bun.DB) (*EventLedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &EventLedgerStore{db: db}, nil
}

// AdmitEvent inserts the ledger row and its job together. A replayed event id
// returns the stored record with Admitted=false and creates nothing.
func (s *EventLedgerStore) AdmitEvent(ctx context.Context, event core.WebhookEventRecord, job core.Job) (core.Admission, error) {
	if s == nil || s.db == nil {
		return core.Admission{}, fmt.Errorf("sqlstore: event ledger store is not configured")
	}
	if strings.TrimSpace(event.EventID) == "" {
		return core.Admission{}, core.BadInputError("sqlstore: event id is required", nil)
	}
	if strings.TrimSpace(job.Type) == "" {
		return core.Admission{}, core.BadInputError("sqlstore: job type is required", nil)
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = core.DefaultMaxAttempts
	}
	job.Status = core.JobStatusPending
	job.Attempts = 0
	event.JobID = job.ID

	now := time.Now().UTC()
	var admission core.Admission
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		eventRecord := newWebhookEventRecord(event, now)
		if _, err := tx.NewInsert().Model(eventRecord).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return errEventReplay
			}
			return err
		}
		jobRecord := newJobRecord(job, now)
		if _, err := tx.NewInsert().Model(jobRecord).Exec(ctx); err != nil {
			return err
		}
		admission = core.Admission{
			Event:    eventRecord.toDomain(),
			Job:      jobRecord.toDomain(),
			Admitted: true,
		}
		return nil
	})
	if err == nil {
		return admission, nil
	}
	if !errors.Is(err, errEventReplay) {
		return core.Admission{}, err
	}
	existing, err := s.GetEvent(ctx, event.EventID)
	if err != nil {
		return core.Admission{}, err
	}
	return core.Admission{Event: existing, Admitted: false}, nil
}

// ReserveEvent inserts a ledger row with no job for inline processing. It
// returns false with the stored record when the event id already exists.
func (s *EventLedgerStore) ReserveEvent(ctx context.Context, event core.WebhookEventRecord) (core.WebhookEventRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.WebhookEventRecord{}, false, fmt.Errorf("sqlstore: event ledger store is not configured")
	}
	if strings.TrimSpace(event.EventID) == "" {
		return core.WebhookEventRecord{}, false, core.BadInputError("sqlstore: event id is required", nil)
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	event.JobID = ""
	event.Processed = false
	event.ProcessedAt = nil

	record := newWebhookEventRecord(event, time.Now().UTC())
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if !isUniqueViolation(err) {
			return core.WebhookEventRecord{}, false, err
		}
		existing, getErr := s.GetEvent(ctx, event.EventID)
		if getErr != nil {
			return core.WebhookEventRecord{}, false, getErr
		}
		return existing, false, nil
	}
	return record.toDomain(), true, nil
}

func (s *EventLedgerStore) MarkEventProcessed(ctx context.Context, eventID string, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event ledger store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return core.BadInputError("sqlstore: event id is required", nil)
	}
	now = now.UTC()
	res, err := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("processed = ?", true).
		Set("processed_at = ?", now).
		Set("updated_at = ?", now).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.NotFoundError(fmt.Sprintf("sqlstore: webhook event %q not found", eventID), map[string]any{"event_id": eventID})
	}
	return nil
}

// ReleaseEvent drops an unprocessed reservation so a redelivery can retry it.
// Processed rows are kept.
func (s *EventLedgerStore) ReleaseEvent(ctx context.Context, eventID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event ledger store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return core.BadInputError("sqlstore: event id is required", nil)
	}
	_, err := s.db.NewDelete().
		Model((*webhookEventRecord)(nil)).
		Where("event_id = ?", eventID).
		Where("processed = ?", false).
		Exec(ctx)
	return err
}

func (s *EventLedgerStore) GetEvent(ctx context.Context, eventID string) (core.WebhookEventRecord, error) {
	if s == nil || s.db == nil {
		return core.WebhookEventRecord{}, fmt.Errorf("sqlstore: event ledger store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	record := &webhookEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", eventID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WebhookEventRecord{}, core.NotFoundError(
				fmt.Sprintf("sqlstore: webhook event %q not found", eventID),
				map[string]any{"event_id": eventID},
			)
		}
		return core.WebhookEventRecord{}, err
	}
	return record.toDomain(), nil
}
