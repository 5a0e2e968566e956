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
	"github.com/uptrace/bun/dialect"
)

type JobStore struct {
	db   *bun.DB
	repo repository.Repository[*jobRecord]
}

func NewJobStore(db *bun.DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*jobRecord](db, jobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid job repository wiring: %w", err)
		}
	}
	return &JobStore{db: db, repo: repo}, nil
}

func (s *JobStore) InsertJob(ctx context.Context, job core.Job) (core.Job, error) {
	if s == nil || s.repo == nil {
		return core.Job{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	if strings.TrimSpace(job.Type) == "" {
		return core.Job{}, core.BadInputError("sqlstore: job type is required", nil)
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = core.DefaultMaxAttempts
	}
	job.Status = core.JobStatusPending
	job.Attempts = 0
	job.LockedBy = ""
	job.LockedAt = nil

	created, err := s.repo.Create(ctx, newJobRecord(job, time.Now().UTC()))
	if err != nil {
		return core.Job{}, err
	}
	return created.toDomain(), nil
}

// ClaimJob leases the oldest eligible pending job. The select and the update
// run as one statement; on Postgres the candidate row is locked with
// SKIP LOCKED so concurrent claimers move on to the next row.
func (s *JobStore) ClaimJob(ctx context.Context, workerID string, now time.Time) (*core.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: job store is not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, core.BadInputError("sqlstore: worker id is required", nil)
	}
	now = now.UTC()

	lockClause := ""
	if s.isPostgres() {
		lockClause = "FOR UPDATE SKIP LOCKED"
	}
	query := `
WITH claimed AS (
	SELECT id
	FROM jobs
	WHERE status = ?
	  AND available_at <= ?
	ORDER BY available_at ASC, created_at ASC
	LIMIT 1
	` + lockClause + `
)
UPDATE jobs
SET status = ?, locked_by = ?, locked_at = ?, attempts = attempts + 1, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING` + jobColumns

	var records []jobRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewRaw(
			query,
			string(core.JobStatusPending),
			now,
			string(core.JobStatusProcessing),
			workerID,
			now,
			now,
			string(core.JobStatusPending),
		).Scan(ctx, &records)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	job := records[0].toDomain()
	return &job, nil
}

func (s *JobStore) ReclaimStale(ctx context.Context, leaseTimeout time.Duration, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: job store is not configured")
	}
	if leaseTimeout <= 0 {
		leaseTimeout = core.DefaultLeaseTimeout
	}
	now = now.UTC()
	cutoff := now.Add(-leaseTimeout)
	res, err := s.db.NewUpdate().
		Model((*jobRecord)(nil)).
		Set("status = ?", string(core.JobStatusPending)).
		Set("locked_by = NULL").
		Set("locked_at = NULL").
		Set("updated_at = ?", now).
		Where("status = ?", string(core.JobStatusProcessing)).
		Where("locked_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// CompleteJob moves a processing job to completed and marks the bound ledger
// row processed in the same transaction. It reports false when the job was
// already completed. A non-empty workerID must match the lease holder.
func (s *JobStore) CompleteJob(ctx context.Context, id string, workerID string, result map[string]any, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: job store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, core.BadInputError("sqlstore: job id is required", nil)
	}
	now = now.UTC()
	workerID = strings.TrimSpace(workerID)

	changed := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.loadJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		switch core.JobStatus(current.Status) {
		case core.JobStatusCompleted:
			return nil
		case core.JobStatusProcessing:
		default:
			return core.ConflictError(
				fmt.Sprintf("sqlstore: job %s is %s, not processing", id, current.Status),
				"",
				map[string]any{"job_id": id, "status": current.Status},
			)
		}
		if workerID != "" && current.LockedBy != nil && *current.LockedBy != workerID {
			return core.ConflictError(
				fmt.Sprintf("sqlstore: job %s is leased by another worker", id),
				"",
				map[string]any{"job_id": id, "worker_id": workerID},
			)
		}

		update := tx.NewUpdate().
			Model((*jobRecord)(nil)).
			Set("status = ?", string(core.JobStatusCompleted)).
			Set("locked_by = NULL").
			Set("locked_at = NULL").
			Set("result = ?", jsonValue(copyAnyMap(result))).
			Set("error_text = ?", "").
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Where("status = ?", string(core.JobStatusProcessing))
		if workerID != "" {
			update = update.Where("locked_by = ?", workerID)
		}
		res, err := update.Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil
		}
		changed = true

		_, err = tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("processed = ?", true).
			Set("processed_at = ?", now).
			Set("updated_at = ?", now).
			Where("job_id = ?", id).
			Where("processed = ?", false).
			Exec(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// FailJob records a failed attempt and either reschedules the job with the
// supplied backoff or moves it to the dead-letter table.
func (s *JobStore) FailJob(ctx context.Context, id string, in core.FailureInput) (core.FailureOutcome, error) {
	if s == nil || s.db == nil {
		return core.FailureOutcome{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.FailureOutcome{}, core.BadInputError("sqlstore: job id is required", nil)
	}
	now := in.Now.UTC()
	if in.Now.IsZero() {
		now = time.Now().UTC()
	}
	backoff := in.Backoff
	if backoff == nil {
		backoff = core.RetryPolicy{}.NextDelay
	}
	workerID := strings.TrimSpace(in.WorkerID)

	var outcome core.FailureOutcome
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.loadJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if core.JobStatus(current.Status) != core.JobStatusProcessing {
			return core.ConflictError(
				fmt.Sprintf("sqlstore: job %s is %s, not processing", id, current.Status),
				"",
				map[string]any{"job_id": id, "status": current.Status},
			)
		}
		if workerID != "" && current.LockedBy != nil && *current.LockedBy != workerID {
			return core.ConflictError(
				fmt.Sprintf("sqlstore: job %s is leased by another worker", id),
				"",
				map[string]any{"job_id": id, "worker_id": workerID},
			)
		}

		current.AttemptLog = append(copyAttempts(current.AttemptLog), core.AttemptRecord{
			Attempt:  current.Attempts,
			Error:    in.Error,
			WorkerID: workerID,
			FailedAt: now,
		})
		current.ErrorText = in.Error
		outcome = core.FailureOutcome{JobID: id, Attempts: current.Attempts}

		if in.Permanent || current.Attempts >= current.MaxAttempts {
			reason := core.DeadLetterReasonMaxAttempts
			if in.Permanent {
				reason = core.DeadLetterReasonPermanent
			}
			entry := &deadLetterRecord{
				ID:          uuid.NewString(),
				JobID:       current.ID,
				JobType:     current.Type,
				Payload:     copyAnyMap(current.Payload),
				Snapshot:    current.snapshot(),
				Reason:      string(reason),
				FinalError:  in.Error,
				Attempts:    current.Attempts,
				MaxAttempts: current.MaxAttempts,
				History:     copyAttempts(current.AttemptLog),
				FailedAt:    now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
				return err
			}
			if _, err := tx.NewDelete().
				Model((*jobRecord)(nil)).
				Where("id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
			outcome.DeadLettered = true
			outcome.DeadLetterID = entry.ID
			outcome.Reason = reason
			return nil
		}

		retryAt := now.Add(backoff(current.Attempts))
		_, err = tx.NewUpdate().
			Model((*jobRecord)(nil)).
			Set("status = ?", string(core.JobStatusPending)).
			Set("locked_by = NULL").
			Set("locked_at = NULL").
			Set("available_at = ?", retryAt).
			Set("error_text = ?", in.Error).
			Set("attempt_log = ?", jsonValue(current.AttemptLog)).
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		outcome.RetryAt = retryAt
		return nil
	})
	if err != nil {
		return core.FailureOutcome{}, err
	}
	return outcome, nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (core.Job, error) {
	if s == nil || s.db == nil {
		return core.Job{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	record, err := s.loadJob(ctx, s.db, strings.TrimSpace(id), false)
	if err != nil {
		return core.Job{}, err
	}
	return record.toDomain(), nil
}

// CountJobs returns per-status counts for the jobs table plus the dead-letter
// total.
func (s *JobStore) CountJobs(ctx context.Context) (core.QueueStats, error) {
	if s == nil || s.db == nil {
		return core.QueueStats{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	var rows []struct {
		Status string `bun:"status"`
		Total  int    `bun:"total"`
	}
	if err := s.db.NewSelect().
		Model((*jobRecord)(nil)).
		ColumnExpr("?TableAlias.status AS status").
		ColumnExpr("COUNT(*) AS total").
		GroupExpr("?TableAlias.status").
		Scan(ctx, &rows); err != nil {
		return core.QueueStats{}, err
	}
	stats := core.QueueStats{CapturedAt: time.Now().UTC()}
	for _, row := range rows {
		switch core.JobStatus(row.Status) {
		case core.JobStatusPending:
			stats.Pending = row.Total
		case core.JobStatusProcessing:
			stats.Processing = row.Total
		case core.JobStatusCompleted:
			stats.Completed = row.Total
		}
	}
	deadLettered, err := s.db.NewSelect().Model((*deadLetterRecord)(nil)).Count(ctx)
	if err != nil {
		return core.QueueStats{}, err
	}
	stats.DeadLettered = deadLettered
	return stats, nil
}

func (s *JobStore) loadJob(ctx context.Context, db bun.IDB, id string, forUpdate bool) (*jobRecord, error) {
	if id == "" {
		return nil, core.BadInputError("sqlstore: job id is required", nil)
	}
	record := &jobRecord{}
	query := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1)
	if forUpdate && s.isPostgres() {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NotFoundError(fmt.Sprintf("sqlstore: job %q not found", id), map[string]any{"job_id": id})
		}
		return nil, err
	}
	return record, nil
}

func (s *JobStore) isPostgres() bool {
	return isPostgres(s.db)
}

func isPostgres(db *bun.DB) bool {
	return db != nil && db.Dialect().Name() == dialect.PG
}
