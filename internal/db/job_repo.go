package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"bizflow/internal/types"
)

// ScheduledJobRepository provides data access for the scheduled_jobs table,
// the durable Job Record Store. The table's partial unique index on
// (business_id, job_type, target_entity_id, variant) WHERE status IN
// ('pending','sent') is the concurrency-control primitive for idempotent
// scheduling: no locks, just a conditional insert that fails cleanly on
// duplicates.
type ScheduledJobRepository struct {
	db DBTX
}

// NewScheduledJobRepository creates a ScheduledJobRepository backed by the
// given database connection (pool or transaction).
func NewScheduledJobRepository(db DBTX) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: db}
}

// CreateIfAbsent inserts a new pending job unless one already exists for the
// idempotency tuple in pending or sent status. Returns created=false (and no
// error) when the row was rejected as a duplicate, which callers treat as
// "already scheduled, no-op".
//
// ON CONFLICT targets the idx_scheduled_jobs_active partial index, so a race
// between the event-driven path and a concurrent sweep resolves in the store.
func (r *ScheduledJobRepository) CreateIfAbsent(ctx context.Context, job *types.ScheduledJob) (bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO scheduled_jobs
		 (id, business_id, job_type, target_entity_id, variant, scheduled_for, status, message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (business_id, job_type, target_entity_id, variant)
		 WHERE status IN ('pending', 'sent')
		 DO NOTHING`,
		job.ID,
		job.BusinessID,
		string(job.JobType),
		job.TargetEntityID,
		job.Variant,
		job.ScheduledFor,
		string(job.Status),
		job.Message,
	)
	if err != nil {
		// Some poolers surface the conflict as a plain 23505 instead of
		// honoring DO NOTHING.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create scheduled job", err)
	}

	return tag.RowsAffected() > 0, nil
}

// scanJob reads one full scheduled_jobs row.
func scanJob(row pgx.Row) (*types.ScheduledJob, error) {
	var job types.ScheduledJob
	var jobType, status string
	err := row.Scan(&job.ID, &job.BusinessID, &jobType, &job.TargetEntityID,
		&job.Variant, &job.ScheduledFor, &status, &job.Message, &job.SentAt,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "scheduled job not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan scheduled job", err)
	}
	job.JobType = types.JobType(jobType)
	job.Status = types.JobStatus(status)
	return &job, nil
}

// Get retrieves a single job by ID.
func (r *ScheduledJobRepository) Get(ctx context.Context, id string) (*types.ScheduledJob, error) {
	return scanJob(r.db.QueryRow(ctx,
		`SELECT id, business_id, job_type, target_entity_id, variant, scheduled_for,
		        status, message, sent_at, last_error, created_at, updated_at
		 FROM scheduled_jobs WHERE id = $1`,
		id,
	))
}

// FindPending returns the pending job holding the idempotency tuple, or a
// not-found error when the tuple is free or held by a sent job. The scheduler
// uses it to repair pending rows whose broker task never made it into the
// queue.
func (r *ScheduledJobRepository) FindPending(ctx context.Context, businessID string, jobType types.JobType, targetEntityID, variant string) (*types.ScheduledJob, error) {
	return scanJob(r.db.QueryRow(ctx,
		`SELECT id, business_id, job_type, target_entity_id, variant, scheduled_for,
		        status, message, sent_at, last_error, created_at, updated_at
		 FROM scheduled_jobs
		 WHERE business_id = $1 AND job_type = $2 AND target_entity_id = $3
		   AND variant = $4 AND status = 'pending'`,
		businessID, string(jobType), targetEntityID, variant,
	))
}

// MarkSent transitions a job pending -> sent and records sent_at. A job that
// is no longer pending is left untouched; the caller detects this via the
// returned updated flag (redelivery guard).
func (r *ScheduledJobRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_jobs
		 SET status = 'sent', sent_at = $1, updated_at = NOW()
		 WHERE id = $2 AND status = 'pending'`,
		sentAt, id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark job sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions a job pending -> failed with the terminal error.
// Used for permanent upstream failures and for tasks that exhausted the
// broker's retry attempts (dead-letter).
func (r *ScheduledJobRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE scheduled_jobs
		 SET status = 'failed', last_error = $1, updated_at = NOW()
		 WHERE id = $2 AND status = 'pending'`,
		reason, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job failed", err)
	}
	return nil
}

// MarkCancelled transitions a job pending -> cancelled. Fired when the
// precondition is invalidated at delivery time or via the explicit cancel
// path (invoice paid, booking cancelled).
func (r *ScheduledJobRepository) MarkCancelled(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE scheduled_jobs
		 SET status = 'cancelled', updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job cancelled", err)
	}
	return nil
}

// CancelPending cancels all pending jobs for a target entity and job type,
// returning the cancelled job IDs so the caller can best-effort remove the
// corresponding queued tasks from the broker.
func (r *ScheduledJobRepository) CancelPending(ctx context.Context, jobType types.JobType, targetEntityID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE scheduled_jobs
		 SET status = 'cancelled', updated_at = NOW()
		 WHERE job_type = $1 AND target_entity_id = $2 AND status = 'pending'
		 RETURNING id`,
		string(jobType), targetEntityID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel pending jobs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan cancelled job id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating cancelled jobs", err)
	}
	return ids, nil
}

// CountByTypeAndStatus aggregates job rows for the operator diagnostic
// surface (failed counts are the primary signal).
func (r *ScheduledJobRepository) CountByTypeAndStatus(ctx context.Context) ([]types.JobStatusCounts, error) {
	rows, err := r.db.Query(ctx,
		`SELECT job_type, status, COUNT(*)
		 FROM scheduled_jobs
		 GROUP BY job_type, status
		 ORDER BY job_type, status`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count jobs", err)
	}
	defer rows.Close()

	var counts []types.JobStatusCounts
	for rows.Next() {
		var c types.JobStatusCounts
		var jobType, status string
		if err := rows.Scan(&jobType, &status, &c.Count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job counts", err)
		}
		c.JobType = types.JobType(jobType)
		c.Status = types.JobStatus(status)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job counts", err)
	}
	return counts, nil
}
