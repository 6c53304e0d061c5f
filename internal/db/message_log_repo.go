package db

import (
	"context"

	"github.com/google/uuid"

	"bizflow/internal/types"
)

// MessageLogRepository provides the append-only outbound message log. Workers
// record every send outcome here before updating the job record, giving
// operators a per-tenant audit trail of what was actually delivered.
type MessageLogRepository struct {
	db DBTX
}

// NewMessageLogRepository creates a MessageLogRepository.
func NewMessageLogRepository(db DBTX) *MessageLogRepository {
	return &MessageLogRepository{db: db}
}

// Record appends one entry. The log is insert-only; no update path exists.
func (r *MessageLogRepository) Record(ctx context.Context, entry *types.MessageLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Direction == "" {
		entry.Direction = types.DirectionOutbound
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO message_log
		 (id, business_id, direction, job_type, target_entity_id, recipient,
		  content, status, provider_message_id, failure_reason, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID,
		entry.BusinessID,
		string(entry.Direction),
		string(entry.JobType),
		entry.TargetEntityID,
		entry.Recipient,
		entry.Content,
		string(entry.Status),
		entry.ProviderMsgID,
		entry.FailureReason,
		entry.SentAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record message log entry", err)
	}
	return nil
}

// ListRecent returns the newest entries for a business, newest first.
func (r *MessageLogRepository) ListRecent(ctx context.Context, businessID string, limit int) ([]*types.MessageLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, business_id, direction, job_type, target_entity_id, recipient,
		        content, status, provider_message_id, failure_reason, sent_at, created_at
		 FROM message_log
		 WHERE business_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		businessID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list message log", err)
	}
	defer rows.Close()

	var entries []*types.MessageLogEntry
	for rows.Next() {
		var e types.MessageLogEntry
		var direction, jobType, status string
		if err := rows.Scan(&e.ID, &e.BusinessID, &direction, &jobType, &e.TargetEntityID,
			&e.Recipient, &e.Content, &status, &e.ProviderMsgID, &e.FailureReason,
			&e.SentAt, &e.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan message log row", err)
		}
		e.Direction = types.MessageDirection(direction)
		e.JobType = types.JobType(jobType)
		e.Status = types.MessageLogStatus(status)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating message log", err)
	}
	return entries, nil
}
