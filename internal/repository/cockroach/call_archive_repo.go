package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flashchat-backend/internal/domain"
)

// CallArchiveRepository persists ended calls for history queries. The live
// call record lives in the signaling store; this table only ever sees calls
// after they reach a terminal status.
type CallArchiveRepository struct {
	pool *pgxpool.Pool
}

// NewCallArchiveRepository creates a new call archive repository
func NewCallArchiveRepository(pool *pgxpool.Pool) *CallArchiveRepository {
	return &CallArchiveRepository{pool: pool}
}

// ArchiveCall stores a terminal call record. Re-archiving the same call ID
// overwrites the previous row, so a retried cleanup stays idempotent.
func (r *CallArchiveRepository) ArchiveCall(ctx context.Context, record *domain.CallRecord) error {
	query := `
		INSERT INTO call_archive (
			call_id, caller_uid, callee_uid, call_type, status,
			created_at, accepted_at, ended_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE SET
			status = excluded.status,
			accepted_at = excluded.accepted_at,
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds
	`

	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.CallerUID,
		record.CalleeUID,
		string(record.CallType),
		string(record.Status),
		record.CreatedAt,
		record.AcceptedAt,
		record.EndedAt,
		int(record.Duration().Seconds()),
	)

	if err != nil {
		return fmt.Errorf("failed to archive call: %w", err)
	}

	return nil
}

// GetByID retrieves an archived call
func (r *CallArchiveRepository) GetByID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, caller_uid, callee_uid, call_type, status,
		       created_at, accepted_at, ended_at
		FROM call_archive
		WHERE call_id = $1
	`

	record := &domain.CallRecord{}
	var callType, status string
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&record.ID,
		&record.CallerUID,
		&record.CalleeUID,
		&callType,
		&status,
		&record.CreatedAt,
		&record.AcceptedAt,
		&record.EndedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("archived call not found")
		}
		return nil, fmt.Errorf("failed to get archived call: %w", err)
	}

	record.CallType = domain.CallType(callType)
	record.Status = domain.CallStatus(status)
	return record, nil
}

// GetUserCalls retrieves a user's call history, most recent first
func (r *CallArchiveRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT call_id, caller_uid, callee_uid, call_type, status,
		       created_at, accepted_at, ended_at
		FROM call_archive
		WHERE caller_uid = $1 OR callee_uid = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		record := &domain.CallRecord{}
		var callType, status string
		err := rows.Scan(
			&record.ID,
			&record.CallerUID,
			&record.CalleeUID,
			&callType,
			&status,
			&record.CreatedAt,
			&record.AcceptedAt,
			&record.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived call: %w", err)
		}
		record.CallType = domain.CallType(callType)
		record.Status = domain.CallStatus(status)
		records = append(records, record)
	}

	return records, nil
}

// CountUserCalls returns the number of archived calls the user took part in
func (r *CallArchiveRepository) CountUserCalls(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `
		SELECT count(*)
		FROM call_archive
		WHERE caller_uid = $1 OR callee_uid = $1
	`

	var total int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count user calls: %w", err)
	}
	return total, nil
}
