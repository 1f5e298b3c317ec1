package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// callsSchema creates the archive table. Rows are keyed by call id so
// re-archiving a call overwrites it.
const callsSchema = `
	CREATE TABLE IF NOT EXISTS call_archive (
		call_id          STRING PRIMARY KEY,
		conversation_id  STRING NOT NULL DEFAULT '',
		caller_id        STRING NOT NULL,
		callee_id        STRING NOT NULL,
		call_type        STRING NOT NULL,
		end_reason       STRING NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		answered_at      TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ,
		duration_seconds INT NOT NULL DEFAULT 0,
		INDEX call_archive_caller_idx (caller_id, created_at DESC),
		INDEX call_archive_callee_idx (callee_id, created_at DESC)
	)
`

// execer is the subset of pgxpool.Pool the repository uses
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CallRepository archives ended calls to CockroachDB
type CallRepository struct {
	db execer
}

// NewCallRepository creates a new call repository. pool is usually a
// *pgxpool.Pool.
func NewCallRepository(pool execer) *CallRepository {
	return &CallRepository{db: pool}
}

// EnsureSchema creates the archive table if it does not exist
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, callsSchema); err != nil {
		return fmt.Errorf("failed to create call archive table: %w", err)
	}
	return nil
}

// ArchiveCall upserts an ended call. Calls that have not ended are rejected.
func (r *CallRepository) ArchiveCall(ctx context.Context, rec *domain.CallRecord) error {
	if rec.Status != domain.CallEnded {
		return apperrors.ValidationError("only ended calls are archived")
	}

	query := `
		UPSERT INTO call_archive (
			call_id, conversation_id, caller_id, callee_id, call_type, end_reason,
			created_at, answered_at, ended_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		rec.CallID,
		rec.ConversationID,
		rec.CallerID,
		rec.CalleeID,
		string(rec.Type),
		rec.EndReason,
		rec.CreatedAt,
		rec.AnsweredAt,
		rec.EndedAt,
		answeredSeconds(rec),
	)
	if err != nil {
		return fmt.Errorf("failed to archive call: %w", err)
	}

	logger.Debug("Call archived",
		zap.String("call_id", rec.CallID),
		zap.String("end_reason", rec.EndReason))
	return nil
}

// GetByID reads an archived call back
func (r *CallRepository) GetByID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, callee_id, call_type, end_reason,
		       created_at, answered_at, ended_at
		FROM call_archive
		WHERE call_id = $1
	`
	rec := &domain.CallRecord{Status: domain.CallEnded}
	var callType string
	err := r.db.QueryRow(ctx, query, callID).Scan(
		&rec.CallID,
		&rec.ConversationID,
		&rec.CallerID,
		&rec.CalleeID,
		&callType,
		&rec.EndReason,
		&rec.CreatedAt,
		&rec.AnsweredAt,
		&rec.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundError("Call")
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	rec.Type = domain.MediaKind(callType)
	rec.Participants = []string{rec.CallerID, rec.CalleeID}
	return rec, nil
}

func answeredSeconds(rec *domain.CallRecord) int64 {
	if rec.AnsweredAt == nil || rec.EndedAt == nil {
		return 0
	}
	d := rec.EndedAt.Sub(*rec.AnsweredAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
