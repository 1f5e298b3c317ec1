package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// CallPath returns the call record document.
func CallPath(callID string) string {
	return signaling.Join("calls", callID)
}

// OfferCandidatesPath is the caller-originated candidate list.
func OfferCandidatesPath(callID string) string {
	return signaling.Join("calls", callID, "offerCandidates")
}

// AnswerCandidatesPath is the callee-originated candidate list.
func AnswerCandidatesPath(callID string) string {
	return signaling.Join("calls", callID, "answerCandidates")
}

// IndexPath is the list of call ids a user took part in, oldest first.
func IndexPath(userID string) string {
	return signaling.Join("users", userID, "calls")
}

// getCall reads a call record. A missing record is NotFound.
func getCall(ctx context.Context, ch signaling.Channel, callID string) (*domain.CallRecord, error) {
	if callID == "" {
		return nil, apperrors.ValidationError("call id is required")
	}
	snap, err := ch.Once(ctx, CallPath(callID))
	if errors.Is(err, signaling.ErrNotFound) {
		return nil, apperrors.NotFoundError("Call")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return decodeCall(snap)
}

func decodeCall(snap signaling.Snapshot) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	if err := snap.Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode call %s: %w", snap.ID(), err)
	}
	if rec.CallID == "" {
		rec.CallID = snap.ID()
	}
	return &rec, nil
}

// callEnd describes a transition to ended.
type callEnd struct {
	At     time.Time
	Reason string
	// ClearAnswered drops answered_at so the call reads as never answered.
	ClearAnswered bool
	// OnlyRinging restricts the transition to calls nobody accepted yet.
	OnlyRinging bool
}

// endCall moves the record to ended. The guard is evaluated by the store, so
// an ended record never transitions again. It reports whether this call made
// the transition; a missing or already ended record is not an error.
func endCall(ctx context.Context, ch signaling.Channel, callID string, end callEnd) (bool, error) {
	fields := map[string]any{
		"status":     domain.CallEnded,
		"active":     false,
		"ended_at":   end.At,
		"end_reason": end.Reason,
	}
	if end.ClearAnswered {
		fields["answered_at"] = nil
	}
	cond := signaling.FieldNotEquals("status", domain.CallEnded)
	if end.OnlyRinging {
		cond = signaling.FieldEquals("status", domain.CallRinging)
	}

	err := ch.Update(ctx, CallPath(callID), fields, cond)
	if errors.Is(err, signaling.ErrNotFound) || errors.Is(err, signaling.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to end call: %w", err)
	}

	// Candidates are only useful during negotiation.
	for _, path := range []string{OfferCandidatesPath(callID), AnswerCandidatesPath(callID)} {
		if err := ch.Delete(ctx, path); err != nil {
			logger.Warn("Failed to delete call candidates",
				zap.String("call_id", callID),
				zap.String("path", path),
				zap.Error(err))
		}
	}
	return true, nil
}
