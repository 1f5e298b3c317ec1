package video

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// History lists a user's calls as their call log renders them.
type History struct {
	ch       signaling.Channel
	profiles ProfileReader
	log      *zap.Logger
}

func NewHistory(ch signaling.Channel, profiles ProfileReader) *History {
	return &History{ch: ch, profiles: profiles, log: logger.Named("history")}
}

// List returns up to limit entries, newest first.
func (h *History) List(ctx context.Context, viewerID string, limit int) ([]domain.CallHistoryEntry, error) {
	if viewerID == "" {
		return nil, apperrors.ValidationError("user id is required")
	}
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}

	items, err := h.ch.Items(ctx, IndexPath(viewerID))
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}

	seen := map[string]bool{}
	var records []*domain.CallRecord
	for i := len(items) - 1; i >= 0 && len(records) < limit; i-- {
		var callID string
		if err := items[i].Decode(&callID); err != nil || seen[callID] {
			continue
		}
		seen[callID] = true

		rec, err := getCall(ctx, h.ch, callID)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.IsParticipant(viewerID) {
			continue
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	profiles := map[string]*domain.UserProfile{}
	entries := make([]domain.CallHistoryEntry, 0, len(records))
	for _, rec := range records {
		remoteID := rec.RemoteParty(viewerID)
		remote, ok := profiles[remoteID]
		if !ok {
			remote = h.profile(ctx, remoteID)
			profiles[remoteID] = remote
		}
		entries = append(entries, domain.NewCallHistoryEntry(rec, viewerID, remote))
	}
	return entries, nil
}

func (h *History) profile(ctx context.Context, userID string) *domain.UserProfile {
	if h.profiles != nil {
		p, err := h.profiles.GetProfile(ctx, userID)
		if err == nil {
			return p
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			h.log.Warn("Failed to resolve profile", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return &domain.UserProfile{UserID: userID}
}
