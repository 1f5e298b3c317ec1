package user

import (
	"context"
	"errors"
	"fmt"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/cache"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/sanitize"
)

// Path returns the profile document of a user.
func Path(userID string) string {
	return signaling.Join("users", userID)
}

// Service reads and writes public user profiles
type Service struct {
	ch    signaling.Channel
	names *cache.MemoryCache[string]
}

// NewService creates a new profile service. names caches display names for
// notification text and may be nil.
func NewService(ch signaling.Channel, names *cache.MemoryCache[string]) *Service {
	return &Service{ch: ch, names: names}
}

// GetProfile retrieves a profile. Unknown users yield NotFound.
func (s *Service) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if userID == "" {
		return nil, apperrors.ValidationError("user id is required")
	}
	snap, err := s.ch.Once(ctx, Path(userID))
	if errors.Is(err, signaling.ErrNotFound) {
		return nil, apperrors.NotFoundError("User")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	var p domain.UserProfile
	if err := snap.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	p.UserID = userID
	return &p, nil
}

// DisplayName returns the user's display name, or fallback when the
// profile cannot be read. Found names are cached; fallbacks are not.
func (s *Service) DisplayName(ctx context.Context, userID, fallback string) string {
	if s.names != nil {
		if name, ok := s.names.Get(userID); ok {
			return name
		}
	}
	p, err := s.GetProfile(ctx, userID)
	if err != nil || p.DisplayName == "" {
		return fallback
	}
	if s.names != nil {
		s.names.Set(userID, p.DisplayName, 0)
	}
	return p.DisplayName
}

// UpdateProfile upserts the caller's own profile fields. Nil leaves a field unchanged.
func (s *Service) UpdateProfile(ctx context.Context, userID string, displayName, avatarURL *string) (*domain.UserProfile, error) {
	if userID == "" {
		return nil, apperrors.ValidationError("user id is required")
	}
	fields := map[string]any{"user_id": userID}
	if displayName != nil {
		name := sanitize.DisplayName(*displayName)
		if name == "" {
			return nil, apperrors.ValidationError("display name cannot be empty")
		}
		fields["display_name"] = name
	}
	if avatarURL != nil {
		fields["avatar_url"] = sanitize.URL(*avatarURL)
	}
	if err := s.ch.Merge(ctx, Path(userID), fields); err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if s.names != nil {
		s.names.Delete(userID)
	}
	return s.GetProfile(ctx, userID)
}
