package domain

import "time"

// UserProfile is the public profile at users/{user_id}.
// Identity is provisioned elsewhere; this core only reads it.
type UserProfile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PresenceState is a user's liveness
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceRecord is what watchers observe at status/{user_id}.
// Since is the store's write time of the last change.
type PresenceRecord struct {
	UserID string        `json:"user_id"`
	State  PresenceState `json:"state"`
	Since  time.Time     `json:"since"`
}
