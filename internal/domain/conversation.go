package domain

import (
	"sort"
	"strings"
	"time"
)

// Conversation is the one-to-one chat document at chats/{conversation_id}.
// Per-user unread counters are stored as flat fields, see UnreadField.
type Conversation struct {
	ConversationID string          `json:"conversation_id"`
	Participants   []string        `json:"participants"`
	LastMessage    *MessageSummary `json:"last_message,omitempty"`
	LastUpdated    *time.Time      `json:"last_updated,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// OtherParticipant returns the first participant that is not self.
func (c *Conversation) OtherParticipant(self string) (string, bool) {
	for _, p := range c.Participants {
		if p != "" && p != self {
			return p, true
		}
	}
	return "", false
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// UnreadField is the conversation document field holding userID's unread count.
func UnreadField(userID string) string {
	return "unread_" + userID
}

// ConversationID derives the id of the one-to-one conversation between two
// users, so both sides resolve to the same document.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation
	Unread        int64          `json:"unread"`
	OtherUserID   string         `json:"other_user_id,omitempty"`
	OtherPresence PresenceRecord `json:"other_presence"`
}

// SortKey is the last activity time, or creation time for a quiet conversation.
func (c *Conversation) SortKey() time.Time {
	if c.LastUpdated != nil {
		return *c.LastUpdated
	}
	return c.CreatedAt
}
