package domain

import (
	"fmt"
	"time"
)

// HistoryStatus is how a call reads in one participant's call log
type HistoryStatus string

const (
	HistoryOutgoing HistoryStatus = "outgoing"
	HistoryIncoming HistoryStatus = "incoming"
	HistoryMissed   HistoryStatus = "missed"
)

// EmptyDuration is rendered for calls that were never answered.
const EmptyDuration = "00:00"

// CallHistoryStatus derives the log status of rec for viewerID. This is the
// only place the missed rule lives; the live call view and the history
// listing both call it.
func CallHistoryStatus(rec *CallRecord, viewerID string) HistoryStatus {
	if rec.CallerID == viewerID {
		return HistoryOutgoing
	}
	if rec.Status == CallEnded && rec.AnsweredAt == nil {
		return HistoryMissed
	}
	return HistoryIncoming
}

// CallDuration is ended minus answered, or EmptyDuration when either is unset.
func CallDuration(rec *CallRecord) string {
	if rec.AnsweredAt == nil || rec.EndedAt == nil {
		return EmptyDuration
	}
	return FormatDuration(rec.EndedAt.Sub(*rec.AnsweredAt))
}

// FormatDuration renders d as MM:SS. Minutes are not capped at 59.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// CallHistoryEntry is one row of a user's call log
type CallHistoryEntry struct {
	CallID     string        `json:"call_id"`
	RemoteUser *UserProfile  `json:"remote_user"`
	Type       MediaKind     `json:"type"`
	Status     HistoryStatus `json:"status"`
	Duration   string        `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

// NewCallHistoryEntry derives the log row for viewerID.
func NewCallHistoryEntry(rec *CallRecord, viewerID string, remote *UserProfile) CallHistoryEntry {
	return CallHistoryEntry{
		CallID:     rec.CallID,
		RemoteUser: remote,
		Type:       rec.Type,
		Status:     CallHistoryStatus(rec, viewerID),
		Duration:   CallDuration(rec),
		CreatedAt:  rec.CreatedAt,
	}
}
