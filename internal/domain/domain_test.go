package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(t time.Time) *time.Time { return &t }

// TestNewCallRecord tests the participant invariant
func TestNewCallRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rec, err := NewCallRecord("c1", "conv1", "x", "y", MediaVideo, now)
	require.NoError(t, err)
	assert.Equal(t, CallRinging, rec.Status)
	assert.True(t, rec.Active)
	assert.ElementsMatch(t, []string{"x", "y"}, rec.Participants)
	assert.Equal(t, "y", rec.RemoteParty("x"))
	assert.Equal(t, "x", rec.RemoteParty("y"))
	assert.True(t, rec.IsParticipant("x"))
	assert.False(t, rec.IsParticipant("z"))

	_, err = NewCallRecord("c2", "conv1", "x", "x", MediaAudio, now)
	assert.Error(t, err)

	_, err = NewCallRecord("c3", "conv1", "x", "", MediaAudio, now)
	assert.Error(t, err)

	_, err = NewCallRecord("c4", "conv1", "x", "y", MediaKind("screen"), now)
	assert.Error(t, err)

	rec.Participants = append(rec.Participants, "z")
	assert.Error(t, rec.Validate())
}

// TestCallHistoryStatus tests the history derivation for both viewers
func TestCallHistoryStatus(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		rec    CallRecord
		viewer string
		want   HistoryStatus
	}{
		{"caller always outgoing", CallRecord{CallerID: "x", CalleeID: "y", Status: CallEnded}, "x", HistoryOutgoing},
		{"ended unanswered is missed", CallRecord{CallerID: "x", CalleeID: "y", Status: CallEnded, EndedAt: ptr(now)}, "y", HistoryMissed},
		{"ended answered is incoming", CallRecord{CallerID: "x", CalleeID: "y", Status: CallEnded, AnsweredAt: ptr(now), EndedAt: ptr(now)}, "y", HistoryIncoming},
		{"still ringing is incoming", CallRecord{CallerID: "x", CalleeID: "y", Status: CallRinging}, "y", HistoryIncoming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CallHistoryStatus(&tt.rec, tt.viewer))
		})
	}
}

// TestCallDuration tests duration rendering
func TestCallDuration(t *testing.T) {
	answered := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, EmptyDuration, CallDuration(&CallRecord{}))
	assert.Equal(t, EmptyDuration, CallDuration(&CallRecord{AnsweredAt: ptr(answered)}))
	assert.Equal(t, "01:05", CallDuration(&CallRecord{
		AnsweredAt: ptr(answered),
		EndedAt:    ptr(answered.Add(65*time.Second + 400*time.Millisecond)),
	}))

	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "00:59", FormatDuration(59*time.Second))
	assert.Equal(t, "125:00", FormatDuration(125*time.Minute))
	assert.Equal(t, "00:00", FormatDuration(-time.Second))
}

// TestNewCallHistoryEntry tests scenario B from the callee's log
func TestNewCallHistoryEntry(t *testing.T) {
	created := time.Now()
	rec := &CallRecord{
		CallID:    "c1",
		CallerID:  "x",
		CalleeID:  "y",
		Type:      MediaVideo,
		Status:    CallEnded,
		CreatedAt: created,
		EndedAt:   ptr(created.Add(10 * time.Second)),
	}

	entry := NewCallHistoryEntry(rec, "y", &UserProfile{UserID: "x", DisplayName: "X"})
	assert.Equal(t, HistoryMissed, entry.Status)
	assert.Equal(t, EmptyDuration, entry.Duration)
	assert.Equal(t, "X", entry.RemoteUser.DisplayName)
	assert.Equal(t, MediaVideo, entry.Type)
}

// TestMessageStatus tests status derivation never regresses
func TestMessageStatus(t *testing.T) {
	now := time.Now()
	m := &Message{}
	assert.Equal(t, MessageSending, m.Status())

	m.CreatedAt = ptr(now)
	assert.Equal(t, MessageSent, m.Status())

	m.DeliveredAt = ptr(now)
	assert.Equal(t, MessageDelivered, m.Status())

	m.ReadAt = ptr(now)
	assert.Equal(t, MessageRead, m.Status())
	assert.Equal(t, MessageRead, m.View().Status)
}

func TestConversation(t *testing.T) {
	c := &Conversation{Participants: []string{"x", "y"}}

	other, ok := c.OtherParticipant("x")
	assert.True(t, ok)
	assert.Equal(t, "y", other)
	assert.True(t, c.HasParticipant("y"))
	assert.False(t, c.HasParticipant("z"))

	_, ok = (&Conversation{Participants: []string{"x"}}).OtherParticipant("x")
	assert.False(t, ok)

	assert.Equal(t, "unread_y", UnreadField("y"))

	assert.Equal(t, "x_y", ConversationID("y", "x"))
	assert.Equal(t, ConversationID("x", "y"), ConversationID("y", "x"))

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	quiet := &Conversation{CreatedAt: created}
	assert.Equal(t, created, quiet.SortKey())
	later := created.Add(time.Hour)
	quiet.LastUpdated = &later
	assert.Equal(t, later, quiet.SortKey())
}
