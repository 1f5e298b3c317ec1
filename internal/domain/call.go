package domain

import (
	"fmt"
	"slices"
	"time"
)

// CallStatus is the lifecycle state of a call
type CallStatus string

const (
	CallIdle       CallStatus = "idle"
	CallRinging    CallStatus = "ringing"
	CallConnecting CallStatus = "connecting"
	CallConnected  CallStatus = "connected"
	CallEnded      CallStatus = "ended"
)

// Terminal reports whether no transition may leave the status.
func (s CallStatus) Terminal() bool {
	return s == CallEnded
}

// MediaKind is the media a call carries
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// End reasons recorded on ended calls
const (
	EndReasonHangup   = "hangup"
	EndReasonRejected = "rejected"
	EndReasonMissed   = "missed"
	EndReasonFailed   = "failed"
)

// CallRecord is the shared document both endpoints of a call watch.
// Stored at calls/{call_id}.
type CallRecord struct {
	CallID         string              `json:"call_id"`
	ConversationID string              `json:"conversation_id,omitempty"`
	CallerID       string              `json:"caller_id"`
	CalleeID       string              `json:"callee_id"`
	Participants   []string            `json:"participants"`
	Type           MediaKind           `json:"call_type"`
	Status         CallStatus          `json:"status"`
	Active         bool                `json:"active"`
	CreatedAt      time.Time           `json:"created_at"`
	AnsweredAt     *time.Time          `json:"answered_at"`
	EndedAt        *time.Time          `json:"ended_at"`
	EndReason      string              `json:"end_reason,omitempty"`
	Offer          *SessionDescription `json:"offer,omitempty"`
	Answer         *SessionDescription `json:"answer,omitempty"`
}

// NewCallRecord builds a ringing call between caller and callee.
func NewCallRecord(callID, conversationID, callerID, calleeID string, kind MediaKind, now time.Time) (*CallRecord, error) {
	rec := &CallRecord{
		CallID:         callID,
		ConversationID: conversationID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		Participants:   []string{callerID, calleeID},
		Type:           kind,
		Status:         CallRinging,
		Active:         true,
		CreatedAt:      now,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the participant invariant: exactly caller and callee.
func (c *CallRecord) Validate() error {
	if c.CallerID == "" || c.CalleeID == "" {
		return fmt.Errorf("call requires caller and callee")
	}
	if c.CallerID == c.CalleeID {
		return fmt.Errorf("caller and callee must differ")
	}
	if len(c.Participants) != 2 ||
		!slices.Contains(c.Participants, c.CallerID) ||
		!slices.Contains(c.Participants, c.CalleeID) {
		return fmt.Errorf("participants must be exactly caller and callee")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("invalid call type %q", c.Type)
	}
	return nil
}

// IsParticipant reports whether userID is caller or callee.
func (c *CallRecord) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.CallerID || userID == c.CalleeID)
}

// RemoteParty returns the other participant from userID's point of view.
func (c *CallRecord) RemoteParty(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// Answered reports whether the callee ever accepted.
func (c *CallRecord) Answered() bool {
	return c.AnsweredAt != nil
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one trickled candidate, appended to the origin's list.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty"`
}

// CallState is what a client renders for an open call.
type CallState struct {
	Status     CallStatus   `json:"status"`
	Type       MediaKind    `json:"type"`
	Duration   string       `json:"duration"`
	RemoteUser *UserProfile `json:"remote_user,omitempty"`
}
