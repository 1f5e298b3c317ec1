package domain

import "time"

// MessageStatus is derived from which timestamps a message carries
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// Message is one chat message, stored at chats/{conversation_id}/messages/{message_id}.
// Status is never stored.
type Message struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Text           string     `json:"text"`
	CreatedAt      *time.Time `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	ReadAt         *time.Time `json:"read_at"`
}

// Status derives the delivery status. A later timestamp implies the earlier
// stages, so the result cannot regress as timestamps are filled in.
func (m *Message) Status() MessageStatus {
	switch {
	case m.ReadAt != nil:
		return MessageRead
	case m.DeliveredAt != nil:
		return MessageDelivered
	case m.CreatedAt != nil:
		return MessageSent
	default:
		return MessageSending
	}
}

// MessageView is a message as rendered to a client.
type MessageView struct {
	Message
	Status MessageStatus `json:"status"`
}

func (m *Message) View() MessageView {
	return MessageView{Message: *m, Status: m.Status()}
}

// MessageSummary is the preview kept on the conversation document
type MessageSummary struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}
