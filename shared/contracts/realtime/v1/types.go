package v1

import "time"

// HelloPayload is sent by the client after the upgrade.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the session id and the user the connection is bound to.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationJoinPayload selects a conversation to view.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// Attachment is a media reference. Kind is "image" or "video".
type Attachment struct {
	URI  string `json:"uri"`
	Kind string `json:"kind"`
}

// UserSummary carries display fields for a participant.
type UserSummary struct {
	ID          string `json:"id"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURI   string `json:"avatar_uri,omitempty"`
}

// MessageSendPayload requests a direct message to Recipient.
type MessageSendPayload struct {
	Recipient   string       `json:"recipient"`
	ClientMsgID string       `json:"client_msg_id"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// MessageAckPayload acknowledges a send with the canonical server ids.
type MessageAckPayload struct {
	ClientMsgID    string `json:"client_msg_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Duplicated     bool   `json:"duplicated"`
}

// MessagesReadPayload marks the conversation with Other as read.
type MessagesReadPayload struct {
	Other string `json:"other"`
}

// Message is the wire representation of a stored message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Seq            int64        `json:"seq"`
	SenderID       string       `json:"sender_id"`
	RecipientID    string       `json:"recipient_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments"`
	Read           bool         `json:"read"`
	ClientMsgID    string       `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Sender         *UserSummary `json:"sender,omitempty"`
	Recipient      *UserSummary `json:"recipient,omitempty"`
}

// MessageCreatedPayload wraps a newly stored message.
type MessageCreatedPayload struct {
	Message Message `json:"message"`
}

// ConversationChangedPayload tells a participant a conversation row changed.
type ConversationChangedPayload struct {
	ConversationID string    `json:"conversation_id"`
	OtherUserID    string    `json:"other_user_id"`
	LastMessageID  string    `json:"last_message_id,omitempty"`
	UnreadCount    int       `json:"unread_count"`
	Deleted        bool      `json:"deleted,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NotificationBadgePayload announces a new message for badge display.
type NotificationBadgePayload struct {
	Kind           string      `json:"kind"`
	ConversationID string      `json:"conversation_id"`
	MessageID      string      `json:"message_id"`
	Sender         UserSummary `json:"sender"`
	TotalUnread    int         `json:"total_unread"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}
