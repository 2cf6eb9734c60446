package msgapi

import (
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/messaging"
	v1 "parley/shared/contracts/realtime/v1"
)

type sendRequest struct {
	Recipient   string          `json:"recipient"`
	Content     string          `json:"content,omitempty"`
	Attachments []v1.Attachment `json:"attachments,omitempty"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
}

type openConversationRequest struct {
	Participant string `json:"participant"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type conversationResponse struct {
	ID               string         `json:"id"`
	OtherParticipant v1.UserSummary `json:"other_participant"`
	LastMessage      *v1.Message    `json:"last_message"`
	UnreadCount      int            `json:"unread_count"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type sendResponse struct {
	Message      v1.Message           `json:"message"`
	Conversation conversationResponse `json:"conversation"`
	Duplicated   bool                 `json:"duplicated"`
}

type messagesResponse struct {
	ConversationID string       `json:"conversation_id,omitempty"`
	Messages       []v1.Message `json:"messages"`
	Pagination     pagination   `json:"pagination"`
}

type conversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
	Pagination    pagination             `json:"pagination"`
}

type openConversationResponse struct {
	Conversation conversationResponse `json:"conversation"`
	Created      bool                 `json:"created"`
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

type markReadResponse struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Marked         int    `json:"marked"`
}

type deleteResponse struct {
	Deleted        bool   `json:"deleted"`
	ConversationID string `json:"conversation_id"`
}

func toUserSummary(s identity.Summary) v1.UserSummary {
	return v1.UserSummary{ID: s.ID, Handle: s.Handle, DisplayName: s.DisplayName, AvatarURI: s.AvatarURI}
}

func toMessage(m messaging.Message, summaries map[string]identity.Summary) v1.Message {
	var sender, recipient *identity.Summary
	if s, ok := summaries[m.SenderID]; ok {
		sender = &s
	}
	if r, ok := summaries[m.RecipientID]; ok {
		recipient = &r
	}
	return messaging.WireMessage(m, sender, recipient)
}

// toConversation renders c as seen by viewerID.
func toConversation(c messaging.Conversation, viewerID string, summaries map[string]identity.Summary) conversationResponse {
	otherID := c.Other(viewerID)
	other, ok := summaries[otherID]
	if !ok {
		other = identity.Summary{ID: otherID}
	}
	out := conversationResponse{
		ID:               c.ID,
		OtherParticipant: toUserSummary(other),
		UnreadCount:      c.UnreadFor(viewerID),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.LastMessage != nil {
		m := toMessage(*c.LastMessage, summaries)
		out.LastMessage = &m
	}
	return out
}
