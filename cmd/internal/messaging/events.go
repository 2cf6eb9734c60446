package messaging

import (
	"parley/cmd/identity"
	v1 "parley/shared/contracts/realtime/v1"
)

// WireMessage converts m to its live/HTTP representation. Summaries are optional.
func WireMessage(m Message, sender, recipient *identity.Summary) v1.Message {
	out := v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Content:        m.Content,
		Attachments:    make([]v1.Attachment, 0, len(m.Attachments)),
		Read:           m.Read,
		ClientMsgID:    m.ClientMsgID,
		CreatedAt:      m.CreatedAt,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, v1.Attachment{URI: a.URI, Kind: string(a.Kind)})
	}
	if sender != nil {
		s := wireSummary(*sender)
		out.Sender = &s
	}
	if recipient != nil {
		r := wireSummary(*recipient)
		out.Recipient = &r
	}
	return out
}

// AttachmentsFromWire converts wire attachments without validating them.
func AttachmentsFromWire(in []v1.Attachment) []Attachment {
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, Attachment{URI: a.URI, Kind: AttachmentKind(a.Kind)})
	}
	return out
}

func wireSummary(s identity.Summary) v1.UserSummary {
	return v1.UserSummary{
		ID:          s.ID,
		Handle:      s.Handle,
		DisplayName: s.DisplayName,
		AvatarURI:   s.AvatarURI,
	}
}

// conversationChanged builds the payload as seen by userID.
func conversationChanged(c Conversation, userID string, deleted bool) v1.ConversationChangedPayload {
	return v1.ConversationChangedPayload{
		ConversationID: c.ID,
		OtherUserID:    c.Other(userID),
		LastMessageID:  c.LastMessageID,
		UnreadCount:    c.UnreadFor(userID),
		Deleted:        deleted,
		UpdatedAt:      c.UpdatedAt,
	}
}
