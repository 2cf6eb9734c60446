package messaging

import (
	"context"
	"math"
	"time"
)

const (
	DefaultMessagePageSize = 20
	MaxMessagePageSize     = 100

	DefaultConversationPageSize = 50
	MaxConversationPageSize     = 200
)

// ConversationStore is the conversation directory: one conversation per unordered pair.
type ConversationStore interface {
	// GetOrCreateConversation returns the pair's conversation, creating it when absent.
	// Concurrent calls for (a,b) and (b,a) observe the same conversation.
	GetOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindConversation(ctx context.Context, a, b string) (Conversation, error)
	ListConversations(ctx context.Context, in ListConversationsInput) (ConversationList, error)
	// DeleteConversation removes the conversation, its members and every message
	// between the pair, all or nothing. It returns the removed conversation.
	DeleteConversation(ctx context.Context, id, requester string) (Conversation, error)
}

// MessageStore persists messages in store-assigned order.
type MessageStore interface {
	// AppendMessage stores a message and, in the same transaction, get-or-creates
	// the conversation, advances its last message and increments the recipient's
	// unread counter. A repeated (sender, client_msg_id) returns the stored
	// message with Duplicated set and changes nothing.
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	// FindByClientMsgID returns ErrNotFound when the token was never stored.
	FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, error)
	FetchPage(ctx context.Context, in FetchPageInput) (MessagePage, error)
	// MarkRead flips read on messages sent to reader by other and resets the
	// reader's counter in the same transaction.
	MarkRead(ctx context.Context, reader, other string) (MarkReadResult, error)
}

// UnreadStore exposes per-participant unread counters.
type UnreadStore interface {
	ResetUnread(ctx context.Context, conversationID, userID string) error
	UnreadFor(ctx context.Context, conversationID, userID string) (int, error)
	// TotalUnread sums userID's counters over userID's conversations only.
	TotalUnread(ctx context.Context, userID string) (int, error)
}

// Store is the full persistence boundary.
type Store interface {
	ConversationStore
	MessageStore
	UnreadStore
	Close() error
}

// AppendMessageInput describes a message append request. Content and
// attachments are expected to be normalized already.
type AppendMessageInput struct {
	SenderID    string
	RecipientID string
	Content     string
	Attachments []Attachment
	ClientMsgID string
	Now         time.Time
}

// AppendMessageResult is the append outcome.
type AppendMessageResult struct {
	Message      Message
	Conversation Conversation
	Duplicated   bool
	// Created is true when this append created the conversation.
	Created bool
}

// FetchPageInput selects one page of the pair's history. Page is 1-based;
// page 1 holds the newest messages.
type FetchPageInput struct {
	UserA    string
	UserB    string
	Page     int
	PageSize int
}

// MessagePage is returned oldest first.
type MessagePage struct {
	ConversationID string
	Messages       []Message
	Page           int
	PageSize       int
	Total          int
}

// Pages returns the number of pages for Total.
func (p MessagePage) Pages() int { return pageCount(p.Total, p.PageSize) }

// MarkReadResult reports what MarkRead changed.
type MarkReadResult struct {
	ConversationID string
	Marked         int
}

// ListConversationsInput selects one page of a user's conversations.
type ListConversationsInput struct {
	UserID   string
	Page     int
	PageSize int
}

// ConversationList is ordered by most recent activity first.
type ConversationList struct {
	Conversations []Conversation
	Page          int
	PageSize      int
	Total         int
}

// Pages returns the number of pages for Total.
func (l ConversationList) Pages() int { return pageCount(l.Total, l.PageSize) }

func normalizePage(page, size, def, max int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = def
	}
	if size > max {
		size = max
	}
	// (page-1)*size must stay representable as an offset.
	if page > math.MaxInt/size {
		page = math.MaxInt / size
	}
	return page, size
}

func pageCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
