package messaging

import (
	"context"
	"errors"
	"time"

	"parley/cmd/identity"
	"parley/cmd/identity/ids"
	v1 "parley/shared/contracts/realtime/v1"
)

// Pusher delivers envelopes to live sessions. Implementations never block on
// slow sessions and return the number of frames enqueued.
type Pusher interface {
	PushToUser(ctx context.Context, userID string, env v1.Envelope) int
	// PushToConversation reaches the sessions currently viewing conversationID
	// plus every session of userIDs, each session at most once.
	PushToConversation(ctx context.Context, conversationID string, userIDs []string, env v1.Envelope) int
}

// NopPusher drops every envelope.
type NopPusher struct{}

func (NopPusher) PushToUser(context.Context, string, v1.Envelope) int { return 0 }

func (NopPusher) PushToConversation(context.Context, string, []string, v1.Envelope) int { return 0 }

// BadgeSummary describes the message a badge notification is about.
type BadgeSummary struct {
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	Sender         identity.Summary `json:"sender"`
}

// Notifier drives the unread badge for a recipient. Failures never affect the
// stored message or the counter.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, badge BadgeSummary) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, BadgeSummary) error { return nil }

// PushNotifier pushes notification.badge with the recipient's current total.
type PushNotifier struct {
	pusher Pusher
	unread UnreadStore
	now    func() time.Time
}

// NewPushNotifier builds a notifier over pusher. unread supplies the badge total.
func NewPushNotifier(pusher Pusher, unread UnreadStore) (*PushNotifier, error) {
	if pusher == nil {
		return nil, errors.New("messaging: nil pusher")
	}
	if unread == nil {
		return nil, errors.New("messaging: nil unread store")
	}
	return &PushNotifier{
		pusher: pusher,
		unread: unread,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

var _ Notifier = (*PushNotifier)(nil)

// Notify implements Notifier.
func (n *PushNotifier) Notify(ctx context.Context, recipientID string, badge BadgeSummary) error {
	total, err := n.unread.TotalUnread(ctx, recipientID)
	if err != nil {
		return err
	}

	env, err := newEnvelope(v1.TypeNotificationBadge, n.now(), v1.NotificationBadgePayload{
		Kind:           "message",
		ConversationID: badge.ConversationID,
		MessageID:      badge.MessageID,
		Sender:         wireSummary(badge.Sender),
		TotalUnread:    total,
	})
	if err != nil {
		return err
	}
	n.pusher.PushToUser(ctx, recipientID, env)
	return nil
}

func newEnvelope(typ string, now time.Time, payload any) (v1.Envelope, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.New(typ, id, now, payload)
}
