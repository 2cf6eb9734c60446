package realtime

import (
	"context"

	"parley/cmd/internal/messaging"
	v1 "parley/shared/contracts/realtime/v1"
)

// Fanout delivers envelopes to the sessions of this process: user sessions
// through the Registry and conversation viewers through the Hub.
type Fanout struct {
	registry *Registry
	hub      *Hub
}

var _ messaging.Pusher = (*Fanout)(nil)

// NewFanout combines a registry and a hub.
func NewFanout(registry *Registry, hub *Hub) *Fanout {
	return &Fanout{registry: registry, hub: hub}
}

// PushToUser implements messaging.Pusher.
func (f *Fanout) PushToUser(ctx context.Context, userID string, env v1.Envelope) int {
	if env.Type == v1.TypeConversationChanged {
		var p v1.ConversationChangedPayload
		if err := env.Decode(&p); err == nil && p.Deleted {
			f.hub.Close(p.ConversationID)
		}
	}
	return f.registry.PushToUser(ctx, userID, env)
}

// PushToConversation implements messaging.Pusher. A session that both views
// the conversation and belongs to one of userIDs receives env once.
func (f *Fanout) PushToConversation(_ context.Context, conversationID string, userIDs []string, env v1.Envelope) int {
	seen := make(map[string]struct{})
	delivered := 0

	offer := func(c *Client) {
		if _, dup := seen[c.SessionID]; dup {
			return
		}
		seen[c.SessionID] = struct{}{}
		if c.Offer(env) {
			delivered++
		}
	}

	for _, c := range f.hub.Room(conversationID).Viewers() {
		offer(c)
	}
	for _, userID := range userIDs {
		for _, c := range f.registry.SessionsFor(userID) {
			offer(c)
		}
	}
	return delivered
}
