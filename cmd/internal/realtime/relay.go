package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"parley/cmd/internal/messaging"
	v1 "parley/shared/contracts/realtime/v1"

	"github.com/redis/go-redis/v9"
)

// DefaultRelayChannel is the Redis channel frames are exchanged on.
const DefaultRelayChannel = "parley:push"

// relayFrame is what travels between nodes. Exactly one of UserID or
// ConversationID is the target.
type relayFrame struct {
	NodeID         string      `json:"node_id"`
	UserID         string      `json:"user_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	UserIDs        []string    `json:"user_ids,omitempty"`
	Envelope       v1.Envelope `json:"envelope"`
}

// Relay delivers locally and publishes every frame to the other nodes over
// Redis pub/sub, so a user connected anywhere receives it.
type Relay struct {
	log     *slog.Logger
	rdb     redis.UniversalClient
	local   messaging.Pusher
	nodeID  string
	channel string
}

var _ messaging.Pusher = (*Relay)(nil)

// NewRelay builds a relay. nodeID must be unique per process.
func NewRelay(log *slog.Logger, rdb redis.UniversalClient, local messaging.Pusher, nodeID string) (*Relay, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if local == nil {
		return nil, errors.New("realtime: nil local pusher")
	}
	if nodeID == "" {
		return nil, errors.New("realtime: empty node id")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{log: log, rdb: rdb, local: local, nodeID: nodeID, channel: DefaultRelayChannel}, nil
}

// PushToUser implements messaging.Pusher. The count covers local sessions only.
func (r *Relay) PushToUser(ctx context.Context, userID string, env v1.Envelope) int {
	n := r.local.PushToUser(ctx, userID, env)
	r.publish(ctx, relayFrame{NodeID: r.nodeID, UserID: userID, Envelope: env})
	return n
}

// PushToConversation implements messaging.Pusher.
func (r *Relay) PushToConversation(ctx context.Context, conversationID string, userIDs []string, env v1.Envelope) int {
	n := r.local.PushToConversation(ctx, conversationID, userIDs, env)
	r.publish(ctx, relayFrame{NodeID: r.nodeID, ConversationID: conversationID, UserIDs: userIDs, Envelope: env})
	return n
}

func (r *Relay) publish(ctx context.Context, f relayFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		r.log.Error("relay.encode.fail", "type", f.Envelope.Type, "err", err)
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
		r.log.Warn("relay.publish.fail", "type", f.Envelope.Type, "err", err)
	}
}

// Run subscribes and delivers frames from other nodes until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.log.Info("relay.subscribed", "channel", r.channel, "node_id", r.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay: subscription closed")
			}
			r.handle(ctx, []byte(msg.Payload))
		}
	}
}

// handle delivers one inbound frame and reports whether it was delivered.
func (r *Relay) handle(ctx context.Context, payload []byte) bool {
	var f relayFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		r.log.Warn("relay.decode.fail", "err", err)
		return false
	}
	if f.NodeID == r.nodeID {
		return false
	}
	if err := f.Envelope.Validate(); err != nil {
		r.log.Warn("relay.frame.invalid", "node_id", f.NodeID, "err", err)
		return false
	}

	switch {
	case f.ConversationID != "":
		r.local.PushToConversation(ctx, f.ConversationID, f.UserIDs, f.Envelope)
	case f.UserID != "":
		r.local.PushToUser(ctx, f.UserID, f.Envelope)
	default:
		return false
	}
	return true
}
