package realtime

import (
	"log/slog"
	"sync"

	v1 "parley/shared/contracts/realtime/v1"
)

// Room holds the sessions currently viewing one conversation.
//
// Join/Leave are safe under concurrent Broadcast, and Broadcast never blocks.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	viewers map[string]*Client
}

// NewRoom constructs an empty room for conversationID.
func NewRoom(log *slog.Logger, conversationID string) *Room {
	return &Room{
		log:     log,
		ID:      conversationID,
		viewers: make(map[string]*Client),
	}
}

// Join adds client to the viewers.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.viewers[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.join", "conversation_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a session from the viewers and reports how many remain.
// Leaving a room does not close the session.
func (r *Room) Leave(sessionID string) int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	_, ok := r.viewers[sessionID]
	delete(r.viewers, sessionID)
	n := len(r.viewers)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.leave", "conversation_id", r.ID, "session_id", sessionID)
	}
	return n
}

// Len returns the number of viewers.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// Viewers returns a snapshot of the viewing sessions.
func (r *Room) Viewers() []*Client {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.viewers))
	for _, c := range r.viewers {
		out = append(out, c)
	}
	return out
}

// Broadcast offers env to every viewer and returns how many accepted it.
func (r *Room) Broadcast(env v1.Envelope) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, c := range r.viewers {
		if c.Offer(env) {
			delivered++
		}
	}
	return delivered
}
