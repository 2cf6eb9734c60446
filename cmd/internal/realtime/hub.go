package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns the conversation rooms of this process. A session views at most
// one conversation at a time; empty rooms are dropped.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	rooms   map[string]*Room
	viewing map[string]string // session id -> conversation id
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		rooms:   make(map[string]*Room),
		viewing: make(map[string]string),
	}
}

// View moves client into conversationID's room, leaving any room it viewed before.
func (h *Hub) View(conversationID string, client *Client) *Room {
	if client == nil || conversationID == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.viewing[client.SessionID]; ok {
		if prev == conversationID {
			return h.rooms[prev]
		}
		h.leaveLocked(prev, client.SessionID)
	}

	room, ok := h.rooms[conversationID]
	if !ok {
		room = NewRoom(h.log, conversationID)
		h.rooms[conversationID] = room
	}
	room.Join(client)
	h.viewing[client.SessionID] = conversationID
	return room
}

// Leave removes the session from whatever room it views and returns that
// conversation id ("" when it viewed none).
func (h *Hub) Leave(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	convID, ok := h.viewing[sessionID]
	if !ok {
		return ""
	}
	h.leaveLocked(convID, sessionID)
	return convID
}

// Viewing returns the conversation the session currently views.
func (h *Hub) Viewing(sessionID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewing[sessionID]
}

// Room returns the room for conversationID, or nil when nobody views it.
func (h *Hub) Room(conversationID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[conversationID]
}

// Close empties the conversation's room, used when it is deleted.
func (h *Hub) Close(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	for _, c := range room.Viewers() {
		delete(h.viewing, c.SessionID)
	}
	delete(h.rooms, conversationID)
}

func (h *Hub) leaveLocked(conversationID, sessionID string) {
	delete(h.viewing, sessionID)
	room, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	if room.Leave(sessionID) == 0 {
		delete(h.rooms, conversationID)
	}
}
