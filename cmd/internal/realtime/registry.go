package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"parley/cmd/internal/metrics"
	v1 "parley/shared/contracts/realtime/v1"
)

// Registry maps users to their live sessions in this process.
//
// A user may hold any number of sessions. Pushes never block: a session whose
// queue is full misses the frame.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	byUser map[string]map[string]*Client
}

// NewRegistry constructs an empty registry. m may be nil.
func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		metrics: m,
		byUser:  make(map[string]map[string]*Client),
	}
}

// Bind attaches client to userID.
func (r *Registry) Bind(userID string, client *Client) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("realtime: bind requires a user id")
	}
	if client == nil || client.SessionID == "" {
		return errors.New("realtime: bind requires a client with a session id")
	}
	if client.UserID != "" && client.UserID != userID {
		return errors.New("realtime: client belongs to another user")
	}
	client.UserID = userID

	r.mu.Lock()
	sessions, ok := r.byUser[userID]
	if !ok {
		sessions = make(map[string]*Client)
		r.byUser[userID] = sessions
	}
	_, existed := sessions[client.SessionID]
	sessions[client.SessionID] = client
	r.mu.Unlock()

	if !existed {
		r.metrics.SessionOpened()
	}
	r.log.Info("registry.bind", "user_id", userID, "session_id", client.SessionID)
	return nil
}

// Unbind detaches client. Unknown clients are ignored.
func (r *Registry) Unbind(client *Client) {
	if client == nil {
		return
	}

	r.mu.Lock()
	sessions := r.byUser[client.UserID]
	_, ok := sessions[client.SessionID]
	if ok {
		delete(sessions, client.SessionID)
		if len(sessions) == 0 {
			delete(r.byUser, client.UserID)
		}
	}
	r.mu.Unlock()

	if ok {
		r.metrics.SessionClosed()
		r.log.Info("registry.unbind", "user_id", client.UserID, "session_id", client.SessionID)
	}
}

// SessionsFor returns the live sessions of userID ordered by session id.
func (r *Registry) SessionsFor(userID string) []*Client {
	r.mu.RLock()
	sessions := r.byUser[userID]
	out := make([]*Client, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Online reports whether userID has at least one session.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of bound sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sessions := range r.byUser {
		n += len(sessions)
	}
	return n
}

// PushToUser offers env to every session of userID and returns how many
// accepted it.
func (r *Registry) PushToUser(_ context.Context, userID string, env v1.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, c := range r.byUser[userID] {
		if c.Offer(env) {
			delivered++
		}
	}
	return delivered
}
