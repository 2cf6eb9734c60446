// Package jobs moves badge notifications onto a Redis-backed asynq queue so
// a slow or failing badge consumer never sits on the send path.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"parley/cmd/internal/messaging"

	"github.com/hibiken/asynq"
)

const (
	// TypeNotifyBadge is the task type for one badge notification.
	TypeNotifyBadge = "dm:notify_badge"

	// QueueNotify is the queue badge tasks are enqueued on.
	QueueNotify = "notify"
)

// NotifyBadgePayload is the task body. DedupeKey is the message id.
type NotifyBadgePayload struct {
	RecipientID string                 `json:"recipient_id"`
	Badge       messaging.BadgeSummary `json:"badge"`
	DedupeKey   string                 `json:"dedupe_key"`
}

// NewNotifyBadgeTask encodes a badge task.
func NewNotifyBadgeTask(recipientID string, badge messaging.BadgeSummary) (*asynq.Task, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, errors.New("jobs: empty recipient")
	}
	b, err := json.Marshal(NotifyBadgePayload{
		RecipientID: recipientID,
		Badge:       badge,
		DedupeKey:   badge.MessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: encode payload: %w", err)
	}
	return asynq.NewTask(TypeNotifyBadge, b), nil
}

// DecodeNotifyBadge parses a badge task body.
func DecodeNotifyBadge(t *asynq.Task) (NotifyBadgePayload, error) {
	var p NotifyBadgePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return NotifyBadgePayload{}, fmt.Errorf("jobs: decode payload: %w", err)
	}
	if strings.TrimSpace(p.RecipientID) == "" {
		return NotifyBadgePayload{}, errors.New("jobs: payload missing recipient")
	}
	return p, nil
}
