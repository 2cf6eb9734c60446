package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/cmd/internal/messaging"

	"github.com/hibiken/asynq"
)

// enqueuer is the subset of *asynq.Client used here.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueNotifier is a messaging.Notifier that enqueues badge tasks.
type QueueNotifier struct {
	log    *slog.Logger
	client enqueuer

	maxRetry  int
	uniqueTTL time.Duration
}

// NewQueueNotifier connects an asynq client to redisURL.
func NewQueueNotifier(log *slog.Logger, redisURL string) (*QueueNotifier, error) {
	if redisURL == "" {
		return nil, errors.New("jobs: redis url is required")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("jobs: parse redis url: %w", err)
	}
	return newQueueNotifier(log, asynq.NewClient(opt)), nil
}

func newQueueNotifier(log *slog.Logger, client enqueuer) *QueueNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &QueueNotifier{
		log:       log,
		client:    client,
		maxRetry:  2,
		uniqueTTL: 5 * time.Second,
	}
}

var _ messaging.Notifier = (*QueueNotifier)(nil)

// Notify implements messaging.Notifier.
func (n *QueueNotifier) Notify(ctx context.Context, recipientID string, badge messaging.BadgeSummary) error {
	task, err := NewNotifyBadgeTask(recipientID, badge)
	if err != nil {
		return err
	}

	info, err := n.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueNotify),
		asynq.MaxRetry(n.maxRetry),
		asynq.Unique(n.uniqueTTL),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jobs: enqueue %s: %w", TypeNotifyBadge, err)
	}

	n.log.Debug("jobs.enqueue.ok", "task_id", info.ID, "type", TypeNotifyBadge, "recipient_id", recipientID)
	return nil
}

// Close releases the client connection.
func (n *QueueNotifier) Close() error {
	return n.client.Close()
}
