package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"parley/cmd/internal/messaging"

	"github.com/hibiken/asynq"
)

// Worker consumes badge tasks and hands them to a delivering Notifier
// (normally messaging.PushNotifier).
type Worker struct {
	log     *slog.Logger
	target  messaging.Notifier
	server  *asynq.Server
	mux     *asynq.ServeMux
	started bool
}

// WorkerConfig tunes the asynq server.
type WorkerConfig struct {
	RedisURL    string
	Concurrency int
	// Queues is a CSV like "notify=3,default=1".
	Queues string
}

// NewWorker builds a worker. target must not be a QueueNotifier.
func NewWorker(log *slog.Logger, cfg WorkerConfig, target messaging.Notifier) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	if target == nil {
		return nil, errors.New("jobs: nil target notifier")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("jobs: redis url is required")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("jobs: parse redis url: %w", err)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	queues := map[string]int{QueueNotify: 1}
	if parsed := parseQueueWeights(cfg.Queues); len(parsed) > 0 {
		queues = parsed
	}

	w := &Worker{log: log, target: target, mux: asynq.NewServeMux()}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Warn("jobs.task.fail", "type", task.Type(), "err", err)
		}),
	})
	w.mux.HandleFunc(TypeNotifyBadge, w.HandleNotifyBadge)
	return w, nil
}

// HandleNotifyBadge delivers one badge task.
func (w *Worker) HandleNotifyBadge(ctx context.Context, t *asynq.Task) error {
	p, err := DecodeNotifyBadge(t)
	if err != nil {
		// Malformed payloads never succeed on retry.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.target.Notify(ctx, p.RecipientID, p.Badge)
}

// Start begins consuming in the background.
func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.started = true
	w.log.Info("jobs.worker.start", "queue", QueueNotify)
	return nil
}

// Shutdown stops fetching and waits for active tasks.
func (w *Worker) Shutdown() {
	if !w.started {
		return
	}
	w.server.Shutdown()
	w.log.Info("jobs.worker.stop")
}

// parseQueueWeights parses strings like "notify=6,default=1" into a map.
func parseQueueWeights(s string) map[string]int {
	res := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		name := strings.TrimSpace(kv[0])
		if name == "" {
			continue
		}
		w := 1
		if len(kv) == 2 {
			if i, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil && i > 0 {
				w = i
			}
		}
		res[name] = w
	}
	return res
}
