package repair

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

type applier interface {
	Apply(ctx context.Context, job Job) error
}

// Worker drains the repair queue. A job that keeps failing is dropped after
// maxAttempts receives.
type Worker struct {
	queue       Queue
	applier     applier
	logger      *log.Logger
	interval    time.Duration
	maxAttempts int64
	batch       int
}

func NewWorker(queue Queue, a applier, logger *log.Logger, interval time.Duration, maxAttempts int) *Worker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Worker{queue: queue, applier: a, logger: logger, interval: interval, maxAttempts: int64(maxAttempts), batch: 16}
}

// Run processes jobs until ctx is cancelled. Receive errors are logged and
// retried on the next tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		n, err := w.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Error("receive repair jobs")
		}
		if n == w.batch && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce handles one batch and returns how many messages it received.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := w.queue.Receive(ctx, w.batch)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		w.handle(ctx, msg)
	}
	return len(msgs), nil
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	entry := w.logger.WithFields(log.Fields{"message": msg.ID, "attempt": msg.DequeueCount})
	if msg.Err != nil {
		entry.WithError(msg.Err).Error("dropping malformed repair job")
		w.delete(ctx, msg, entry)
		return
	}
	entry = entry.WithFields(log.Fields{"kind": msg.Job.Kind, "task": msg.Job.TaskID, "project": msg.Job.ProjectID})
	if err := w.applier.Apply(ctx, msg.Job); err != nil {
		if msg.DequeueCount >= w.maxAttempts {
			entry.WithError(err).Error("repair job failed permanently, dropping")
			w.delete(ctx, msg, entry)
			return
		}
		entry.WithError(err).Warn("repair job failed, will retry")
		return
	}
	entry.Info("repair job applied")
	w.delete(ctx, msg, entry)
}

func (w *Worker) delete(ctx context.Context, msg Message, entry *log.Entry) {
	if err := w.queue.Delete(ctx, msg); err != nil {
		entry.WithError(err).Error("delete repair job")
	}
}
