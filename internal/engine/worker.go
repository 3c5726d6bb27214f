package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowforge/enginecore/internal/queue"
)

const dequeueWait = 5 * time.Second

// Worker polls both named queues and dispatches each message to the
// Processor, grounded on the teacher's BLPop-driven queue trigger loop
// (pkg/triggers/queue) generalized from one queue to the engine's two.
type Worker struct {
	id        string
	broker    queue.Broker
	processor *Processor
	logger    *slog.Logger
}

func NewWorker(id string, broker queue.Broker, processor *Processor, logger *slog.Logger) *Worker {
	return &Worker{
		id:        id,
		broker:    broker,
		processor: processor,
		logger:    logger.With("module", "worker", "workerId", id),
	}
}

// Run polls queueName until ctx is cancelled, dispatching every dequeued
// message to the processor and logging, not propagating, handler errors —
// a single bad message must not stop the poll loop.
func (w *Worker) Run(ctx context.Context, queueName queue.Name) {
	w.logger.InfoContext(ctx, "worker loop starting", "queue", queueName)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker loop stopping", "queue", queueName)

			return
		default:
		}

		msg, err := w.broker.Dequeue(ctx, queueName, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			w.logger.ErrorContext(ctx, "dequeue failed", "queue", queueName, "error", err)

			continue
		}

		if msg == nil {
			continue
		}

		w.dispatch(ctx, queueName, *msg)
	}
}

func (w *Worker) dispatch(ctx context.Context, queueName queue.Name, msg queue.Message) {
	var err error

	switch msg.Type {
	case queue.TypeStartRun:
		err = w.processor.OnStartRun(ctx, msg)
	case queue.TypeExecuteStep:
		err = w.processor.OnExecuteStep(ctx, queueName, msg)
	default:
		w.logger.WarnContext(ctx, "unknown message type", "type", msg.Type, "runId", msg.RunID)

		return
	}

	if err != nil {
		w.logger.ErrorContext(ctx, "message handling failed", "type", msg.Type, "runId", msg.RunID, "queue", queueName, "error", err)
	}
}
