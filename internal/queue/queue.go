// Package queue implements the two named FIFO queues (execute, ai) the
// engine schedules messages on, with delayed delivery via a Redis sorted
// set and immediate delivery via a Redis list, following the teacher's own
// BLPop-based consumption loop.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	Execute Name = "execute"
	AI      Name = "ai"
)

// Name identifies one of the engine's two queues.
type Name string

// MessageType discriminates the three message shapes the processor exchanges.
type MessageType string

const (
	TypeStartRun    MessageType = "StartRun"
	TypeExecuteStep MessageType = "ExecuteStep"
	TypeCompleteRun MessageType = "CompleteRun"
)

// Message is the envelope enqueued and dequeued on either named queue.
type Message struct {
	Type       MessageType `json:"type"`
	RunID      string      `json:"runId"`
	WorkflowID string      `json:"workflowId"`
	StepIndex  int         `json:"stepIndex,omitempty"`
	StepID     string      `json:"stepId,omitempty"`
	Attempt    int         `json:"attempt,omitempty"`
	Status     string      `json:"status,omitempty"`
}

// Broker is the interface the run processor depends on; satisfied by
// RedisBroker in production and by an in-memory fake in tests.
type Broker interface {
	Enqueue(ctx context.Context, queue Name, msg Message, delay time.Duration) error
	Dequeue(ctx context.Context, queue Name, wait time.Duration) (*Message, error)
}

func readyKey(queue Name) string      { return "queue:" + string(queue) + ":ready" }
func scheduledKey(queue Name) string  { return "queue:" + string(queue) + ":scheduled" }

// RedisBroker delivers messages no earlier than now+delay: delay=0 pushes
// straight onto a list (preserving per-producer enqueue order); delay>0
// schedules into a sorted set keyed by due-time, promoted into the ready
// list by a background poller. The broker itself never retries a failed
// delivery (attempts=1) — the engine owns retries end-to-end via the
// attempt counter on ExecuteStep.
type RedisBroker struct {
	client       redis.UniversalClient
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewRedisBroker(client redis.UniversalClient, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{
		client:       client,
		logger:       logger.With("module", "queue"),
		pollInterval: 200 * time.Millisecond,
	}
}

func (b *RedisBroker) Enqueue(ctx context.Context, queue Name, msg Message, delay time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	if delay <= 0 {
		return b.client.RPush(ctx, readyKey(queue), payload).Err()
	}

	dueAt := float64(time.Now().Add(delay).UnixMilli())

	return b.client.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: dueAt, Member: payload}).Err()
}

// Dequeue blocks up to wait for a ready message, BLPop-style.
func (b *RedisBroker) Dequeue(ctx context.Context, queue Name, wait time.Duration) (*Message, error) {
	result, err := b.client.BLPop(ctx, wait, readyKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}

	return &msg, nil
}

// RunScheduler promotes due scheduled messages on every queue into their
// ready list until ctx is cancelled. One instance runs per worker process.
func (b *RedisBroker) RunScheduler(ctx context.Context, queues ...Name) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				if err := b.promoteDue(ctx, q); err != nil {
					b.logger.ErrorContext(ctx, "promote scheduled messages failed", "queue", q, "error", err)
				}
			}
		}
	}
}

func (b *RedisBroker) promoteDue(ctx context.Context, queue Name) error {
	now := float64(time.Now().UnixMilli())

	due, err := b.client.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}

	for _, payload := range due {
		removed, err := b.client.ZRem(ctx, scheduledKey(queue), payload).Result()
		if err != nil {
			return err
		}

		if removed == 0 {
			continue // another worker already claimed this one
		}

		if err := b.client.RPush(ctx, readyKey(queue), payload).Err(); err != nil {
			return err
		}
	}

	return nil
}
