package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Publisher wraps a watermill message.Publisher, publishing every event to
// the single Topic with EventTypeMetadataKey set for routing, the same
// shape as the teacher's WatermillEventBus.Publish — generalized to fire-
// and-forget (the processor never waits on or retries a publish failure).
type Publisher struct {
	publisher message.Publisher
	logger    *slog.Logger
}

func NewPublisher(pub message.Publisher, logger *slog.Logger) *Publisher {
	return &Publisher{publisher: pub, logger: logger.With("module", "events")}
}

func (p *Publisher) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(EventTypeMetadataKey, string(event.GetType()))

	return p.publisher.Publish(Topic, msg)
}

// PublishBestEffort publishes event and logs, rather than returns, any
// failure — the shape every call site in the run processor uses, since a
// lost domain event must never fail or retry a run.
func (p *Publisher) PublishBestEffort(ctx context.Context, key string, event Event) {
	if err := p.Publish(ctx, key, event); err != nil {
		p.logger.WarnContext(ctx, "publish event failed", "eventType", event.GetType(), "key", key, "error", err)
	}
}
