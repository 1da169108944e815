package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/natsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

// EventPublisher is a Watermill publisher that emits every message durably
// through a Client. The topic is the subject; metadata becomes headers.
type EventPublisher struct {
	client *Client
	logger watermill.LoggerAdapter
}

var _ message.Publisher = (*EventPublisher)(nil)

// NewEventPublisher wraps a durable client.
func NewEventPublisher(client *Client) (*EventPublisher, error) {
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if !client.Durable() {
		return nil, errspkg.ErrEmitRequiresDurable
	}
	return &EventPublisher{
		client: client,
		logger: loggingpkg.NewWatermillAdapter(client.log).With(watermill.LogFields{"component": "event_publisher"}),
	}, nil
}

// Publish emits the messages in order and stops at the first failure.
// Payloads must already be JSON.
func (p *EventPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		fields := watermill.LogFields{"topic": topic, "message_uuid": msg.UUID}
		if err := p.publish(topic, msg); err != nil {
			p.logger.Error("Failed to publish message", err, fields)
			return err
		}
		p.logger.Trace("Message published", fields)
	}
	return nil
}

func (p *EventPublisher) publish(topic string, msg *message.Message) error {
	if err := jsoncodec.Check(msg.Payload); err != nil {
		return &errspkg.SerializationError{Pattern: topic, Err: fmt.Errorf("message %s: %w", msg.UUID, err)}
	}
	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return p.client.emit(ctx, topic, jsoncodec.Normalize(msg.Payload), metadatapkg.FromWatermill(msg.Metadata))
}

// Close is a no-op; the underlying client is owned by the caller.
func (p *EventPublisher) Close() error {
	return nil
}
