package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

func TestNewEventPublisherRequiresDurableClient(t *testing.T) {
	_, err := NewEventPublisher(nil)
	assert.ErrorIs(t, err, errspkg.ErrClientRequired)

	env := newTestEnv(t, "pub-svc")
	_, err = NewEventPublisher(env.newClient(t, nil, false))
	assert.ErrorIs(t, err, errspkg.ErrEmitRequiresDurable)
}

func TestEventPublisherEmitsToDurableHandler(t *testing.T) {
	env := newTestEnv(t, "pub-svc")
	received := make(chan Request, 2)

	srv := env.startServer(t, Registration{
		Pattern: "orders.created",
		Durable: true,
		Handler: func(_ context.Context, req Request) (any, error) {
			received <- req
			return nil, nil
		},
	})

	publisher, err := NewEventPublisher(env.newClient(t, srv.Connection(), true))
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"id":9}`))
	msg.Metadata.Set("tenant", "acme")
	msg.Metadata.Set(metadatapkg.HeaderMessageID, "stale-id")
	require.NoError(t, publisher.Publish("orders.created", msg))

	select {
	case req := <-received:
		assert.JSONEq(t, `{"id":9}`, string(req.Payload))
		assert.Equal(t, "acme", req.Get("tenant"))
		assert.NotEmpty(t, req.MessageID())
		assert.NotEqual(t, "stale-id", req.MessageID())
		assert.Empty(t, req.ReplyTo())
		assert.True(t, req.Durable)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
	assert.NoError(t, publisher.Close())
}

func TestEventPublisherRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t, "pub-svc")
	publisher, err := NewEventPublisher(env.newClient(t, nil, true))
	require.NoError(t, err)

	err = publisher.Publish("orders.created", message.NewMessage(watermill.NewUUID(), []byte("not json")))

	var serErr *errspkg.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, "orders.created", serErr.Pattern)
}

func TestEventPublisherLogsThroughClientLogger(t *testing.T) {
	env := newTestEnv(t, "pub-svc")
	capture := watermill.NewCaptureLogger()

	client, err := NewClient(ClientOptions{
		Config:     env.cfg,
		Logger:     loggingpkg.NewWatermillServiceLogger(capture),
		Durable:    true,
		Registerer: env.registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	publisher, err := NewEventPublisher(client)
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), []byte("not json"))
	require.Error(t, publisher.Publish("orders.created", msg))

	var logged *watermill.CapturedMessage
	for _, entry := range capture.Captured()[watermill.ErrorLogLevel] {
		if entry.Msg == "Failed to publish message" {
			logged = &entry
			break
		}
	}
	require.NotNil(t, logged, "publish failure was not logged")
	assert.Equal(t, "orders.created", logged.Fields["topic"])
	assert.Equal(t, msg.UUID, logged.Fields["message_uuid"])
	assert.Equal(t, "event_publisher", logged.Fields["component"])

	var serErr *errspkg.SerializationError
	assert.ErrorAs(t, logged.Err, &serErr)
}
