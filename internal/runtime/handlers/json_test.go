package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

type createOrder struct {
	ID int `json:"id"`
}

type orderCreated struct {
	OK bool `json:"ok"`
	ID int  `json:"id"`
}

func TestJSONHandlerDecodesPayload(t *testing.T) {
	h := JSONHandler(func(ctx context.Context, in createOrder) (orderCreated, error) {
		return orderCreated{OK: true, ID: in.ID}, nil
	})

	out, err := h(context.Background(), Request{Pattern: "orders.create", Payload: []byte(`{"id":42}`)})
	require.NoError(t, err)
	assert.Equal(t, orderCreated{OK: true, ID: 42}, out)
}

func TestJSONHandlerPointerPayload(t *testing.T) {
	h := JSONHandler(func(ctx context.Context, in *createOrder) (*orderCreated, error) {
		require.NotNil(t, in)
		return &orderCreated{OK: true, ID: in.ID}, nil
	})

	out, err := h(context.Background(), Request{Payload: []byte(`{"id":7}`)})
	require.NoError(t, err)
	assert.Equal(t, &orderCreated{OK: true, ID: 7}, out)
}

func TestJSONHandlerEmptyPayloadDecodesAsNull(t *testing.T) {
	h := JSONHandler(func(ctx context.Context, in map[string]any) (map[string]bool, error) {
		assert.Nil(t, in)
		return map[string]bool{"pong": true}, nil
	})

	out, err := h(context.Background(), Request{Payload: nil})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"pong": true}, out)
}

func TestJSONHandlerReportsSerializationError(t *testing.T) {
	called := false
	h := JSONHandler(func(ctx context.Context, in createOrder) (orderCreated, error) {
		called = true
		return orderCreated{}, nil
	})

	_, err := h(context.Background(), Request{Pattern: "orders.create", Payload: []byte(`{"id":"nope"`)})
	require.Error(t, err)
	var serErr *errspkg.SerializationError
	require.True(t, errors.As(err, &serErr))
	assert.Equal(t, "orders.create", serErr.Pattern)
	assert.False(t, called)
}

func TestJSONHandlerPropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	h := JSONHandler(func(ctx context.Context, in createOrder) (orderCreated, error) {
		return orderCreated{}, boom
	})

	out, err := h(context.Background(), Request{Payload: []byte(`{}`)})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, boom)
}

func TestJSONContextHandlerSeesHeaders(t *testing.T) {
	h := JSONContextHandler(func(ctx context.Context, msg JSONMessageContext[createOrder]) (string, error) {
		assert.Equal(t, 3, msg.Payload.ID)
		assert.Equal(t, "orders.create", msg.Pattern)
		assert.Equal(t, "orders.create", msg.Subject)
		assert.Equal(t, 2, msg.Delivery)
		return msg.MessageID(), nil
	})

	out, err := h(context.Background(), Request{
		MessageContextBase: MessageContextBase{Metadata: metadatapkg.New(metadatapkg.HeaderMessageID, "m-1")},
		Pattern:            "orders.create",
		Subject:            "orders.create",
		Payload:            []byte(`{"id":3}`),
		Durable:            true,
		Delivery:           2,
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", out)
}

func TestNilFunctionsYieldNilHandlers(t *testing.T) {
	assert.Nil(t, JSONHandler[createOrder, orderCreated](nil))
	assert.Nil(t, JSONContextHandler[createOrder, orderCreated](nil))
}

func TestRequestDecode(t *testing.T) {
	var v createOrder
	require.NoError(t, Request{Payload: []byte(`{"id":9}`)}.Decode(&v))
	assert.Equal(t, 9, v.ID)

	err := Request{Pattern: "p", Payload: []byte(`[`)}.Decode(&v)
	var serErr *errspkg.SerializationError
	assert.True(t, errors.As(err, &serErr))
}
