// Package handlers defines the handler contract invoked by the dispatcher and
// typed JSON adapters on top of it.
package handlers

import (
	"context"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/natsflow/internal/runtime/jsoncodec"
)

// Request is one inbound message as seen by a handler.
type Request struct {
	MessageContextBase

	// Pattern is the registered pattern that matched.
	Pattern string
	// Subject is the concrete subject the message was published to.
	Subject string
	// Payload is the raw JSON body.
	Payload []byte
	Durable bool
	// Delivery is the 1-based delivery attempt. Always 1 for non-durable messages.
	Delivery int
}

// Decode unmarshals the payload into v.
func (r Request) Decode(v any) error {
	if err := jsoncodec.Unmarshal(r.Payload, v); err != nil {
		return &errspkg.SerializationError{Pattern: r.Pattern, Err: err}
	}
	return nil
}

// Func handles a request. The returned value is JSON encoded and sent as the
// reply when the sender asked for one. A []byte result is sent as is and must
// already be JSON.
type Func func(ctx context.Context, req Request) (any, error)
