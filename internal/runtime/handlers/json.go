package handlers

import (
	"context"
)

// JSONMessageContext exposes the decoded payload next to the request headers.
type JSONMessageContext[T any] struct {
	MessageContextBase

	Payload  T
	Pattern  string
	Subject  string
	Delivery int
}

// JSONMessageHandler processes a decoded payload and returns the reply value.
type JSONMessageHandler[T any, O any] func(ctx context.Context, msg JSONMessageContext[T]) (O, error)

// JSONHandler adapts a typed function into a Func. The payload is decoded into
// T; a decode failure is reported as a SerializationError and never reaches fn.
func JSONHandler[T any, O any](fn func(ctx context.Context, in T) (O, error)) Func {
	if fn == nil {
		return nil
	}
	return JSONContextHandler(func(ctx context.Context, msg JSONMessageContext[T]) (O, error) {
		return fn(ctx, msg.Payload)
	})
}

// JSONContextHandler is JSONHandler for functions that also need headers,
// the logger or the delivery attempt.
func JSONContextHandler[T any, O any](fn JSONMessageHandler[T, O]) Func {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, req Request) (any, error) {
		var in T
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		out, err := fn(ctx, JSONMessageContext[T]{
			MessageContextBase: req.MessageContextBase,
			Payload:            in,
			Pattern:            req.Pattern,
			Subject:            req.Subject,
			Delivery:           req.Delivery,
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
