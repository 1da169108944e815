/*
Package runtime implements the request/reply and event transport on top of
NATS core and JetStream.

# Architecture Overview

A Server exposes handlers registered against subject patterns. Each
registration picks a delivery contract:

  - durable: messages are persisted in the service stream, pulled one at a
    time per pattern, acknowledged on success and redelivered on failure up
    to MaxDeliver attempts. The final failed attempt is terminated and logged.
  - non-durable: messages are load balanced over a queue group shared by all
    replicas of the service, with no persistence and no retry. Failures are
    answered with an error reply when the caller asked for one.

A Client issues correlated requests (one transient reply subscription per
call, raced against a timeout) and emits durable events.

# Package Structure

## Server (server.go)

Lifecycle Created → Connecting → Provisioning → Running → Closing → Closed.
Start provisions the stream and consumers, starts one consume loop per
durable pattern and one supervised queue subscription per non-durable
pattern. Provisioning failures are fatal.

## Dispatcher (dispatcher.go)

Runs a single message through its handler: payload check, panic recovery,
reply publication, ack/nak/term for durable messages and error replies for
non-durable ones.

## Client (client.go, pending.go)

Request/reply correlation keyed by reply address. Each pending entry is
removed exactly once by whichever of reply, timeout, cancellation or
connection loss happens first.

## Observability (metrics.go, tracing.go, ops.go)

Prometheus collectors, OpenTelemetry spans with W3C context propagated in
NATS headers, and a chi router serving /metrics, /healthz and /handlers.

## Publishing (publisher.go)

EventPublisher adapts a durable Client to Watermill's message.Publisher.

# Sub-packages

  - config/: configuration, defaults, validation, env loading
  - errors/: sentinel errors and the typed error taxonomy
  - handlers/: handler contract and typed JSON adapters
  - ids/: message ids and reply tokens
  - jsoncodec/: JSON codec
  - logging/: logger interface and adapters
  - metadata/: envelope headers
  - provision/: stream and consumer provisioning
  - subject/: pattern validation, overlap checks and naming
  - transport/: the shared broker connection

# Usage Example

	srv, _ := natsflow.NewServer(natsflow.ServerOptions{Config: cfg, Logger: logger})
	srv.Handle("orders.create", natsflow.JSONHandler(createOrder), true)
	srv.Handle("health.ping", natsflow.JSONHandler(ping), false)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	client, _ := natsflow.NewClient(natsflow.ClientOptions{Config: cfg, Connection: srv.Connection(), Durable: true})
	reply, err := natsflow.RequestJSON[OrderCreated](ctx, client, "orders.create", CreateOrder{ID: 1}, 2*time.Second)
*/
package runtime
