// Package natsflow is a request/reply and event transport on top of NATS and
// JetStream. It lets independently deployed services call each other through
// the broker instead of direct network calls.
//
// A Server exposes handlers registered by subject pattern. Each registration
// picks one of two delivery contracts:
//   - durable: the pattern is captured by the service's JetStream stream and
//     consumed through its own durable consumer. Messages are acknowledged on
//     success and redelivered on failure, up to Config.MaxDeliver attempts.
//   - non-durable: the pattern is served by a core NATS queue subscription
//     shared by every replica of the service. Exactly one replica receives
//     each message; nothing is persisted or retried.
//
// At startup the server provisions exactly one stream named
// "<StreamName>-durable" whose subjects are the durable patterns. Streams left
// behind by earlier deployments that would capture any registered pattern
// are deleted before the new stream is created, so no message is silently
// swallowed by a stale stream.
//
// A Client issues correlated requests (Request, RequestJSON) and emits
// events (Emit). Payloads and replies are JSON; the reply address and a
// fresh message id travel in the "replyTo" and "messageId" headers. A client
// built on the durable send path publishes through JetStream with broker
// side deduplication.
//
// A minimal service fills a Config, creates a Server, registers handlers
// with JSONHandler, and calls Run. See examples/orders for a runnable setup
// with an embedded broker.
package natsflow
