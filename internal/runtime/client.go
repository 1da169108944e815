package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	idspkg "github.com/drblury/natsflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/natsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
	"github.com/drblury/natsflow/internal/runtime/subject"
	transportpkg "github.com/drblury/natsflow/internal/runtime/transport"
)

// Request outcomes recorded by Metrics.
const (
	requestOK            = "ok"
	requestTimeout       = "timeout"
	requestRemoteError   = "remote_error"
	requestConnection    = "connection_error"
	requestSerialization = "serialization_error"
	requestCancelled     = "cancelled"
	requestInvalid       = "invalid"
)

// ClientOptions configures a Client. Only Config is required.
type ClientOptions struct {
	Config configpkg.Config
	Logger loggingpkg.ServiceLogger
	// Connection is usually the server's, so both share one broker
	// connection. When nil the client dials and owns its own.
	Connection *transportpkg.Connection
	// Durable selects the persisted send path. Emit requires it.
	Durable    bool
	Registerer prometheus.Registerer
}

// Client issues correlated requests and emits events.
type Client struct {
	cfg      configpkg.Config
	log      loggingpkg.ServiceLogger
	conn     *transportpkg.Connection
	ownsConn bool
	durable  bool
	metrics  *Metrics
	pending  *pendingTable

	closed       atomic.Bool
	stopListener func()
}

// NewClient validates the configuration and returns a Client. No connection
// is made until the first call.
func NewClient(opts ClientOptions) (*Client, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log := loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"component": "client", "durable": opts.Durable})
	conn := opts.Connection
	owns := false
	if conn == nil {
		conn = transportpkg.NewConnection(transportpkg.OptionsFromConfig(cfg, log))
		owns = true
	}

	metrics := NewMetrics(opts.Registerer)
	if err := metrics.Register(); err != nil {
		log.Error("Failed to register metrics", err, nil)
	}

	c := &Client{
		cfg:      cfg,
		log:      log,
		conn:     conn,
		ownsConn: owns,
		durable:  opts.Durable,
		metrics:  metrics,
		pending:  newPendingTable(),
	}
	c.stopListener = conn.OnClosed(func(err error) {
		if n := c.pending.failAll(err); n > 0 {
			c.log.Info("Failed pending requests after connection loss", loggingpkg.LogFields{"count": n})
		}
	})
	return c, nil
}

// Durable reports whether the client uses the persisted send path.
func (c *Client) Durable() bool {
	return c.durable
}

// Request publishes payload to pattern and waits for exactly one reply. A
// zero timeout uses the configured RequestTimeout. The raw JSON reply body
// is returned. Errors are typed: TimeoutError, ConnectionError,
// SerializationError or RemoteError.
func (c *Client) Request(ctx context.Context, pattern string, payload any, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	start := time.Now()

	body, outcome, err := c.request(ctx, pattern, payload, timeout, timer)
	c.metrics.recordRequest(pattern, outcome, time.Since(start))
	return body, err
}

func (c *Client) request(ctx context.Context, pattern string, payload any, timeout time.Duration, timer *time.Timer) ([]byte, string, error) {
	if c.closed.Load() {
		return nil, requestConnection, &errspkg.ConnectionError{Op: "request", Err: errspkg.ErrClientClosed}
	}
	if err := validateSubject(pattern); err != nil {
		return nil, requestInvalid, err
	}
	data, err := encodePayload(pattern, payload)
	if err != nil {
		return nil, requestSerialization, err
	}

	ctx, span := tracer().Start(ctx, "natsflow.request "+pattern,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", pattern),
			attribute.Bool("natsflow.durable", c.durable),
		),
	)
	defer span.End()
	fail := func(outcome string, err error) ([]byte, string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, outcome, err
	}

	nc, js, err := c.conn.Ensure(ctx)
	if err != nil {
		return fail(requestConnection, err)
	}

	replyTo := idspkg.ReplyAddress(c.cfg.InboxPrefix)
	msgID := idspkg.NewMessageID()
	span.SetAttributes(attribute.String("messaging.message.id", msgID))

	waiting := c.pending.add(replyTo)
	settle := func(res replyResult) ([]byte, string, error) {
		if res.err != nil {
			return fail(requestConnection, res.err)
		}
		if remote := res.msg.Header.Get(metadatapkg.HeaderError); remote != "" {
			return fail(requestRemoteError, &errspkg.RemoteError{Pattern: pattern, Message: remote})
		}
		return res.msg.Data, requestOK, nil
	}
	// abandon gives up on the request unless a reply or failAll already
	// claimed it, in which case that result wins.
	abandon := func(outcome string, err error) ([]byte, string, error) {
		if c.pending.take(replyTo) {
			return fail(outcome, err)
		}
		return settle(<-waiting.done)
	}

	sub, err := nc.Subscribe(replyTo, func(msg *nats.Msg) {
		c.pending.deliver(replyTo, msg)
	})
	if err != nil {
		return abandon(requestConnection, &errspkg.ConnectionError{Op: "subscribe", Err: err})
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := sub.AutoUnsubscribe(1); err != nil {
		return abandon(requestConnection, &errspkg.ConnectionError{Op: "subscribe", Err: err})
	}

	msg := c.envelope(ctx, pattern, data, msgID, metadatapkg.New(metadatapkg.HeaderReplyTo, replyTo))
	if err := c.send(ctx, nc, js, msg, msgID, timeout); err != nil {
		return abandon(requestConnection, err)
	}

	select {
	case res := <-waiting.done:
		return settle(res)
	case <-timer.C:
		return abandon(requestTimeout, &errspkg.TimeoutError{Pattern: pattern, Timeout: timeout})
	case <-ctx.Done():
		return abandon(requestCancelled, ctx.Err())
	}
}

// Emit publishes an event without waiting for a reply. It is only valid on
// the durable send path.
func (c *Client) Emit(ctx context.Context, pattern string, payload any) error {
	data, err := encodePayload(pattern, payload)
	if err != nil {
		return err
	}
	return c.emit(ctx, pattern, data, nil)
}

func (c *Client) emit(ctx context.Context, pattern string, data []byte, md metadatapkg.Metadata) error {
	if !c.durable {
		return errspkg.ErrEmitRequiresDurable
	}
	if c.closed.Load() {
		return &errspkg.ConnectionError{Op: "emit", Err: errspkg.ErrClientClosed}
	}
	if err := validateSubject(pattern); err != nil {
		return err
	}

	ctx, span := tracer().Start(ctx, "natsflow.emit "+pattern, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	nc, js, err := c.conn.Ensure(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	msgID := idspkg.NewMessageID()
	msg := c.envelope(ctx, pattern, data, msgID, md)
	if err := c.send(ctx, nc, js, msg, msgID, c.cfg.RequestTimeout); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// envelope builds the outgoing message. messageId always carries msgID, even
// if md holds a stale one.
func (c *Client) envelope(ctx context.Context, pattern string, data []byte, msgID string, md metadatapkg.Metadata) *nats.Msg {
	h := metadatapkg.ToHeader(md)
	h.Del(metadatapkg.HeaderError)
	h.Set(metadatapkg.HeaderMessageID, msgID)
	if c.durable {
		h.Set(metadatapkg.HeaderBrokerMsgID, msgID)
	}
	injectTrace(ctx, h)
	return &nats.Msg{Subject: pattern, Data: data, Header: h}
}

func (c *Client) send(ctx context.Context, nc *nats.Conn, js jetstream.JetStream, msg *nats.Msg, msgID string, timeout time.Duration) error {
	if !c.durable {
		if err := nc.PublishMsg(msg); err != nil {
			return &errspkg.ConnectionError{Op: "publish", Err: err}
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := js.PublishMsg(pubCtx, msg, jetstream.WithMsgID(msgID)); err != nil {
		return &errspkg.ConnectionError{Op: "publish " + msg.Subject, Err: err}
	}
	return nil
}

// Close fails all pending requests and, when the client dialled its own
// connection, closes it. Further calls fail with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stopListener()
	c.pending.failAll(&errspkg.ConnectionError{Op: "request", Err: errspkg.ErrClientClosed})
	if c.ownsConn {
		c.conn.Close()
	}
	return nil
}

// RequestJSON issues a request and decodes the reply into O.
func RequestJSON[O any](ctx context.Context, c *Client, pattern string, payload any, timeout time.Duration) (O, error) {
	var out O
	body, err := c.Request(ctx, pattern, payload, timeout)
	if err != nil {
		return out, err
	}
	if err := jsoncodec.Unmarshal(body, &out); err != nil {
		return out, &errspkg.SerializationError{Pattern: pattern, Err: err}
	}
	return out, nil
}

// validateSubject rejects patterns that cannot be published to.
func validateSubject(pattern string) error {
	if err := subject.ValidatePattern(pattern); err != nil {
		return err
	}
	if strings.ContainsAny(pattern, "*>") {
		return fmt.Errorf("%w: cannot publish to wildcard %q", errspkg.ErrInvalidPattern, pattern)
	}
	return nil
}

// encodePayload JSON-encodes payload. []byte is sent as is once checked.
func encodePayload(pattern string, payload any) ([]byte, error) {
	data, err := encodeBody(payload)
	if err != nil {
		return nil, &errspkg.SerializationError{Pattern: pattern, Err: err}
	}
	return data, nil
}
