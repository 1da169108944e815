package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/natsflow/internal/runtime/handlers"
	jsoncodec "github.com/drblury/natsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

// acker is the acknowledgement surface of a durable delivery. jetstream.Msg
// satisfies it.
type acker interface {
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
	Metadata() (*jetstream.MsgMetadata, error)
}

// inbound is one message handed to the dispatcher. acker is nil for
// non-durable deliveries.
type inbound struct {
	subject string
	data    []byte
	header  nats.Header
	reply   string
	acker   acker
}

func fromCore(msg *nats.Msg) inbound {
	return inbound{subject: msg.Subject, data: msg.Data, header: msg.Header, reply: msg.Reply}
}

func fromJetStream(msg jetstream.Msg) inbound {
	return inbound{subject: msg.Subject(), data: msg.Data(), header: msg.Headers(), acker: msg}
}

// ReplySender publishes reply envelopes.
type ReplySender func(ctx context.Context, msg *nats.Msg) error

// Dispatcher runs one message through its handler and settles it.
type Dispatcher struct {
	log        loggingpkg.ServiceLogger
	metrics    *Metrics
	send       ReplySender
	maxDeliver int
	nakDelay   time.Duration
}

// NewDispatcher returns a Dispatcher. maxDeliver must match the consumers'
// delivery bound so the final attempt can be recognised.
func NewDispatcher(log loggingpkg.ServiceLogger, metrics *Metrics, send ReplySender, maxDeliver int, nakDelay time.Duration) *Dispatcher {
	return &Dispatcher{
		log:        loggingpkg.OrNop(log).With(loggingpkg.LogFields{"component": "dispatcher"}),
		metrics:    metrics,
		send:       send,
		maxDeliver: maxDeliver,
		nakDelay:   nakDelay,
	}
}

// Dispatch never panics and never returns an error: every failure is
// settled on the message itself and logged.
func (d *Dispatcher) Dispatch(ctx context.Context, reg Registration, in inbound) string {
	start := time.Now()
	durable := in.acker != nil
	md := metadatapkg.FromHeader(in.header)

	replyTo := md.ReplyTo()
	if replyTo == "" && !durable {
		replyTo = in.reply
	}

	delivery := 1
	if durable {
		if meta, err := in.acker.Metadata(); err == nil {
			delivery = int(meta.NumDelivered)
		}
	}

	ctx = extractTrace(ctx, in.header)
	ctx, span := tracer().Start(ctx, "natsflow.dispatch "+reg.Pattern,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", in.subject),
			attribute.String("messaging.message.id", md.MessageID()),
			attribute.Bool("natsflow.durable", durable),
			attribute.Int("natsflow.delivery", delivery),
		),
	)
	defer span.End()

	log := d.log.With(loggingpkg.LogFields{
		"pattern":    reg.Pattern,
		"subject":    in.subject,
		"message_id": md.MessageID(),
		"durable":    durable,
	})

	req := handlerpkg.Request{
		MessageContextBase: handlerpkg.MessageContextBase{Metadata: md, Logger: log},
		Pattern:            reg.Pattern,
		Subject:            in.subject,
		Payload:            in.data,
		Durable:            durable,
		Delivery:           delivery,
	}

	var body []byte
	err := jsoncodec.Check(in.data)
	if err != nil {
		err = &errspkg.SerializationError{Pattern: reg.Pattern, Err: err}
	} else {
		body, err = d.invoke(ctx, reg, req)
	}

	var outcome string
	if err == nil {
		outcome = d.succeed(ctx, log, in, md, replyTo, body)
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome = d.fail(ctx, log, reg, in, md, replyTo, delivery, err)
	}

	span.SetAttributes(attribute.String("natsflow.outcome", outcome))
	d.metrics.recordDispatch(reg.Pattern, durable, outcome, time.Since(start))
	return outcome
}

func (d *Dispatcher) invoke(ctx context.Context, reg Registration, req handlerpkg.Request) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.HandlerError{Pattern: reg.Pattern, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err := reg.Handler(ctx, req)
	if err != nil {
		var serErr *errspkg.SerializationError
		if errors.As(err, &serErr) {
			return nil, err
		}
		return nil, &errspkg.HandlerError{Pattern: reg.Pattern, Err: err}
	}
	body, err = encodeBody(result)
	if err != nil {
		return nil, &errspkg.SerializationError{Pattern: reg.Pattern, Err: err}
	}
	return body, nil
}

func (d *Dispatcher) succeed(ctx context.Context, log loggingpkg.ServiceLogger, in inbound, md metadatapkg.Metadata, replyTo string, body []byte) string {
	outcome := OutcomeHandled
	if replyTo != "" {
		if err := d.reply(ctx, replyTo, md, body, ""); err != nil {
			// The handler already ran; a retry would repeat its side effects.
			log.Error("Failed to publish reply", err, loggingpkg.LogFields{"reply_to": replyTo})
		} else {
			outcome = OutcomeReplied
		}
	}
	if in.acker != nil {
		if err := in.acker.Ack(); err != nil {
			log.Error("Failed to ack message", err, nil)
		}
		outcome = OutcomeAcked
	}
	return outcome
}

func (d *Dispatcher) fail(ctx context.Context, log loggingpkg.ServiceLogger, reg Registration, in inbound, md metadatapkg.Metadata, replyTo string, delivery int, cause error) string {
	fields := loggingpkg.LogFields{"delivery": delivery}

	if in.acker == nil {
		log.Error("Handler failed", cause, fields)
		if replyTo == "" {
			return OutcomeFailed
		}
		if err := d.reply(ctx, replyTo, md, nil, errorText(cause)); err != nil {
			log.Error("Failed to publish error reply", err, loggingpkg.LogFields{"reply_to": replyTo})
			return OutcomeFailed
		}
		return OutcomeErrorReply
	}

	if d.maxDeliver > 0 && delivery >= d.maxDeliver {
		fields["max_deliver"] = d.maxDeliver
		log.Error("Dropping message after final delivery attempt", cause, fields)
		d.metrics.recordTerminalDrop(reg.Pattern)
		if err := in.acker.Term(); err != nil {
			log.Error("Failed to terminate message", err, nil)
		}
		if replyTo != "" {
			if err := d.reply(ctx, replyTo, md, nil, errorText(cause)); err != nil {
				log.Debug("Error reply for dropped message not delivered", loggingpkg.LogFields{"error": err})
			}
		}
		return OutcomeTerminated
	}

	log.Error("Handler failed, message will be redelivered", cause, fields)
	var err error
	if d.nakDelay > 0 {
		err = in.acker.NakWithDelay(d.nakDelay)
	} else {
		err = in.acker.Nak()
	}
	if err != nil {
		log.Error("Failed to nak message", err, nil)
	}
	return OutcomeNacked
}

func (d *Dispatcher) reply(ctx context.Context, replyTo string, md metadatapkg.Metadata, body []byte, errText string) error {
	if d.send == nil {
		return errspkg.ErrNotConnected
	}
	h := nats.Header{}
	if id := md.MessageID(); id != "" {
		h.Set(metadatapkg.HeaderMessageID, id)
	}
	if errText != "" {
		h.Set(metadatapkg.HeaderError, errText)
		body = jsoncodec.Normalize(nil)
	}
	injectTrace(ctx, h)
	return d.send(ctx, &nats.Msg{Subject: replyTo, Data: body, Header: h})
}

// errorText is the message sent back to callers: the handler's own error
// without the transport's wrapping.
func errorText(err error) string {
	var handlerErr *errspkg.HandlerError
	if errors.As(err, &handlerErr) && handlerErr.Err != nil {
		return handlerErr.Err.Error()
	}
	return err.Error()
}

// encodeBody turns a handler result into a JSON body. []byte is passed
// through after a validity check.
func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return jsoncodec.Normalize(nil), nil
	case []byte:
		if err := jsoncodec.Check(b); err != nil {
			return nil, err
		}
		return jsoncodec.Normalize(b), nil
	default:
		return jsoncodec.Marshal(v)
	}
}
