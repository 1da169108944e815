package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
)

type fakeAcker struct {
	delivered uint64
	acks      int
	naks      int
	nakDelay  time.Duration
	terms     int
}

func (a *fakeAcker) Ack() error {
	a.acks++
	return nil
}

func (a *fakeAcker) Nak() error {
	a.naks++
	return nil
}

func (a *fakeAcker) NakWithDelay(d time.Duration) error {
	a.naks++
	a.nakDelay = d
	return nil
}

func (a *fakeAcker) Term() error {
	a.terms++
	return nil
}

func (a *fakeAcker) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: a.delivered}, nil
}

type sentReplies struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (s *sentReplies) send(_ context.Context, msg *nats.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *sentReplies) all() []*nats.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*nats.Msg(nil), s.msgs...)
}

func newTestDispatcher(nakDelay time.Duration) (*Dispatcher, *sentReplies, *Metrics) {
	replies := &sentReplies{}
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewDispatcher(nil, metrics, replies.send, 3, nakDelay), replies, metrics
}

func envelopeHeader(replyTo string) nats.Header {
	h := nats.Header{}
	h.Set(metadatapkg.HeaderMessageID, "01J0000000000000000000TEST")
	if replyTo != "" {
		h.Set(metadatapkg.HeaderReplyTo, replyTo)
	}
	return h
}

func echo(_ context.Context, req Request) (any, error) {
	return req.Payload, nil
}

func failing(_ context.Context, _ Request) (any, error) {
	return nil, errors.New("inventory unavailable")
}

func TestDispatchDurableSuccessAcksAndReplies(t *testing.T) {
	d, replies, metrics := newTestDispatcher(0)
	ack := &fakeAcker{delivered: 1}

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "orders.create", Handler: echo, Durable: true}, inbound{
		subject: "orders.create",
		data:    []byte(`{"id":42}`),
		header:  envelopeHeader("_INBOX.abc"),
		acker:   ack,
	})

	assert.Equal(t, OutcomeAcked, outcome)
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.naks)

	sent := replies.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "_INBOX.abc", sent[0].Subject)
	assert.JSONEq(t, `{"id":42}`, string(sent[0].Data))
	assert.Equal(t, "01J0000000000000000000TEST", sent[0].Header.Get(metadatapkg.HeaderMessageID))
	assert.Empty(t, sent[0].Header.Get(metadatapkg.HeaderError))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatchTotal.WithLabelValues("orders.create", "durable", OutcomeAcked)))
}

func TestDispatchDurableEventAcksWithoutReply(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)
	ack := &fakeAcker{delivered: 1}

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "orders.created", Handler: echo, Durable: true}, inbound{
		subject: "orders.created",
		data:    []byte(`{}`),
		header:  envelopeHeader(""),
		acker:   ack,
	})

	assert.Equal(t, OutcomeAcked, outcome)
	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, replies.all())
}

func TestDispatchDurableFailureNaksBeforeFinalAttempt(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)
	ack := &fakeAcker{delivered: 1}

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "orders.create", Handler: failing, Durable: true}, inbound{
		subject: "orders.create",
		data:    []byte(`{}`),
		header:  envelopeHeader("_INBOX.abc"),
		acker:   ack,
	})

	assert.Equal(t, OutcomeNacked, outcome)
	assert.Equal(t, 1, ack.naks)
	assert.Zero(t, ack.terms)
	assert.Zero(t, ack.acks)
	assert.Empty(t, replies.all(), "no reply while retries remain")
}

func TestDispatchDurableFailureUsesNakDelay(t *testing.T) {
	d, _, _ := newTestDispatcher(250 * time.Millisecond)
	ack := &fakeAcker{delivered: 2}

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "orders.create", Handler: failing, Durable: true}, inbound{
		subject: "orders.create",
		data:    []byte(`{}`),
		acker:   ack,
	})

	assert.Equal(t, OutcomeNacked, outcome)
	assert.Equal(t, 250*time.Millisecond, ack.nakDelay)
}

func TestDispatchDurableFinalAttemptTerminates(t *testing.T) {
	d, replies, metrics := newTestDispatcher(0)
	ack := &fakeAcker{delivered: 3}

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "orders.create", Handler: failing, Durable: true}, inbound{
		subject: "orders.create",
		data:    []byte(`{}`),
		header:  envelopeHeader("_INBOX.abc"),
		acker:   ack,
	})

	assert.Equal(t, OutcomeTerminated, outcome)
	assert.Equal(t, 1, ack.terms)
	assert.Zero(t, ack.naks)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.terminalDrops.WithLabelValues("orders.create")))

	sent := replies.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "inventory unavailable", sent[0].Header.Get(metadatapkg.HeaderError))
	assert.Equal(t, "null", string(sent[0].Data))
}

func TestDispatchNonDurableErrorReply(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "health.ping", Handler: failing}, inbound{
		subject: "health.ping",
		data:    []byte(`{}`),
		header:  envelopeHeader("_INBOX.xyz"),
	})

	assert.Equal(t, OutcomeErrorReply, outcome)
	sent := replies.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "_INBOX.xyz", sent[0].Subject)
	assert.Equal(t, "inventory unavailable", sent[0].Header.Get(metadatapkg.HeaderError))
}

func TestDispatchNonDurableFailureWithoutReplyIsDropped(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "health.ping", Handler: failing}, inbound{
		subject: "health.ping",
		data:    []byte(`{}`),
	})

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, replies.all())
}

func TestDispatchNonDurableFallsBackToMsgReply(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "health.ping", Handler: echo}, inbound{
		subject: "health.ping",
		data:    []byte(`"ping"`),
		reply:   "_INBOX.core",
	})

	assert.Equal(t, OutcomeReplied, outcome)
	sent := replies.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "_INBOX.core", sent[0].Subject)
	assert.Equal(t, `"ping"`, string(sent[0].Data))
}

func TestDispatchNonDurableWithoutReplyIsHandled(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "health.ping", Handler: echo}, inbound{
		subject: "health.ping",
		data:    []byte(`{}`),
	})

	assert.Equal(t, OutcomeHandled, outcome)
	assert.Empty(t, replies.all())
}

func TestDispatchRecoversPanics(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)
	ack := &fakeAcker{delivered: 1}

	panicking := func(context.Context, Request) (any, error) {
		panic("boom")
	}

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "orders.create", Handler: panicking, Durable: true}, inbound{
		subject: "orders.create",
		data:    []byte(`{}`),
		acker:   ack,
	})
	assert.Equal(t, OutcomeNacked, outcome)
	assert.Equal(t, 1, ack.naks)

	outcome = d.Dispatch(context.Background(), Registration{Pattern: "health.ping", Handler: panicking}, inbound{
		subject: "health.ping",
		data:    []byte(`{}`),
		header:  envelopeHeader("_INBOX.p"),
	})
	assert.Equal(t, OutcomeErrorReply, outcome)
	sent := replies.all()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Header.Get(metadatapkg.HeaderError), "panic: boom")
}

func TestDispatchRejectsInvalidJSONWithoutCallingHandler(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)
	called := false
	handler := func(context.Context, Request) (any, error) {
		called = true
		return nil, nil
	}

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "health.ping", Handler: handler}, inbound{
		subject: "health.ping",
		data:    []byte(`{not json`),
		header:  envelopeHeader("_INBOX.bad"),
	})

	assert.False(t, called)
	assert.Equal(t, OutcomeErrorReply, outcome)
	sent := replies.all()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Header.Get(metadatapkg.HeaderError), "serialization failed")
}

func TestDispatchUnencodableResultIsSerializationFailure(t *testing.T) {
	d, replies, _ := newTestDispatcher(0)
	handler := func(context.Context, Request) (any, error) {
		return []byte(`{broken`), nil
	}

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "health.ping", Handler: handler}, inbound{
		subject: "health.ping",
		data:    []byte(`{}`),
		header:  envelopeHeader("_INBOX.enc"),
	})

	assert.Equal(t, OutcomeErrorReply, outcome)
	require.Len(t, replies.all(), 1)
}

func TestDispatchPassesRequestDetails(t *testing.T) {
	d, _, _ := newTestDispatcher(0)
	var got Request
	handler := func(_ context.Context, req Request) (any, error) {
		got = req
		return nil, nil
	}

	d.Dispatch(context.Background(), Registration{Pattern: "orders.*", Handler: handler, Durable: true}, inbound{
		subject: "orders.create",
		data:    []byte(`{"id":1}`),
		header:  envelopeHeader("_INBOX.r"),
		acker:   &fakeAcker{delivered: 2},
	})

	assert.Equal(t, "orders.*", got.Pattern)
	assert.Equal(t, "orders.create", got.Subject)
	assert.True(t, got.Durable)
	assert.Equal(t, 2, got.Delivery)
	assert.Equal(t, "_INBOX.r", got.ReplyTo())
	assert.Equal(t, "01J0000000000000000000TEST", got.MessageID())
	assert.NotNil(t, got.Logger)
}

func TestDispatchWithoutSenderLogsReplyFailure(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, 3, 0)

	outcome := d.Dispatch(context.Background(), Registration{Pattern: "health.ping", Handler: echo}, inbound{
		subject: "health.ping",
		data:    []byte(`{}`),
		header:  envelopeHeader("_INBOX.none"),
	})

	assert.Equal(t, OutcomeHandled, outcome)
}

func TestErrorTextStripsHandlerWrapping(t *testing.T) {
	inner := errors.New("out of stock")
	assert.Equal(t, "out of stock", errorText(&errspkg.HandlerError{Pattern: "orders.create", Err: inner}))

	ser := &errspkg.SerializationError{Pattern: "orders.create", Err: inner}
	assert.Equal(t, ser.Error(), errorText(ser))
}

func TestEncodeBody(t *testing.T) {
	body, err := encodeBody(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(body))

	body, err = encodeBody(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(body))

	_, err = encodeBody([]byte("nope"))
	assert.Error(t, err)

	_, err = encodeBody(make(chan int))
	assert.Error(t, err)
}
