package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/provision"
	"github.com/drblury/natsflow/internal/runtime/subject"
	transportpkg "github.com/drblury/natsflow/internal/runtime/transport"
)

// State is the lifecycle state of a Server.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateProvisioning
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// subscriptionCheckInterval is how often queue subscriptions are checked for
// invalidation by a redial.
var subscriptionCheckInterval = time.Second

// ServerOptions configures a Server. Only Config is required.
type ServerOptions struct {
	Config configpkg.Config
	Logger loggingpkg.ServiceLogger
	// Connection is shared with clients of the same process. When nil the
	// server dials its own. Stop closes it either way.
	Connection *transportpkg.Connection
	// Registrations are added as if passed to Register.
	Registrations []Registration
	// Registerer and Gatherer back the Prometheus metrics and the ops
	// endpoint. They default to the global registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server exposes registered handlers over the broker.
type Server struct {
	cfg     configpkg.Config
	log     loggingpkg.ServiceLogger
	conn    *transportpkg.Connection
	metrics *Metrics

	gatherer   prometheus.Gatherer
	dispatcher *Dispatcher
	queueGroup string
	streamName string

	mu       sync.Mutex
	state    State
	registry *registry
	cancel   context.CancelFunc
	subs     map[string]*nats.Subscription
	ops      *http.Server
	opsAddr  string

	loops sync.WaitGroup

	// onProvisioned runs after provisioning, before the server commits to Running.
	onProvisioned func()

	gate     sync.RWMutex
	draining bool
	inflight sync.WaitGroup
	sem      chan struct{}
}

// NewServer validates the configuration and returns a server in StateCreated.
func NewServer(opts ServerOptions) (*Server, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log := loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"service": cfg.DurableName})
	conn := opts.Connection
	if conn == nil {
		conn = transportpkg.NewConnection(transportpkg.OptionsFromConfig(cfg, log))
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		conn:       conn,
		metrics:    NewMetrics(opts.Registerer),
		gatherer:   gatherer,
		queueGroup: subject.QueueGroup(cfg.DurableName),
		streamName: subject.StreamName(cfg.StreamName),
		registry:   newRegistry(),
		subs:       map[string]*nats.Subscription{},
		sem:        make(chan struct{}, cfg.MaxConcurrentHandlers),
	}
	s.dispatcher = NewDispatcher(log, s.metrics, s.sendReply, cfg.MaxDeliver, cfg.NakDelay)

	for _, reg := range opts.Registrations {
		if err := s.Register(reg); err != nil {
			return nil, err
		}
	}

	log.Info("Creating transport server", loggingpkg.LogFields{"config": cfg})
	return s, nil
}

// Register adds a handler. It is only valid before Start.
func (s *Server) Register(reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		return errspkg.ErrServerStarted
	}
	return s.registry.add(reg)
}

// Handle is shorthand for Register.
func (s *Server) Handle(pattern string, handler Handler, durable bool) error {
	return s.Register(Registration{Pattern: pattern, Handler: handler, Durable: durable})
}

// Registrations returns a copy of the registered handlers.
func (s *Server) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.list()
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connection returns the broker connection, for sharing with a Client.
func (s *Server) Connection() *transportpkg.Connection {
	return s.conn
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// StreamName returns the name of the durable stream this server provisions.
func (s *Server) StreamName() string {
	return s.streamName
}

// OpsAddr returns the listen address of the ops endpoint, or "".
func (s *Server) OpsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opsAddr
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.Debug("Server state changed", loggingpkg.LogFields{"state": state.String()})
}

// Start connects, provisions the durable stream and consumers, and starts
// one consume loop per durable pattern and one queue subscription per
// non-durable pattern. It returns once the server is Running, or with the
// first fatal error, in which case the server ends up Closed.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateCreated:
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return errspkg.ErrServerClosed
	default:
		s.mu.Unlock()
		return errspkg.ErrServerStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.state = StateConnecting
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.metrics.Register(); err != nil {
		s.log.Error("Failed to register metrics", err, nil)
	}

	if err := s.start(ctx, runCtx); err != nil {
		if s.closing() {
			// Stop won the race and owns the shutdown.
			return errspkg.ErrServerClosed
		}
		s.log.Error("Server failed to start", err, nil)
		s.shutdown(context.Background())
		return err
	}

	s.log.Info("Server running", loggingpkg.LogFields{"stream": s.streamName, "queue_group": s.queueGroup})
	return nil
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosing || s.state == StateClosed
}

func (s *Server) start(ctx, runCtx context.Context) error {
	nc, js, err := s.conn.Ensure(ctx)
	if err != nil {
		return err
	}

	if !s.advance(StateConnecting, StateProvisioning) {
		return errspkg.ErrServerClosed
	}
	durable, nonDurable := s.registry.partition()
	if err := checkConflicts(durable, nonDurable); err != nil {
		return err
	}
	if err := checkConsumerNames(durable, func(pattern string) string {
		return subject.ConsumerName(s.cfg.DurableName, pattern)
	}); err != nil {
		return err
	}

	prov := provision.New(js, s.log)
	prov.OnStreamDeleted = s.metrics.recordStreamDeletion
	res, err := prov.EnsureStream(ctx, s.streamSpec(durable, nonDurable))
	if err != nil {
		return err
	}
	s.log.Info("Durable stream provisioned", loggingpkg.LogFields{
		"stream":   s.streamName,
		"action":   string(res.Action),
		"subjects": res.Subjects,
		"removed":  res.Removed,
	})

	consumers := make([]jetstream.Consumer, len(durable))
	for i, reg := range durable {
		consumer, _, err := prov.EnsureConsumer(ctx, s.consumerSpec(reg.Pattern))
		if err != nil {
			return err
		}
		consumers[i] = consumer
	}

	subs := make([]*nats.Subscription, len(nonDurable))
	for i, reg := range nonDurable {
		sub, err := s.subscribe(runCtx, nc, reg)
		if err != nil {
			if runCtx.Err() != nil {
				return errspkg.ErrServerClosed
			}
			return &errspkg.ConnectionError{Op: "subscribe " + reg.Pattern, Err: err}
		}
		subs[i] = sub
	}

	if err := nc.FlushTimeout(s.cfg.ConnectTimeout); err != nil {
		return &errspkg.ConnectionError{Op: "flush", Err: err}
	}

	var ops *opsListener
	if s.cfg.MetricsEnabled {
		if ops, err = s.listenOps(); err != nil {
			return err
		}
	}

	if s.onProvisioned != nil {
		s.onProvisioned()
	}

	// Loops are only added while Provisioning so shutdown never waits on a
	// WaitGroup that is still growing.
	s.mu.Lock()
	if s.state != StateProvisioning {
		s.mu.Unlock()
		if ops != nil {
			_ = ops.ln.Close()
		}
		return errspkg.ErrServerClosed
	}
	s.loops.Add(len(durable) + len(subs))
	if ops != nil {
		s.ops = ops.srv
		s.opsAddr = ops.ln.Addr().String()
	}
	s.state = StateRunning
	s.mu.Unlock()
	s.log.Debug("Server state changed", loggingpkg.LogFields{"state": StateRunning.String()})

	for i, reg := range durable {
		go s.consumeLoop(runCtx, reg, consumers[i])
	}
	for i, reg := range nonDurable {
		go s.superviseSubscription(runCtx, reg, subs[i])
	}
	if ops != nil {
		s.serveOps(ops)
	}
	return nil
}

// advance moves the server from one state to the next, unless Stop has
// already moved it elsewhere.
func (s *Server) advance(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.log.Debug("Server state changed", loggingpkg.LogFields{"state": to.String()})
	return true
}

func (s *Server) streamSpec(durable, nonDurable []Registration) provision.StreamSpec {
	return provision.StreamSpec{
		Name:          s.streamName,
		Subjects:      patterns(durable),
		GuardSubjects: patterns(nonDurable),
		Retention:     s.cfg.Retention,
		Storage:       s.cfg.Storage,
		MaxAge:        s.cfg.StreamMaxAge,
		Replicas:      s.cfg.Replicas,
		Duplicates:    s.cfg.DuplicateWindow,
	}
}

func (s *Server) consumerSpec(pattern string) provision.ConsumerSpec {
	return provision.ConsumerSpec{
		Stream:        s.streamName,
		Name:          subject.ConsumerName(s.cfg.DurableName, pattern),
		FilterSubject: pattern,
		MaxDeliver:    s.cfg.MaxDeliver,
		AckWait:       s.cfg.AckWait,
	}
}

// consumeLoop pulls one message at a time from the pattern's consumer until
// ctx is cancelled. Iterator failures are retried with backoff after the
// consumer has been ensured again on a possibly redialled connection.
func (s *Server) consumeLoop(ctx context.Context, reg Registration, consumer jetstream.Consumer) {
	defer s.loops.Done()

	log := s.log.With(loggingpkg.LogFields{"pattern": reg.Pattern, "loop": "durable"})
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second

	for ctx.Err() == nil {
		if consumer == nil {
			c, err := s.reensureConsumer(ctx, reg.Pattern)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("Failed to re-establish consumer", err, nil)
				sleepCtx(ctx, bo.NextBackOff())
				continue
			}
			consumer = c
		}

		iter, err := consumer.Messages(jetstream.PullMaxMessages(1))
		if err != nil {
			log.Error("Failed to open message iterator", err, nil)
			consumer = nil
			sleepCtx(ctx, bo.NextBackOff())
			continue
		}

		stop := context.AfterFunc(ctx, iter.Stop)
		err = s.drain(ctx, reg, iter, bo)
		stop()
		iter.Stop()

		if ctx.Err() != nil {
			return
		}
		log.Error("Message iterator failed", err, nil)
		consumer = nil
		sleepCtx(ctx, bo.NextBackOff())
	}
}

func (s *Server) drain(ctx context.Context, reg Registration, iter jetstream.MessagesContext, bo *backoff.ExponentialBackOff) error {
	for {
		msg, err := iter.Next()
		if err != nil {
			return err
		}
		bo.Reset()
		// In-flight handlers finish even when Stop cancels the loop.
		s.dispatcher.Dispatch(context.WithoutCancel(ctx), reg, fromJetStream(msg))
	}
}

func (s *Server) reensureConsumer(ctx context.Context, pattern string) (jetstream.Consumer, error) {
	_, js, err := s.conn.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	prov := provision.New(js, s.log)
	consumer, _, err := prov.EnsureConsumer(ctx, s.consumerSpec(pattern))
	return consumer, err
}

// subscribe joins the service queue group on reg's pattern. Each message is
// dispatched on its own goroutine, at most MaxConcurrentHandlers at a time.
func (s *Server) subscribe(ctx context.Context, nc *nats.Conn, reg Registration) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(reg.Pattern, s.queueGroup, func(msg *nats.Msg) {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		s.gate.RLock()
		if s.draining {
			s.gate.RUnlock()
			<-s.sem
			return
		}
		s.inflight.Add(1)
		s.gate.RUnlock()

		s.metrics.handlerStarted()
		go func() {
			defer func() {
				s.metrics.handlerFinished()
				<-s.sem
				s.inflight.Done()
			}()
			s.dispatcher.Dispatch(context.WithoutCancel(ctx), reg, fromCore(msg))
		}()
	})
	if err != nil {
		return nil, err
	}

	// shutdown cancels ctx under s.mu before collecting s.subs, so a
	// subscription stored here is always seen by it.
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, err
	}
	s.subs[reg.Pattern] = sub
	s.mu.Unlock()
	return sub, nil
}

// superviseSubscription re-subscribes when a redial invalidated sub.
func (s *Server) superviseSubscription(ctx context.Context, reg Registration, sub *nats.Subscription) {
	defer s.loops.Done()

	log := s.log.With(loggingpkg.LogFields{"pattern": reg.Pattern, "queue_group": s.queueGroup})
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	ticker := time.NewTicker(subscriptionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if sub.IsValid() {
			continue
		}

		nc, _, err := s.conn.Ensure(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			var next *nats.Subscription
			if next, err = s.subscribe(ctx, nc, reg); err == nil {
				sub = next
				bo.Reset()
				log.Info("Queue subscription restored", nil)
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		log.Error("Failed to restore queue subscription", err, nil)
		sleepCtx(ctx, bo.NextBackOff())
	}
}

func (s *Server) sendReply(ctx context.Context, msg *nats.Msg) error {
	nc, _, err := s.conn.Ensure(ctx)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

type opsListener struct {
	ln  net.Listener
	srv *http.Server
}

func (s *Server) listenOps() (*opsListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.MetricsPort))
	if err != nil {
		return nil, fmt.Errorf("ops endpoint: %w", err)
	}
	return &opsListener{
		ln:  ln,
		srv: &http.Server{Handler: s.OpsHandler(), ReadHeaderTimeout: 5 * time.Second},
	}, nil
}

func (s *Server) serveOps(ops *opsListener) {
	addr := ops.ln.Addr().String()
	s.log.Info("Starting ops HTTP server", loggingpkg.LogFields{"address": addr})
	go func() {
		if err := ops.srv.Serve(ops.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Ops HTTP server failed", err, loggingpkg.LogFields{"address": addr})
		}
	}()
}

// Stop cancels the consume loops, unsubscribes, waits for in-flight handlers
// up to ShutdownTimeout or ctx, and closes the broker connection.
func (s *Server) Stop(ctx context.Context) error {
	return s.shutdown(ctx)
}

// shutdown is a no-op when another caller already began closing.
func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	if s.cancel != nil {
		s.cancel()
	}
	subs := s.subs
	s.subs = map[string]*nats.Subscription{}
	ops := s.ops
	s.mu.Unlock()
	s.log.Debug("Server state changed", loggingpkg.LogFields{"state": StateClosing.String()})

	for pattern, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.log.Error("Failed to unsubscribe", err, loggingpkg.LogFields{"pattern": pattern})
		}
	}

	s.gate.Lock()
	s.draining = true
	s.gate.Unlock()

	var err error
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("natsflow: handlers still running after %s", s.cfg.ShutdownTimeout)
	case <-ctx.Done():
		err = fmt.Errorf("natsflow: shutdown interrupted: %w", ctx.Err())
	}
	if err != nil {
		s.log.Error("Stopping without waiting for in-flight handlers", err, nil)
	}

	if ops != nil {
		shutdownCtx, cancelOps := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if opsErr := ops.Shutdown(shutdownCtx); opsErr != nil {
			s.log.Error("Failed to stop ops HTTP server", opsErr, nil)
		}
		cancelOps()
	}

	s.conn.Close()
	s.setState(StateClosed)
	s.log.Info("Server stopped", nil)
	return err
}

// Run starts the server, blocks until ctx is done, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout+time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
