// Package transport owns the broker connection shared by the server and the
// client. The connection is dialled lazily, redialled transparently when the
// underlying nats connection has been closed, and closed for good by Close.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/natsflow/internal/runtime/config"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/logging"
)

// DialFunc opens a nats connection. It matches nats.Connect.
type DialFunc func(url string, options ...nats.Option) (*nats.Conn, error)

// Options configures a Connection.
type Options struct {
	URL            string
	Name           string
	User           string
	Password       string
	Token          string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	Logger         logging.ServiceLogger

	// Dial replaces nats.Connect, mostly for tests.
	Dial DialFunc
}

// OptionsFromConfig maps the shared configuration onto connection options.
func OptionsFromConfig(cfg config.Config, logger logging.ServiceLogger) Options {
	cfg = cfg.WithDefaults()
	return Options{
		URL:            cfg.ServerURL(),
		Name:           cfg.ClientName,
		User:           cfg.User,
		Password:       cfg.Password,
		Token:          cfg.Token,
		ConnectTimeout: cfg.ConnectTimeout,
		ReconnectWait:  cfg.ReconnectWait,
		MaxReconnects:  cfg.MaxReconnects,
		Logger:         logger,
	}
}

// Connection is safe for concurrent use.
type Connection struct {
	opts Options
	log  logging.ServiceLogger

	mu        sync.Mutex
	nc        *nats.Conn
	js        jetstream.JetStream
	dialing   chan struct{}
	closed    bool
	listeners map[uint64]func(error)
	nextID    uint64
}

// NewConnection returns an unconnected Connection; the first Ensure dials.
func NewConnection(opts Options) *Connection {
	if opts.Dial == nil {
		opts.Dial = nats.Connect
	}
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = nats.DefaultTimeout
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = nats.DefaultReconnectWait
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = config.DefaultMaxReconnects
	}
	return &Connection{
		opts:      opts,
		log:       logging.OrNop(opts.Logger).With(logging.LogFields{"component": "connection"}),
		listeners: map[uint64]func(error){},
	}
}

// Ensure returns a live connection and its JetStream handle, dialling when
// there is none. Concurrent callers share a single dial. The lock is never
// held while dialling.
func (c *Connection) Ensure(ctx context.Context) (*nats.Conn, jetstream.JetStream, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, nil, &errspkg.ConnectionError{Op: "connect", Err: errspkg.ErrConnectionClosed}
		}
		if c.nc != nil && !c.nc.IsClosed() {
			nc, js := c.nc, c.js
			c.mu.Unlock()
			return nc, js, nil
		}
		if wait := c.dialing; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, nil, &errspkg.ConnectionError{Op: "connect", Err: ctx.Err()}
			}
		}
		done := make(chan struct{})
		c.dialing = done
		c.mu.Unlock()

		nc, js, err := c.dial()

		c.mu.Lock()
		c.dialing = nil
		close(done)
		if err != nil {
			c.mu.Unlock()
			return nil, nil, &errspkg.ConnectionError{Op: "connect", Err: err}
		}
		if c.closed {
			c.mu.Unlock()
			nc.Close()
			return nil, nil, &errspkg.ConnectionError{Op: "connect", Err: errspkg.ErrConnectionClosed}
		}
		c.nc, c.js = nc, js
		c.mu.Unlock()
		return nc, js, nil
	}
}

func (c *Connection) dial() (*nats.Conn, jetstream.JetStream, error) {
	options := []nats.Option{
		nats.Timeout(c.opts.ConnectTimeout),
		nats.ReconnectWait(c.opts.ReconnectWait),
		nats.MaxReconnects(c.opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Info("Broker connection lost", logging.LogFields{"error": err})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("Broker connection restored", logging.LogFields{"url": nc.ConnectedUrlRedacted()})
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.handleClosed(nc)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := logging.LogFields{}
			if sub != nil {
				fields["subject"] = sub.Subject
			}
			c.log.Error("Asynchronous broker error", err, fields)
		}),
	}
	if c.opts.Name != "" {
		options = append(options, nats.Name(c.opts.Name))
	}
	switch {
	case c.opts.Token != "":
		options = append(options, nats.Token(c.opts.Token))
	case c.opts.User != "":
		options = append(options, nats.UserInfo(c.opts.User, c.opts.Password))
	}

	nc, err := c.opts.Dial(c.opts.URL, options...)
	if err != nil {
		c.log.Error("Broker dial failed", err, nil)
		return nil, nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	c.log.Info("Broker connected", logging.LogFields{"url": nc.ConnectedUrlRedacted()})
	return nc, js, nil
}

func (c *Connection) handleClosed(nc *nats.Conn) {
	c.mu.Lock()
	if c.nc == nc {
		c.nc, c.js = nil, nil
	}
	explicit := c.closed
	listeners := make([]func(error), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	cause := errspkg.ErrConnectionClosed
	if !explicit {
		if last := nc.LastError(); last != nil {
			cause = last
		}
	}
	c.log.Info("Broker connection closed", logging.LogFields{"explicit": explicit})

	err := &errspkg.ConnectionError{Op: "closed", Err: cause}
	for _, fn := range listeners {
		fn(err)
	}
}

// OnClosed registers fn to run whenever the underlying connection closes.
// The returned func removes the registration.
func (c *Connection) OnClosed(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connected reports whether a live connection is currently held.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil && c.nc.IsConnected()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection permanently. Later Ensure calls fail with a
// ConnectionError wrapping ErrConnectionClosed.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	nc := c.nc
	c.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
}
