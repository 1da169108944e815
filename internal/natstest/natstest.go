// Package natstest runs an in-process JetStream-enabled nats-server for tests
// and local demos.
package natstest

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Options configures an embedded broker.
type Options struct {
	// Port to listen on; -1 picks a random free port.
	Port int
	// StoreDir holds JetStream file storage. Required.
	StoreDir string
	// Logger receives server logs when set.
	Logger server.Logger
}

// Run starts an embedded broker and waits until it accepts connections.
func Run(opts Options) (*server.Server, error) {
	if opts.StoreDir == "" {
		return nil, errors.New("natstest: store dir is required")
	}
	if opts.Port == 0 {
		opts.Port = -1
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "natsflow_embedded",
		Host:       "127.0.0.1",
		Port:       opts.Port,
		JetStream:  true,
		StoreDir:   opts.StoreDir,
		NoLog:      opts.Logger == nil,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("natstest: new server: %w", err)
	}
	if opts.Logger != nil {
		ns.SetLogger(opts.Logger, false, false)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("natstest: server not ready for connections")
	}
	return ns, nil
}

// StartServer runs a broker for the lifetime of tb. Set NATSFLOW_TEST_SERVER_LOG=1
// to route server logs to tb.Logf.
func StartServer(tb testing.TB) *server.Server {
	tb.Helper()

	opts := Options{Port: -1, StoreDir: tb.TempDir()}
	if os.Getenv("NATSFLOW_TEST_SERVER_LOG") != "" {
		opts.Logger = NewTestLogger(tb)
	}
	ns, err := Run(opts)
	if err != nil {
		tb.Fatalf("start embedded nats-server: %v", err)
	}
	tb.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

type testLogger struct {
	tb testing.TB
}

// NewTestLogger adapts tb to the nats-server Logger interface.
func NewTestLogger(tb testing.TB) server.Logger {
	return &testLogger{tb: tb}
}

func (l *testLogger) Noticef(format string, v ...any) { l.tb.Logf("[nats] "+format, v...) }
func (l *testLogger) Warnf(format string, v ...any)   { l.tb.Logf("[nats WARN] "+format, v...) }
func (l *testLogger) Errorf(format string, v ...any)  { l.tb.Logf("[nats ERROR] "+format, v...) }
func (l *testLogger) Fatalf(format string, v ...any)  { l.tb.Logf("[nats FATAL] "+format, v...) }
func (l *testLogger) Debugf(format string, v ...any)  { l.tb.Logf("[nats DEBUG] "+format, v...) }
func (l *testLogger) Tracef(format string, v ...any)  { l.tb.Logf("[nats TRACE] "+format, v...) }
