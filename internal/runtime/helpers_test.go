package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/natsflow/internal/natstest"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	transportpkg "github.com/drblury/natsflow/internal/runtime/transport"
)

type testEnv struct {
	ns       *server.Server
	cfg      configpkg.Config
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, name string) *testEnv {
	t.Helper()

	ns := natstest.StartServer(t)
	return &testEnv{
		ns: ns,
		cfg: configpkg.Config{
			Servers:         []string{ns.ClientURL()},
			DurableName:     name,
			Storage:         configpkg.StorageMemory,
			RequestTimeout:  2 * time.Second,
			MaxDeliver:      3,
			AckWait:         2 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		registry: prometheus.NewRegistry(),
	}
}

func (e *testEnv) newServer(t *testing.T, regs ...Registration) *Server {
	t.Helper()

	srv, err := NewServer(ServerOptions{
		Config:        e.cfg,
		Registrations: regs,
		Registerer:    e.registry,
		Gatherer:      e.registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

func (e *testEnv) startServer(t *testing.T, regs ...Registration) *Server {
	t.Helper()

	srv := e.newServer(t, regs...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	require.Equal(t, StateRunning, srv.State())
	return srv
}

func (e *testEnv) newClient(t *testing.T, conn *transportpkg.Connection, durable bool) *Client {
	t.Helper()

	client, err := NewClient(ClientOptions{
		Config:     e.cfg,
		Connection: conn,
		Durable:    durable,
		Registerer: e.registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// callCounter counts handler invocations per pattern.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{calls: map[string]int{}}
}

func (c *callCounter) inc(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[pattern]++
	return c.calls[pattern]
}

func (c *callCounter) get(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[pattern]
}
