package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	m.recordDispatch("orders.create", true, OutcomeAcked, 10*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchTotal))
}

func TestMetricsReuseCollectorsAcrossInstances(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics(reg)
	second := NewMetrics(reg)
	require.NoError(t, first.Register())
	require.NoError(t, second.Register())

	first.recordTerminalDrop("orders.create")
	second.recordTerminalDrop("orders.create")

	assert.Equal(t, 2.0, testutil.ToFloat64(first.terminalDrops.WithLabelValues("orders.create")))
	assert.Same(t, first.terminalDrops, second.terminalDrops)
}

func TestMetricsRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.recordRequest("health.ping", requestOK, time.Millisecond)
	m.recordStreamDeletion("legacy-orders", "overlap")
	m.handlerStarted()
	m.handlerStarted()
	m.handlerFinished()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestTotal.WithLabelValues("health.ping", requestOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamDeletions.WithLabelValues("overlap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflightHandlers))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NoError(t, m.Register())
	assert.NotPanics(t, func() {
		m.recordDispatch("a", false, OutcomeHandled, 0)
		m.recordTerminalDrop("a")
		m.recordRequest("a", requestOK, 0)
		m.recordStreamDeletion("s", "stale")
		m.handlerStarted()
		m.handlerFinished()
	})
}
