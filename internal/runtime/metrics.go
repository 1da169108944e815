package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes recorded by Metrics.
const (
	OutcomeAcked      = "acked"
	OutcomeNacked     = "nacked"
	OutcomeTerminated = "terminated"
	OutcomeReplied    = "replied"
	OutcomeHandled    = "handled"
	OutcomeErrorReply = "error_reply"
	OutcomeFailed     = "failed"
)

// Metrics holds the Prometheus collectors of a server or client.
type Metrics struct {
	mu sync.Mutex

	dispatchTotal    *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	terminalDrops    *prometheus.CounterVec
	requestTotal     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	streamDeletions  *prometheus.CounterVec
	inflightHandlers prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "natsflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "natsflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		dispatchTotal:   newCounterVec("server", "dispatch_total", "Messages dispatched to handlers, by outcome", []string{"pattern", "mode", "outcome"}),
		handlerDuration: newHistogramVec("server", "handler_duration_seconds", "Handler execution time", []string{"pattern", "mode"}),
		terminalDrops:   newCounterVec("server", "terminal_drops_total", "Durable messages dropped after exhausting delivery attempts", []string{"pattern"}),
		requestTotal:    newCounterVec("client", "requests_total", "Client requests, by outcome", []string{"pattern", "outcome"}),
		requestDuration: newHistogramVec("client", "request_duration_seconds", "Client request round trip time", []string{"pattern"}),
		streamDeletions: newCounterVec("provision", "stream_deletions_total", "Streams deleted during provisioning, by reason", []string{"reason"}),
		inflightHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "natsflow",
			Subsystem: "server",
			Name:      "inflight_handlers",
			Help:      "Non-durable handlers currently running",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times; collectors
// already registered by another instance are reused.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.dispatchTotal, err = register(m.registerer, m.dispatchTotal); err != nil {
		return err
	}
	if m.handlerDuration, err = register(m.registerer, m.handlerDuration); err != nil {
		return err
	}
	if m.terminalDrops, err = register(m.registerer, m.terminalDrops); err != nil {
		return err
	}
	if m.requestTotal, err = register(m.registerer, m.requestTotal); err != nil {
		return err
	}
	if m.requestDuration, err = register(m.registerer, m.requestDuration); err != nil {
		return err
	}
	if m.streamDeletions, err = register(m.registerer, m.streamDeletions); err != nil {
		return err
	}
	if m.inflightHandlers, err = register(m.registerer, m.inflightHandlers); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func mode(durable bool) string {
	if durable {
		return "durable"
	}
	return "non_durable"
}

func (m *Metrics) recordDispatch(pattern string, durable bool, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(pattern, mode(durable), outcome).Inc()
	m.handlerDuration.WithLabelValues(pattern, mode(durable)).Observe(took.Seconds())
}

func (m *Metrics) recordTerminalDrop(pattern string) {
	if m == nil {
		return
	}
	m.terminalDrops.WithLabelValues(pattern).Inc()
}

func (m *Metrics) recordRequest(pattern, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(pattern, outcome).Inc()
	m.requestDuration.WithLabelValues(pattern).Observe(took.Seconds())
}

func (m *Metrics) recordStreamDeletion(_ string, reason string) {
	if m == nil {
		return
	}
	m.streamDeletions.WithLabelValues(reason).Inc()
}

func (m *Metrics) handlerStarted() {
	if m != nil {
		m.inflightHandlers.Inc()
	}
}

func (m *Metrics) handlerFinished() {
	if m != nil {
		m.inflightHandlers.Dec()
	}
}
