package runtime

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jsoncodec "github.com/drblury/natsflow/internal/runtime/jsoncodec"
)

// HandlerInfo describes one registration on the ops endpoint.
type HandlerInfo struct {
	Pattern    string `json:"pattern"`
	Durable    bool   `json:"durable"`
	Consumer   string `json:"consumer,omitempty"`
	QueueGroup string `json:"queue_group,omitempty"`
}

type healthStatus struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// OpsHandler serves /metrics, /healthz and /handlers.
func (s *Server) OpsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	r.Get("/handlers", s.handleHandlers)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.State()
	status := http.StatusOK
	if state != StateRunning {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, healthStatus{State: state.String(), Connected: s.conn.Connected()})
}

func (s *Server) handleHandlers(w http.ResponseWriter, r *http.Request) {
	regs := s.Registrations()
	infos := make([]HandlerInfo, len(regs))
	for i, reg := range regs {
		info := HandlerInfo{Pattern: reg.Pattern, Durable: reg.Durable}
		if reg.Durable {
			info.Consumer = s.consumerSpec(reg.Pattern).Name
		} else {
			info.QueueGroup = s.queueGroup
		}
		infos[i] = info
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.log.Error("Failed to encode ops response", err, nil)
	}
}
