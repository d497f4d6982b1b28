package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes /metrics (Prometheus), /status (JSON) and /readyz on a
// local listener. /readyz doubles as the scheduler's readiness probe target
// when the orchestrator itself is the probed process.
type Server struct {
	registry *prometheus.Registry
	srv      *http.Server
	listener net.Listener
}

// NewServer binds addr and starts serving.
func NewServer(addr string) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newCollector(),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", statusHandler)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := &Server{
		registry: registry,
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
	}
	go s.srv.Serve(ln)
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func statusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SnapshotData())
}

// collector bridges the atomic counters into the Prometheus registry.
type collector struct {
	descs map[string]*prometheus.Desc
}

func newCollector() *collector {
	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("wardenlink_"+name, help, nil, nil)
	}
	return &collector{descs: map[string]*prometheus.Desc{
		"connects_total":           gauge("connects_total", "Connect attempts"),
		"connect_retries_total":    gauge("connect_retries_total", "Connect retries"),
		"connect_failures_total":   gauge("connect_failures_total", "Connect failures after retries"),
		"sessions_active":          gauge("sessions_active", "Active tunnel sessions"),
		"bytes_in_total":           gauge("bytes_in_total", "Cumulative tunnel bytes received"),
		"bytes_out_total":          gauge("bytes_out_total", "Cumulative tunnel bytes sent"),
		"health_checks_total":      gauge("health_checks_total", "Health checks issued"),
		"health_failures_total":    gauge("health_failures_total", "Health check failures"),
		"degraded_total":           gauge("degraded_total", "Transitions into the degraded state"),
		"compliance_allowed_total": gauge("compliance_allowed_total", "Compliance verdicts: allow"),
		"compliance_denied_total":  gauge("compliance_denied_total", "Compliance verdicts: deny"),
		"compliance_redacted_total": gauge("compliance_redacted_total",
			"Compliance verdicts: allow with redaction"),
		"process_starts_total": gauge("process_starts_total", "Backing process starts"),
		"process_stops_total":  gauge("process_stops_total", "Backing process stops"),
		"sleeping":             gauge("sleeping", "1 while the backing process is suspended"),
		"idle_ticks":           gauge("idle_ticks", "Consecutive idle scheduler ticks"),
		"last_test_latency_ms": gauge("last_test_latency_ms", "Last connection test latency"),
	}}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := SnapshotData()
	emit := func(name string, v int64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.GaugeValue, float64(v))
	}
	emit("connects_total", st.ConnectsTotal)
	emit("connect_retries_total", st.ConnectRetriesTotal)
	emit("connect_failures_total", st.ConnectFailuresTotal)
	emit("sessions_active", st.SessionsActive)
	emit("bytes_in_total", st.BytesIn)
	emit("bytes_out_total", st.BytesOut)
	emit("health_checks_total", st.HealthChecksTotal)
	emit("health_failures_total", st.HealthFailuresTotal)
	emit("degraded_total", st.DegradedTotal)
	emit("compliance_allowed_total", st.ComplianceAllowed)
	emit("compliance_denied_total", st.ComplianceDenied)
	emit("compliance_redacted_total", st.ComplianceRedacted)
	emit("process_starts_total", st.ProcessStartsTotal)
	emit("process_stops_total", st.ProcessStopsTotal)
	emit("sleeping", st.Sleeping)
	emit("idle_ticks", st.IdleTicks)
	emit("last_test_latency_ms", st.LastTestLatencyMs)
}
