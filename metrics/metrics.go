// Package metrics exposes engine counters and serves them over HTTP in the
// Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	envelopeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_transitions_total",
		Help: "Envelope status transitions by target status.",
	}, []string{"to"})

	bestEffortFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "best_effort_failures_total",
		Help: "Failures of side effects that never block the workflow.",
	}, []string{"operation"})

	auditAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_appended_total",
		Help: "Audit ledger appends by result (stored or fallback).",
	}, []string{"result"})

	sweepItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_items_total",
		Help: "Items changed by background sweeps.",
	}, []string{"sweep"})

	sealDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "seal_duration_seconds",
		Help:    "Time spent sealing an envelope's documents.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func engineCollectors() []prometheus.Collector {
	return []prometheus.Collector{envelopeTransitions, bestEffortFailures, auditAppends, sweepItems, sealDuration}
}

func EnvelopeTransition(to string) {
	envelopeTransitions.WithLabelValues(to).Inc()
}

func BestEffortFailure(operation string) {
	bestEffortFailures.WithLabelValues(operation).Inc()
}

func AuditAppended(result string) {
	auditAppends.WithLabelValues(result).Inc()
}

func SweepItems(sweep string, n int) {
	if n <= 0 {
		return
	}
	sweepItems.WithLabelValues(sweep).Add(float64(n))
}

func ObserveSealDuration(d time.Duration) {
	sealDuration.Observe(d.Seconds())
}

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server. Engine metrics are prefixed with namespace.
func New(namespace, addr string) (*MetricsServer, error) {
	if addr == "" {
		return nil, errors.New("metrics address is empty")
	}

	reg, err := NewRegistry(namespace)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// NewRegistry returns a registry with the engine metrics under namespace plus
// the Go runtime and process collectors.
func NewRegistry(namespace string) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	var engine prometheus.Registerer = reg
	if namespace != "" {
		engine = prometheus.WrapRegistererWithPrefix(namespace+"_", reg)
	}
	for _, c := range engineCollectors() {
		if err := engine.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
