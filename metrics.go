package runway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/madhatter5501/runway/pipeline"
)

// Metrics owns the Prometheus registry and the control-plane instruments.
// Every counter is incremented at the point the corresponding event row is
// written, so scrape totals and the event log agree.
type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	slotAcquires  *prometheus.CounterVec
	leasesReaped  prometheus.Counter
	previewResets *prometheus.CounterVec
	gateChecks    *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	deploys       *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_run_transitions_total",
			Help: "Run status transitions by destination status.",
		}, []string{"status"}),
		slotAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_slot_acquires_total",
			Help: "Slot acquire attempts by outcome (acquired, idempotent, waiting).",
		}, []string{"outcome"}),
		leasesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runway_slot_leases_reaped_total",
			Help: "Slot leases expired by the TTL reaper.",
		}),
		previewResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_preview_resets_total",
			Help: "Preview database reset operations by final status.",
		}, []string{"status"}),
		gateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_merge_gate_checks_total",
			Help: "Merge gate validation check executions by check name and result.",
		}, []string{"check", "result"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runway_merge_gate_check_duration_seconds",
			Help:    "Wall time of merge gate validation checks.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"check"}),
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_deploys_total",
			Help: "Deploy attempts by outcome (deployed, reload_failed, healthcheck_failed, push_failed, merge_conflict).",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runway_http_requests_total",
			Help: "Control API requests by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runway_http_request_duration_seconds",
			Help:    "Control API request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.slotAcquires,
		m.leasesReaped,
		m.previewResets,
		m.gateChecks,
		m.checkDuration,
		m.deploys,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveTransition(to pipeline.Status) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) ObserveAcquire(outcome string) {
	m.slotAcquires.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReaped(n int) {
	if n > 0 {
		m.leasesReaped.Add(float64(n))
	}
}

func (m *Metrics) ObserveReset(status string) {
	m.previewResets.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveCheck(check, result string, seconds float64) {
	m.gateChecks.WithLabelValues(check, result).Inc()
	m.checkDuration.WithLabelValues(check).Observe(seconds)
}

func (m *Metrics) ObserveDeploy(outcome string) {
	m.deploys.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request. The route is the registered
// pattern, not the raw path, to keep cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, code int, seconds float64) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(seconds)
}

// CoreMetrics is the aggregate snapshot computed from the store: queue
// depth, in-flight count, terminal mix and mean time-to-terminal.
type CoreMetrics struct {
	QueueDepth       int                `json:"queue_depth"`
	ActiveRuns       int                `json:"active_runs"`
	TerminalRuns     int                `json:"terminal_runs"`
	FailureRate      float64            `json:"failure_rate"`
	TerminalCounts   map[string]int     `json:"terminal_counts"`
	MeanDurationSecs map[string]float64 `json:"mean_duration_seconds"`
	GeneratedAt      time.Time          `json:"generated_at"`
	MaintenanceLoops []LoopStatus       `json:"maintenance_loops,omitempty"`
}

// CoreMetricsSnapshot computes the aggregate view. loops may be nil when no
// maintainer is running (one-shot CLI commands).
func (s *Service) CoreMetricsSnapshot(ctx context.Context, loops func() []LoopStatus) (*CoreMetrics, error) {
	queued, err := s.store.CountRunsInStatuses([]pipeline.Status{pipeline.StatusQueued})
	if err != nil {
		return nil, err
	}
	active, err := s.store.CountRunsInStatuses([]pipeline.Status{
		pipeline.StatusPlanning, pipeline.StatusEditing, pipeline.StatusTesting,
		pipeline.StatusPreviewReady, pipeline.StatusNeedsApproval,
		pipeline.StatusApproved, pipeline.StatusMerging, pipeline.StatusDeploying,
	})
	if err != nil {
		return nil, err
	}
	timings, err := s.store.ListTerminalRunTimings()
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	totals := map[string]float64{}
	for _, t := range timings {
		status := string(t.Status)
		counts[status]++
		totals[status] += t.UpdatedAt.Sub(t.CreatedAt).Seconds()
	}
	means := map[string]float64{}
	for status, total := range totals {
		means[status] = total / float64(counts[status])
	}

	cm := &CoreMetrics{
		QueueDepth:       queued,
		ActiveRuns:       active,
		TerminalRuns:     len(timings),
		TerminalCounts:   counts,
		MeanDurationSecs: means,
		GeneratedAt:      s.now(),
	}
	if len(timings) > 0 {
		cm.FailureRate = float64(counts[string(pipeline.StatusFailed)]) / float64(len(timings))
	}
	if loops != nil {
		cm.MaintenanceLoops = loops()
	}
	return cm, nil
}
