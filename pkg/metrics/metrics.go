package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txlab"

var latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// All collectors are nil-safe so components can run without metrics in tests.

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "grpc_requests_total",
		Help:      "Total number of gRPC requests.",
	}, []string{"method", "code"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "grpc_request_duration_ms",
		Help:      "gRPC request latency in milliseconds.",
		Buckets:   latencyBuckets,
	}, []string{"method"})
	register(reg, requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

func (m *ServerMetrics) Observe(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, code).Inc()
	m.LatencyMS.WithLabelValues(method).Observe(float64(d.Milliseconds()))
}

type CoordinatorMetrics struct {
	Transactions     *prometheus.CounterVec
	Votes            *prometheus.CounterVec
	PhaseMS          *prometheus.HistogramVec
	FinalizeFailures *prometheus.CounterVec
}

func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	m := &CoordinatorMetrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "transactions_total",
			Help:      "Global transactions by reached state.",
		}, []string{"state"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "votes_total",
			Help:      "Prepare votes by participant and vote.",
		}, []string{"participant", "vote"}),
		PhaseMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "phase_duration_ms",
			Help:      "Duration of prepare and finalize phases in milliseconds.",
			Buckets:   latencyBuckets,
		}, []string{"phase"}),
		FinalizeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "finalize_failures_total",
			Help:      "Participants left unacknowledged after a finalize pass.",
		}, []string{"participant", "kind"}),
	}
	register(reg, m.Transactions, m.Votes, m.PhaseMS, m.FinalizeFailures)
	return m
}

func (m *CoordinatorMetrics) State(state string) {
	if m != nil {
		m.Transactions.WithLabelValues(state).Inc()
	}
}

func (m *CoordinatorMetrics) Vote(participant, vote string) {
	if m != nil {
		m.Votes.WithLabelValues(participant, vote).Inc()
	}
}

func (m *CoordinatorMetrics) Phase(phase string, d time.Duration) {
	if m != nil {
		m.PhaseMS.WithLabelValues(phase).Observe(float64(d.Milliseconds()))
	}
}

func (m *CoordinatorMetrics) FinalizeFailure(participant, kind string) {
	if m != nil {
		m.FinalizeFailures.WithLabelValues(participant, kind).Inc()
	}
}

type SweeperMetrics struct {
	Passes  prometheus.Counter
	Actions *prometheus.CounterVec
}

func NewSweeperMetrics(reg prometheus.Registerer) *SweeperMetrics {
	m := &SweeperMetrics{
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "passes_total",
			Help:      "Recovery sweeper passes.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "actions_total",
			Help:      "Transactions re-driven by the recovery sweeper.",
		}, []string{"action"}),
	}
	register(reg, m.Passes, m.Actions)
	return m
}

func (m *SweeperMetrics) Pass() {
	if m != nil {
		m.Passes.Inc()
	}
}

func (m *SweeperMetrics) Action(action string, n int) {
	if m != nil && n > 0 {
		m.Actions.WithLabelValues(action).Add(float64(n))
	}
}

type ParticipantMetrics struct {
	Operations *prometheus.CounterVec
	Replays    *prometheus.CounterVec
}

func NewParticipantMetrics(reg prometheus.Registerer, participant string) *ParticipantMetrics {
	m := &ParticipantMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "participant",
			Name:        "operations_total",
			Help:        "Prepare/commit/abort operations by result.",
			ConstLabels: prometheus.Labels{"participant": participant},
		}, []string{"op", "result"}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "participant",
			Name:        "replays_total",
			Help:        "Duplicate deliveries answered from the idempotency ledger.",
			ConstLabels: prometheus.Labels{"participant": participant},
		}, []string{"op"}),
	}
	register(reg, m.Operations, m.Replays)
	return m
}

func (m *ParticipantMetrics) Operation(op, result string) {
	if m != nil {
		m.Operations.WithLabelValues(op, result).Inc()
	}
}

func (m *ParticipantMetrics) Replay(op string) {
	if m != nil {
		m.Replays.WithLabelValues(op).Inc()
	}
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) {
	if reg == nil {
		return
	}
	reg.MustRegister(cs...)
}

func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
