package main

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"tx-lab-tpc-go/pkg/tx/common"
)

type benchResult struct {
	Timestamp         string         `json:"timestamp"`
	CoordinatorAddr   string         `json:"coordinator_addr"`
	Scenario          string         `json:"scenario"`
	Transactions      int            `json:"transactions"`
	Concurrency       int            `json:"concurrency"`
	Committed         int            `json:"committed"`
	Aborted           int            `json:"aborted"`
	Pending           int            `json:"pending"`
	ErrorRequests     int            `json:"error_requests"`
	DurationSeconds   float64        `json:"duration_seconds"`
	AvgLatencyMs      float64        `json:"avg_latency_ms"`
	MinLatencyMs      float64        `json:"min_latency_ms"`
	MaxLatencyMs      float64        `json:"max_latency_ms"`
	P50LatencyMs      float64        `json:"p50_latency_ms"`
	P90LatencyMs      float64        `json:"p90_latency_ms"`
	P95LatencyMs      float64        `json:"p95_latency_ms"`
	P99LatencyMs      float64        `json:"p99_latency_ms"`
	ThroughputTPS     float64        `json:"throughput_tps"`
	States            map[string]int `json:"states"`
	ErrorClasses      map[string]int `json:"error_classes"`
	FirstError        string         `json:"first_error,omitempty"`
	FinalizedRequests int            `json:"finalized_requests"`
	FinalTimeouts     int            `json:"final_timeouts"`
	FinalAvgLatencyMs float64        `json:"final_avg_latency_ms"`
	FinalP99LatencyMs float64        `json:"final_p99_latency_ms"`
}

type metrics struct {
	mu           sync.Mutex
	errors       int
	latenciesMs  []float64
	finalMs      []float64
	finalTimeout int
	states       map[string]int
	errorClasses map[string]int
	firstError   string
}

func newMetrics() *metrics {
	return &metrics{
		states:       make(map[string]int),
		errorClasses: make(map[string]int),
	}
}

func (m *metrics) recordTransaction(latency time.Duration, state common.TxState, pending bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.errors++
		m.errorClasses[classifyError(err)]++
		if m.firstError == "" {
			m.firstError = err.Error()
		}
		return
	}
	key := string(state)
	if pending {
		key += "+pending"
	}
	m.states[key]++
	m.latenciesMs = append(m.latenciesMs, float64(latency.Microseconds())/1000)
}

func (m *metrics) recordFinal(latency time.Duration, reached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !reached {
		m.finalTimeout++
		return
	}
	m.finalMs = append(m.finalMs, float64(latency.Microseconds())/1000)
}

func (m *metrics) result(duration time.Duration) benchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := benchResult{
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		ErrorRequests:     m.errors,
		DurationSeconds:   duration.Seconds(),
		States:            m.states,
		ErrorClasses:      m.errorClasses,
		FirstError:        m.firstError,
		FinalizedRequests: len(m.finalMs),
		FinalTimeouts:     m.finalTimeout,
	}
	for state, n := range m.states {
		switch {
		case state == string(common.TxCommitted):
			r.Committed += n
		case state == string(common.TxAborted):
			r.Aborted += n
		default:
			r.Pending += n
		}
	}
	if n := len(m.latenciesMs); n > 0 {
		sort.Float64s(m.latenciesMs)
		r.AvgLatencyMs = mean(m.latenciesMs)
		r.MinLatencyMs = m.latenciesMs[0]
		r.MaxLatencyMs = m.latenciesMs[n-1]
		r.P50LatencyMs = percentile(m.latenciesMs, 0.50)
		r.P90LatencyMs = percentile(m.latenciesMs, 0.90)
		r.P95LatencyMs = percentile(m.latenciesMs, 0.95)
		r.P99LatencyMs = percentile(m.latenciesMs, 0.99)
		r.ThroughputTPS = float64(n) / duration.Seconds()
	}
	if len(m.finalMs) > 0 {
		sort.Float64s(m.finalMs)
		r.FinalAvgLatencyMs = mean(m.finalMs)
		r.FinalP99LatencyMs = percentile(m.finalMs, 0.99)
	}
	return r
}

// classifyError buckets coordinator errors by the sentinel they carry.
func classifyError(err error) string {
	switch {
	case errors.Is(err, common.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, common.ErrInProgress):
		return "in_progress"
	case errors.Is(err, common.ErrNotFound):
		return "not_found"
	case errors.Is(err, common.ErrTransientUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
