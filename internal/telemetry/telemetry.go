// Package telemetry tracks per-agent usage counters, exposes them as
// Prometheus metrics, and persists daily snapshots through the host KV
// facility. The smart router consumes its success-rate and latency hints.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relay/internal/kvstore"
	"relay/internal/logging"
)

const persistKey = "telemetry.daily"

// AgentStats aggregates one agent's counters.
type AgentStats struct {
	AgentID      string `json:"agentId"`
	Invocations  int64  `json:"invocations"`
	Failures     int64  `json:"failures"`
	AvgLatencyMs int64  `json:"avgLatencyMs"`
}

// SuccessRate is in [0,1]; an agent with no invocations scores 1.
func (s AgentStats) SuccessRate() float64 {
	if s.Invocations == 0 {
		return 1
	}
	return float64(s.Invocations-s.Failures) / float64(s.Invocations)
}

type dailyRecord struct {
	Day    string                `json:"day"`
	Agents map[string]AgentStats `json:"agents"`
}

// Tracker implements the usage middleware's recorder contract.
type Tracker struct {
	mu     sync.Mutex
	stats  map[string]*AgentStats
	day    string
	store  kvstore.Store
	logger logging.Logger

	invocations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// NewTracker loads today's persisted counters, if any, and registers metrics
// on the given registerer (nil skips metric registration, for tests).
func NewTracker(store kvstore.Store, reg prometheus.Registerer, logger logging.Logger) *Tracker {
	t := &Tracker{
		stats:  make(map[string]*AgentStats),
		day:    time.Now().Format("2006-01-02"),
		store:  store,
		logger: logging.OrNop(logger),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "agent_invocations_total",
			Help:      "Agent invocations by agent id.",
		}, []string{"agent"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "agent_failures_total",
			Help:      "Failed agent invocations by agent id.",
		}, []string{"agent"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "agent_latency_seconds",
			Help:      "Agent handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
	}
	if reg != nil {
		reg.MustRegister(t.invocations, t.failures, t.latency)
	}
	t.load()
	return t
}

// RecordInvocation folds one handler run into the counters.
func (t *Tracker) RecordInvocation(agentID string, latency time.Duration, failed bool) {
	t.invocations.WithLabelValues(agentID).Inc()
	if failed {
		t.failures.WithLabelValues(agentID).Inc()
	}
	t.latency.WithLabelValues(agentID).Observe(latency.Seconds())

	t.mu.Lock()
	t.rollDayLocked()
	stats, ok := t.stats[agentID]
	if !ok {
		stats = &AgentStats{AgentID: agentID}
		t.stats[agentID] = stats
	}
	// Running average keeps the snapshot cheap to persist.
	total := stats.AvgLatencyMs*stats.Invocations + latency.Milliseconds()
	stats.Invocations++
	stats.AvgLatencyMs = total / stats.Invocations
	if failed {
		stats.Failures++
	}
	t.persistLocked()
	t.mu.Unlock()
}

// Snapshot returns a copy of today's per-agent stats.
func (t *Tracker) Snapshot() map[string]AgentStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]AgentStats, len(t.stats))
	for id, stats := range t.stats {
		out[id] = *stats
	}
	return out
}

// rollDayLocked resets counters when the calendar day changes.
func (t *Tracker) rollDayLocked() {
	today := time.Now().Format("2006-01-02")
	if today == t.day {
		return
	}
	t.day = today
	t.stats = make(map[string]*AgentStats)
}

func (t *Tracker) load() {
	if t.store == nil {
		return
	}
	var record dailyRecord
	found, err := kvstore.GetJSON(t.store, persistKey, &record)
	if err != nil {
		t.logger.Warn("discarding unreadable telemetry snapshot: %v", err)
		return
	}
	if !found || record.Day != t.day {
		return
	}
	for id, stats := range record.Agents {
		copied := stats
		t.stats[id] = &copied
	}
}

func (t *Tracker) persistLocked() {
	if t.store == nil {
		return
	}
	record := dailyRecord{Day: t.day, Agents: make(map[string]AgentStats, len(t.stats))}
	for id, stats := range t.stats {
		record.Agents[id] = *stats
	}
	if err := kvstore.SetJSON(t.store, persistKey, record); err != nil {
		t.logger.Error("persist telemetry: %v", err)
	}
}
