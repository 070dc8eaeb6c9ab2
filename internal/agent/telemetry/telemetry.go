package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fitforge/coach/config"
)

// Telemetry tracks turn outcomes, tool executions and token spend.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	mu            sync.RWMutex
	totalTurns    int64
	failedTurns   int64
	tokensByAgent map[string]int64

	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	toolExecutions *prometheus.CounterVec
	llmTokens      *prometheus.CounterVec
}

var (
	registerOnce sync.Once
	shared       struct {
		turnsTotal     *prometheus.CounterVec
		turnDuration   *prometheus.HistogramVec
		toolExecutions *prometheus.CounterVec
		llmTokens      *prometheus.CounterVec
	}
)

// NewTelemetry creates a telemetry instance. Prometheus collectors are
// registered once per process.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	registerOnce.Do(func() {
		shared.turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_turns_total",
			Help: "Conversation turns processed, labelled by agent and outcome.",
		}, []string{"agent", "outcome"})
		shared.turnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coach_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent", "mode"})
		shared.toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_tool_executions_total",
			Help: "Tool invocations, labelled by agent and tool.",
		}, []string{"agent", "tool"})
		shared.llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_llm_tokens_total",
			Help: "LLM tokens consumed, labelled by agent and direction.",
		}, []string{"agent", "direction"})
	})
	return &Telemetry{
		config:         cfg,
		logger:         log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		tokensByAgent:  make(map[string]int64),
		turnsTotal:     shared.turnsTotal,
		turnDuration:   shared.turnDuration,
		toolExecutions: shared.toolExecutions,
		llmTokens:      shared.llmTokens,
	}
}

// RecordTurn records one completed (or failed) turn.
func (t *Telemetry) RecordTurn(agent, mode string, d time.Duration, err error) {
	if t == nil || !t.config.Enabled {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	t.turnsTotal.WithLabelValues(agent, outcome).Inc()
	t.turnDuration.WithLabelValues(agent, mode).Observe(d.Seconds())

	t.mu.Lock()
	t.totalTurns++
	if err != nil {
		t.failedTurns++
	}
	t.mu.Unlock()
}

// RecordToolExecution records one tool invocation.
func (t *Telemetry) RecordToolExecution(agent, tool string) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.toolExecutions.WithLabelValues(agent, tool).Inc()
}

// RecordTokens records LLM token usage for one completion.
func (t *Telemetry) RecordTokens(agent string, in, out int64) {
	if t == nil || !t.config.Enabled {
		return
	}
	t.llmTokens.WithLabelValues(agent, "input").Add(float64(in))
	t.llmTokens.WithLabelValues(agent, "output").Add(float64(out))
	if t.config.CostTracking {
		t.mu.Lock()
		t.tokensByAgent[agent] += in + out
		t.mu.Unlock()
	}
}

// Snapshot returns aggregate counters for ops endpoints and logs.
func (t *Telemetry) Snapshot() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tokens := make(map[string]int64, len(t.tokensByAgent))
	for k, v := range t.tokensByAgent {
		tokens[k] = v
	}
	return map[string]interface{}{
		"total_turns":  t.totalTurns,
		"failed_turns": t.failedTurns,
		"tokens":       tokens,
	}
}
