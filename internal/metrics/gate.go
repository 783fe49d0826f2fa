package metrics

import (
	"sync"
	"time"

	"slidegate/internal/classifier"
)

// Outcome labels for attempts_total.
const (
	OutcomeAccepted = "accepted"
	OutcomePosition = string(classifier.ReasonPosition)
	OutcomeBotLike  = string(classifier.ReasonBotLike)
)

// GateMetrics holds the slider gate's metrics.
type GateMetrics struct {
	registry *Registry

	// Counters
	ChallengesIssued *Counter
	Attempts         map[string]*Counter
	Flags            map[classifier.Rule]*Counter
	PositionMisses   *Counter
	Replays          *Counter
	StoreErrors      *Counter

	// Gauges
	ActiveSessions *Gauge
	UptimeSeconds  *Gauge

	// Histograms
	GestureDuration *Histogram
	GestureSamples  *Histogram
	EvaluationTime  *Histogram
}

var startTime = time.Now()

// NewGateMetrics creates and registers the gate metrics on registry.
func NewGateMetrics(registry *Registry) *GateMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &GateMetrics{
		registry: registry,
		ChallengesIssued: registry.RegisterCounter(
			"challenges_issued_total",
			"Total number of challenges generated",
			nil,
		),
		Attempts: make(map[string]*Counter),
		Flags:    make(map[classifier.Rule]*Counter),
		PositionMisses: registry.RegisterCounter(
			"position_misses_total",
			"Attempts released outside the target tolerance, whatever the outcome",
			nil,
		),
		Replays: registry.RegisterCounter(
			"replays_total",
			"Gestures rejected because their telemetry was seen before",
			nil,
		),
		StoreErrors: registry.RegisterCounter(
			"store_errors_total",
			"Attempts that could not be persisted",
			nil,
		),
		ActiveSessions: registry.RegisterGauge(
			"active_sessions",
			"Number of open gate sessions",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since metrics were initialized",
			nil,
		),
		GestureDuration: registry.RegisterHistogram(
			"gesture_duration_ms",
			"Elapsed time of evaluated gestures in milliseconds",
			nil,
			DurationMsBuckets,
		),
		GestureSamples: registry.RegisterHistogram(
			"gesture_samples",
			"Trajectory samples per evaluated gesture",
			nil,
			SampleBuckets,
		),
		EvaluationTime: registry.RegisterHistogram(
			"evaluation_ms",
			"Time spent classifying a gesture in milliseconds",
			nil,
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		),
	}

	for _, outcome := range []string{OutcomeAccepted, OutcomePosition, OutcomeBotLike} {
		m.Attempts[outcome] = registry.RegisterCounter(
			"attempts_total",
			"Evaluated attempts by outcome",
			Labels{"outcome": outcome},
		)
	}
	rules := append(append([]classifier.Rule(nil), classifier.AllRules...), classifier.RuleReplay)
	for _, rule := range rules {
		m.Flags[rule] = registry.RegisterCounter(
			"flags_total",
			"Bot heuristics that fired, by rule",
			Labels{"rule": string(rule)},
		)
	}

	return m
}

// Registry returns the registry the metrics live in.
func (m *GateMetrics) Registry() *Registry {
	return m.registry
}

// OutcomeOf maps a verdict to its attempts_total label.
func OutcomeOf(v classifier.Verdict) string {
	if v.Accepted {
		return OutcomeAccepted
	}
	return string(v.Reason)
}

// RecordVerdict counts one evaluated attempt.
func (m *GateMetrics) RecordVerdict(v classifier.Verdict) {
	if c, ok := m.Attempts[OutcomeOf(v)]; ok {
		c.Inc()
	}
	if !v.PositionMatched {
		m.PositionMisses.Inc()
	}
	for _, rule := range v.Flags {
		if c, ok := m.Flags[rule]; ok {
			c.Inc()
		}
	}
	m.GestureDuration.Observe(float64(v.Stats.DurationMs))
	m.GestureSamples.Observe(float64(v.Stats.Samples))
}

// RecordChallenge counts a generated challenge.
func (m *GateMetrics) RecordChallenge() {
	m.ChallengesIssued.Inc()
}

// RecordReplay counts a gesture rejected as a replay.
func (m *GateMetrics) RecordReplay() {
	m.Replays.Inc()
}

// RecordStoreError counts a failed persistence call.
func (m *GateMetrics) RecordStoreError() {
	m.StoreErrors.Inc()
}

// StartEvaluationTimer times one classification.
func (m *GateMetrics) StartEvaluationTimer() *HistogramTimer {
	return m.EvaluationTime.Timer()
}

// SessionOpened increments the active session gauge.
func (m *GateMetrics) SessionOpened() {
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *GateMetrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

// UpdateUptime refreshes the uptime gauge.
func (m *GateMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a summary of key metrics.
func (m *GateMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	snap := map[string]interface{}{
		"challenges_issued_total": m.ChallengesIssued.Value(),
		"position_misses_total":   m.PositionMisses.Value(),
		"replays_total":           m.Replays.Value(),
		"store_errors_total":      m.StoreErrors.Value(),
		"active_sessions":         m.ActiveSessions.Value(),
		"uptime_seconds":          m.UptimeSeconds.Value(),
		"gesture_duration_avg_ms": m.GestureDuration.Mean(),
		"gesture_duration_p90_ms": m.GestureDuration.Percentile(90),
	}
	for outcome, c := range m.Attempts {
		snap["attempts_"+outcome] = c.Value()
	}
	return snap
}

var (
	gateMu      sync.Mutex
	defaultGate *GateMetrics
)

// Gate returns the global gate metrics, registering them on Default.
func Gate() *GateMetrics {
	gateMu.Lock()
	defer gateMu.Unlock()
	if defaultGate == nil {
		defaultGate = NewGateMetrics(Default())
	}
	return defaultGate
}
