package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegate/internal/challenge"
	"slidegate/internal/telemetry"
)

// =============================================================================
// Fixtures
// =============================================================================

func testProfile() challenge.DifficultyProfile {
	return challenge.DifficultyProfile{
		Name:              "test",
		ToleranceDistance: 5,
		MinDurationMs:     300,
		MaxDurationMs:     5000,
		MinPathSamples:    8,
	}
}

func testChallenge(target int) challenge.Challenge {
	return challenge.Challenge{
		TargetOffset: target,
		Profile:      testProfile(),
		TrackWidth:   300,
		SliderWidth:  40,
	}
}

func path(points ...[3]float64) []telemetry.Sample {
	out := make([]telemetry.Sample, len(points))
	for i, p := range points {
		out[i] = telemetry.Sample{X: p[0], Y: p[1], TimeMs: int64(p[2])}
	}
	return out
}

// humanPath wobbles around the chord with an accelerate/decelerate profile:
// 8 samples over 600ms, velocity variance ~0.40, path ratio ~1.28,
// interval variance ~882.
func humanPath() []telemetry.Sample {
	return path(
		[3]float64{0, 0, 0},
		[3]float64{6, 8, 90},
		[3]float64{40, -18, 150},
		[3]float64{110, 20, 190},
		[3]float64{160, -16, 260},
		[3]float64{185, 10, 380},
		[3]float64{196, -6, 470},
		[3]float64{200, 0, 600},
	)
}

// straightPath has the same timing character but lies on the chord.
func straightPath() []telemetry.Sample {
	return path(
		[3]float64{0, 0, 0},
		[3]float64{10, 0, 80},
		[3]float64{45, 0, 130},
		[3]float64{120, 0, 180},
		[3]float64{165, 0, 260},
		[3]float64{185, 0, 360},
		[3]float64{195, 0, 450},
		[3]float64{200, 0, 600},
	)
}

// scriptedPath zig-zags at constant speed with fixed 80ms intervals.
func scriptedPath() []telemetry.Sample {
	out := make([]telemetry.Sample, 9)
	for i := range out {
		y := -8.0
		if i%2 == 1 {
			y = 8
		}
		out[i] = telemetry.Sample{X: float64(i * 25), Y: y, TimeMs: int64(i * 80)}
	}
	return out
}

func withEnd(p []telemetry.Sample, end int) telemetry.Telemetry {
	return telemetry.Telemetry{
		Path:       p,
		EndOffset:  end,
		Velocities: telemetry.ComputeVelocities(p),
	}
}

// =============================================================================
// Acceptance and determinism
// =============================================================================

func TestAcceptHumanDrag(t *testing.T) {
	v := Classify(withEnd(humanPath(), 102), testChallenge(100))

	assert.True(t, v.Accepted, "flags: %v", v.Flags)
	assert.True(t, v.PositionMatched)
	assert.True(t, v.HumanLike)
	assert.Empty(t, v.Flags)
	assert.Equal(t, ReasonNone, v.Reason)

	assert.Equal(t, int64(600), v.Stats.DurationMs)
	assert.Equal(t, 8, v.Stats.Samples)
	assert.Equal(t, 2, v.Stats.Gap)
	assert.Greater(t, v.Stats.VelocityVariance, 0.1)
	assert.GreaterOrEqual(t, v.Stats.PathRatio, 1.1)
	assert.Greater(t, v.Stats.IntervalVariance, 10.0)
}

func TestClassifyDeterministic(t *testing.T) {
	tel := withEnd(humanPath(), 100)
	ch := testChallenge(100)
	first := Classify(tel, ch)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(tel, ch))
	}
}

// =============================================================================
// Position check
// =============================================================================

func TestPositionBoundary(t *testing.T) {
	tests := []struct {
		end   int
		match bool
	}{
		{100, true},
		{105, true},
		{95, true},
		{106, false},
		{94, false},
	}
	for _, tt := range tests {
		v := Classify(withEnd(humanPath(), tt.end), testChallenge(100))
		assert.Equal(t, tt.match, v.PositionMatched, "end offset %d", tt.end)
		assert.Equal(t, tt.match, v.Accepted, "end offset %d", tt.end)
		if !tt.match {
			assert.Equal(t, ReasonPosition, v.Reason)
			assert.True(t, v.HumanLike)
		}
	}
}

// =============================================================================
// Heuristics
// =============================================================================

func TestDurationBoundary(t *testing.T) {
	// humanPath with timestamps halved: ends at 300ms.
	base := path(
		[3]float64{0, 0, 0},
		[3]float64{6, 8, 45},
		[3]float64{40, -18, 75},
		[3]float64{110, 20, 95},
		[3]float64{160, -16, 130},
		[3]float64{185, 10, 190},
		[3]float64{196, -6, 235},
		[3]float64{200, 0, 300},
	)
	v := Classify(withEnd(base, 100), testChallenge(100))
	assert.False(t, v.Flagged(RuleDuration))
	assert.True(t, v.Accepted, "flags: %v", v.Flags)

	short := append([]telemetry.Sample(nil), base...)
	short[len(short)-1].TimeMs = 299
	v = Classify(withEnd(short, 100), testChallenge(100))
	assert.True(t, v.Flagged(RuleDuration))
	assert.Equal(t, []Rule{RuleDuration}, v.Flags)
	assert.Equal(t, ReasonBotLike, v.Reason)
}

func TestDurationTooLong(t *testing.T) {
	p := humanPath()
	for i := range p {
		p[i].TimeMs *= 10
	}
	v := Classify(withEnd(p, 100), testChallenge(100))
	assert.True(t, v.Flagged(RuleDuration))
	assert.Equal(t, int64(6000), v.Stats.DurationMs)
}

func TestStraightLineRejected(t *testing.T) {
	v := Classify(withEnd(straightPath(), 100), testChallenge(100))

	assert.False(t, v.HumanLike)
	assert.False(t, v.Accepted)
	assert.True(t, v.PositionMatched)
	assert.Equal(t, []Rule{RuleStraightPath}, v.Flags)
	assert.InDelta(t, 1.0, v.Stats.PathRatio, 1e-9)
	assert.Equal(t, ReasonBotLike, v.Reason)
}

func TestStraightLineRejectedForAnySampleFloor(t *testing.T) {
	for _, min := range []int{1, 2, 5, 8} {
		ch := testChallenge(100)
		ch.Profile.MinPathSamples = min
		v := Classify(withEnd(straightPath(), 100), ch)
		assert.True(t, v.Flagged(RuleStraightPath), "min samples %d", min)
		assert.False(t, v.HumanLike)
	}
}

func TestScriptedDragRejected(t *testing.T) {
	v := Classify(withEnd(scriptedPath(), 100), testChallenge(100))

	assert.False(t, v.Accepted)
	assert.True(t, v.Flagged(RuleUniformVelocity))
	assert.True(t, v.Flagged(RuleUniformTiming))
	assert.False(t, v.Flagged(RuleStraightPath))
	assert.Less(t, v.Stats.IntervalVariance, 10.0)
}

func TestSparsePath(t *testing.T) {
	ch := testChallenge(100)
	ch.Profile.MinPathSamples = 20
	v := Classify(withEnd(humanPath(), 100), ch)
	assert.Equal(t, []Rule{RuleSparsePath}, v.Flags)
}

func TestSingleSampleIsBotLike(t *testing.T) {
	tel := telemetry.Telemetry{Path: path([3]float64{5, 5, 100}), EndOffset: 100}

	var v Verdict
	require.NotPanics(t, func() { v = Classify(tel, testChallenge(100)) })
	assert.False(t, v.HumanLike)
	assert.False(t, v.Accepted)
	assert.Equal(t, []Rule{RuleSparsePath}, v.Flags)
	assert.Equal(t, ReasonBotLike, v.Reason)
	assert.Zero(t, v.Stats.VelocityVariance)
}

func TestEmptyTelemetryIsBotLike(t *testing.T) {
	v := Classify(telemetry.Telemetry{}, testChallenge(0))
	assert.Equal(t, []Rule{RuleSparsePath}, v.Flags)
	assert.True(t, v.PositionMatched)
	assert.False(t, v.Accepted)
}

func TestZeroElapsedPairsExcluded(t *testing.T) {
	p := humanPath()
	// Duplicate a sample at the same timestamp: no velocity can be derived.
	p = append(p[:4], append([]telemetry.Sample{p[3]}, p[4:]...)...)

	v := Classify(withEnd(p, 100), testChallenge(100))
	assert.Equal(t, len(p)-2, v.Stats.UsableVelocities)
	assert.False(t, v.Flagged(RuleUniformVelocity))
	assert.True(t, v.Accepted, "flags: %v", v.Flags)
}

func TestAllPairsZeroElapsed(t *testing.T) {
	p := path(
		[3]float64{0, 0, 50},
		[3]float64{10, 10, 50},
		[3]float64{40, -5, 50},
	)
	v := Classify(withEnd(p, 100), testChallenge(100))
	assert.Zero(t, v.Stats.UsableVelocities)
	assert.True(t, v.Flagged(RuleUniformVelocity))
	assert.True(t, v.Flagged(RuleDuration))
	assert.True(t, v.Flagged(RuleUniformTiming))
}

func TestMotionlessPathIsStraight(t *testing.T) {
	p := path(
		[3]float64{5, 5, 0},
		[3]float64{5, 5, 200},
		[3]float64{5, 5, 450},
	)
	v := Classify(withEnd(p, 100), testChallenge(100))
	assert.True(t, v.Flagged(RuleStraightPath))
}

func TestClosedLoopNotStraight(t *testing.T) {
	p := path(
		[3]float64{0, 0, 0},
		[3]float64{50, 20, 150},
		[3]float64{0, 0, 420},
	)
	v := Classify(withEnd(p, 100), testChallenge(100))
	assert.False(t, v.Flagged(RuleStraightPath))
	assert.Zero(t, v.Stats.PathRatio)
}

func TestBotReasonTakesPrecedence(t *testing.T) {
	v := Classify(withEnd(straightPath(), 180), testChallenge(100))
	assert.False(t, v.PositionMatched)
	assert.False(t, v.HumanLike)
	assert.Equal(t, ReasonBotLike, v.Reason)
}

// =============================================================================
// Thresholds
// =============================================================================

func TestCustomThresholds(t *testing.T) {
	strict := New(Thresholds{MinPathRatio: 1.5})
	assert.Equal(t, 1.5, strict.Thresholds().MinPathRatio)
	assert.Equal(t, DefaultThresholds().MinVelocityVariance, strict.Thresholds().MinVelocityVariance)

	v := strict.Classify(withEnd(humanPath(), 100), testChallenge(100))
	assert.Equal(t, []Rule{RuleStraightPath}, v.Flags)

	lenient := New(Thresholds{MinPathRatio: 0.5, MinVelocityVariance: 1e-9, MinIntervalVariance: 1e-9})
	v = lenient.Classify(withEnd(straightPath(), 100), testChallenge(100))
	assert.True(t, v.Accepted, "flags: %v", v.Flags)
}

// =============================================================================
// Statistics helpers
// =============================================================================

func TestPopulationVariance(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{4}, 0},
		{"constant", []float64{3, 3, 3}, 0},
		{"simple", []float64{2, 4, 4, 4, 5, 5, 7, 9}, 4},
		{"two values", []float64{1, 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, PopulationVariance(tt.values), 1e-9)
		})
	}
}

func TestPathAndChordLength(t *testing.T) {
	p := path(
		[3]float64{0, 0, 0},
		[3]float64{3, 4, 10},
		[3]float64{6, 0, 20},
	)
	assert.InDelta(t, 10.0, PathLength(p), 1e-9)
	assert.InDelta(t, 6.0, ChordLength(p), 1e-9)
	assert.Zero(t, ChordLength(p[:1]))
	assert.Zero(t, PathLength(nil))
}

func TestIntervals(t *testing.T) {
	p := path(
		[3]float64{0, 0, 0},
		[3]float64{1, 0, 16},
		[3]float64{2, 0, 40},
	)
	assert.Equal(t, []float64{16, 24}, Intervals(p))
	assert.Nil(t, Intervals(p[:1]))
}

func TestAsReplay(t *testing.T) {
	accepted := Verdict{Accepted: true, PositionMatched: true, HumanLike: true}
	got := accepted.AsReplay()

	assert.False(t, got.Accepted)
	assert.False(t, got.HumanLike)
	assert.True(t, got.PositionMatched)
	assert.Equal(t, ReasonBotLike, got.Reason)
	assert.Equal(t, []Rule{RuleReplay}, got.Flags)
	assert.True(t, accepted.Accepted, "receiver is unchanged")
	assert.NotContains(t, AllRules, RuleReplay)
}
