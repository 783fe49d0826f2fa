// Package classifier decides whether a finished drag was made by a human.
//
// Classification is a pure function of the telemetry and the challenge: it
// performs no I/O and the same input always yields the same Verdict. The
// position check and five independent bot heuristics are combined as
//
//	accepted = positionMatched AND humanLike
//
// where humanLike is false if any heuristic fires.
package classifier

import (
	"slidegate/internal/challenge"
	"slidegate/internal/telemetry"
)

// Rule identifies one bot-detection heuristic.
type Rule string

const (
	RuleDuration        Rule = "duration_out_of_bounds"
	RuleSparsePath      Rule = "path_too_sparse"
	RuleUniformVelocity Rule = "velocity_too_uniform"
	RuleStraightPath    Rule = "path_too_straight"
	RuleUniformTiming   Rule = "intervals_too_uniform"

	// RuleReplay is never raised by Classify. Hosts that keep a history of
	// telemetry fingerprints apply it through Verdict.AsReplay.
	RuleReplay Rule = "telemetry_replayed"
)

// AllRules lists the heuristics in evaluation order.
var AllRules = []Rule{RuleDuration, RuleSparsePath, RuleUniformVelocity, RuleStraightPath, RuleUniformTiming}

// FailReason is the rejection class reported to the host.
type FailReason string

const (
	ReasonNone     FailReason = ""
	ReasonPosition FailReason = "position"
	ReasonBotLike  FailReason = "bot-like"
)

// Thresholds are the heuristic tuning values. They are empirical and meant
// to be adjusted through configuration.
type Thresholds struct {
	// MinVelocityVariance in px²/ms².
	MinVelocityVariance float64 `json:"minVelocityVariance"`
	// MinPathRatio is the minimum path length over chord length.
	MinPathRatio float64 `json:"minPathRatio"`
	// MinIntervalVariance in ms².
	MinIntervalVariance float64 `json:"minIntervalVariance"`
}

// DefaultThresholds returns the stock tuning values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinVelocityVariance: 0.1,
		MinPathRatio:        1.1,
		MinIntervalVariance: 10,
	}
}

// Verdict is the classifier output.
type Verdict struct {
	Accepted        bool       `json:"accepted"`
	PositionMatched bool       `json:"positionMatched"`
	HumanLike       bool       `json:"humanLike"`
	Reason          FailReason `json:"reason,omitempty"`
	Flags           []Rule     `json:"flags,omitempty"`
	Stats           Stats      `json:"stats"`
}

// Flagged reports whether the given rule fired.
func (v Verdict) Flagged(rule Rule) bool {
	for _, f := range v.Flags {
		if f == rule {
			return true
		}
	}
	return false
}

// AsReplay returns v rejected as bot-like with RuleReplay added.
func (v Verdict) AsReplay() Verdict {
	out := v
	out.Accepted = false
	out.HumanLike = false
	out.Reason = ReasonBotLike
	out.Flags = append(append([]Rule(nil), v.Flags...), RuleReplay)
	return out
}

// Classifier evaluates telemetry against a challenge using fixed thresholds.
type Classifier struct {
	thresholds Thresholds
}

// New creates a classifier. Non-positive thresholds fall back to defaults.
func New(t Thresholds) *Classifier {
	def := DefaultThresholds()
	if t.MinVelocityVariance <= 0 {
		t.MinVelocityVariance = def.MinVelocityVariance
	}
	if t.MinPathRatio <= 0 {
		t.MinPathRatio = def.MinPathRatio
	}
	if t.MinIntervalVariance <= 0 {
		t.MinIntervalVariance = def.MinIntervalVariance
	}
	return &Classifier{thresholds: t}
}

// Thresholds returns the values in effect.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify evaluates tel against ch with default thresholds.
func Classify(tel telemetry.Telemetry, ch challenge.Challenge) Verdict {
	return New(DefaultThresholds()).Classify(tel, ch)
}

// Classify evaluates a finished gesture.
func (c *Classifier) Classify(tel telemetry.Telemetry, ch challenge.Challenge) Verdict {
	profile := ch.Profile
	gap := abs(tel.EndOffset - ch.TargetOffset)

	v := Verdict{
		PositionMatched: gap <= profile.ToleranceDistance,
		Stats: Stats{
			Samples: len(tel.Path),
			Gap:     gap,
		},
	}

	if len(tel.Path) < 2 {
		// Nothing to measure; degenerate records count as too sparse.
		v.Flags = []Rule{RuleSparsePath}
		return finish(v)
	}

	path := tel.Path
	s := &v.Stats
	s.DurationMs = tel.DurationMs()

	if s.DurationMs < profile.MinDurationMs || s.DurationMs > profile.MaxDurationMs {
		v.Flags = append(v.Flags, RuleDuration)
	}

	if len(path) < profile.MinPathSamples {
		v.Flags = append(v.Flags, RuleSparsePath)
	}

	velocities := StepVelocities(path)
	s.UsableVelocities = len(velocities)
	s.VelocityVariance = PopulationVariance(velocities)
	if len(velocities) == 0 || s.VelocityVariance < c.thresholds.MinVelocityVariance {
		v.Flags = append(v.Flags, RuleUniformVelocity)
	}

	s.PathLength = PathLength(path)
	s.ChordLength = ChordLength(path)
	switch {
	case s.PathLength == 0:
		v.Flags = append(v.Flags, RuleStraightPath)
	case s.ChordLength > 0:
		s.PathRatio = s.PathLength / s.ChordLength
		if s.PathRatio < c.thresholds.MinPathRatio {
			v.Flags = append(v.Flags, RuleStraightPath)
		}
	}
	// A closed loop (zero chord, non-zero path) has no defined ratio and is
	// not treated as straight; PathRatio stays 0.

	s.IntervalVariance = PopulationVariance(Intervals(path))
	if s.IntervalVariance < c.thresholds.MinIntervalVariance {
		v.Flags = append(v.Flags, RuleUniformTiming)
	}

	return finish(v)
}

func finish(v Verdict) Verdict {
	v.HumanLike = len(v.Flags) == 0
	v.Accepted = v.PositionMatched && v.HumanLike
	switch {
	case v.Accepted:
		v.Reason = ReasonNone
	case !v.HumanLike:
		v.Reason = ReasonBotLike
	default:
		v.Reason = ReasonPosition
	}
	return v
}
