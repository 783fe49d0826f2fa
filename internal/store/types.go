// Package store provides SQLite-based attempt storage for slidegate.
package store

import (
	"time"

	"slidegate/internal/classifier"
	"slidegate/internal/session"
	"slidegate/internal/telemetry"
)

// Outcome labels persisted in attempts.outcome.
const (
	OutcomeAccepted = "accepted"
	OutcomePosition = string(classifier.ReasonPosition)
	OutcomeBotLike  = string(classifier.ReasonBotLike)
)

// Session is one widget lifetime.
type Session struct {
	ID          string
	Difficulty  string
	TrackWidth  int
	SliderWidth int
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// AttemptRecord is one evaluated gesture as stored.
type AttemptRecord struct {
	ID           int64
	SessionID    string
	Number       int
	ChallengeID  string
	Profile      string
	TargetOffset int
	StartOffset  int
	EndOffset    int
	Outcome      string
	// PositionMatched is nil for bot-like attempts stored before the
	// column existed.
	PositionMatched *bool
	Flags           []classifier.Rule
	Stats           classifier.Stats
	Path            []telemetry.Sample
	Fingerprint     string
	CreatedAt       time.Time
}

// Accepted reports whether the gesture passed.
func (r *AttemptRecord) Accepted() bool {
	return r.Outcome == OutcomeAccepted
}

// Telemetry rebuilds the gesture record from the stored columns.
func (r *AttemptRecord) Telemetry() telemetry.Telemetry {
	return telemetry.Telemetry{
		Path:        r.Path,
		StartOffset: r.StartOffset,
		EndOffset:   r.EndOffset,
		Velocities:  telemetry.ComputeVelocities(r.Path),
	}
}

// Verdict rebuilds the classifier verdict from the stored columns. Records
// without a stored position match infer it from the outcome.
func (r *AttemptRecord) Verdict() classifier.Verdict {
	matched := r.Outcome != OutcomePosition
	if r.PositionMatched != nil {
		matched = *r.PositionMatched
	}
	v := classifier.Verdict{
		Accepted:        r.Accepted(),
		PositionMatched: matched,
		HumanLike:       len(r.Flags) == 0,
		Flags:           append([]classifier.Rule(nil), r.Flags...),
		Stats:           r.Stats,
	}
	if !v.Accepted {
		v.Reason = classifier.FailReason(r.Outcome)
	}
	return v
}

// OutcomeOf maps a verdict to its stored outcome label.
func OutcomeOf(v classifier.Verdict) string {
	if v.Accepted {
		return OutcomeAccepted
	}
	return string(v.Reason)
}

// FromAttempt converts a controller attempt into a record ready to insert.
func FromAttempt(a session.Attempt) *AttemptRecord {
	matched := a.Verdict.PositionMatched
	return &AttemptRecord{
		SessionID:       a.SessionID,
		Number:          a.Number,
		ChallengeID:     a.Challenge.ID,
		Profile:         a.Challenge.Profile.Name,
		TargetOffset:    a.Challenge.TargetOffset,
		StartOffset:     a.Telemetry.StartOffset,
		EndOffset:       a.Telemetry.EndOffset,
		Outcome:         OutcomeOf(a.Verdict),
		PositionMatched: &matched,
		Flags:           append([]classifier.Rule(nil), a.Verdict.Flags...),
		Stats:           a.Verdict.Stats,
		Path:            append([]telemetry.Sample(nil), a.Telemetry.Path...),
		Fingerprint:     a.Telemetry.Fingerprint(),
		CreatedAt:       a.At,
	}
}

// Filter narrows ListAttempts. Zero fields match everything.
type Filter struct {
	SessionID string
	Outcome   string
	Since     time.Time
	// Limit caps the result; 0 means no limit.
	Limit int
}

// Summary aggregates the stored history.
type Summary struct {
	Sessions  int64
	Attempts  int64
	ByOutcome map[string]int64
	First     *time.Time
	Last      *time.Time
}
