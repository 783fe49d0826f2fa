package harness

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"slidegate/internal/schemavalidation"
	"slidegate/internal/session"
	"slidegate/internal/store"
	"slidegate/internal/synth"
	"slidegate/internal/telemetry"
)

// ErrNotEvaluated is returned when a driven gesture produced no verdict,
// for example because the session is disabled.
var ErrNotEvaluated = errors.New("harness: gesture was not evaluated")

// ready brings ctrl back to Idle so a new gesture can start.
func ready(ctrl *session.Controller) error {
	switch ctrl.State() {
	case session.StateAccepted:
		return ctrl.Handle(session.Event{Type: session.Restart})
	case session.StateRejected:
		return ctrl.Handle(session.Event{Type: session.Reset})
	}
	return nil
}

// Drive replays path through ctrl as pointer events and returns the
// attempt it produced. A session left Accepted or Rejected by an earlier
// gesture is restarted or reset first.
func (g *Gate) Drive(ctrl *session.Controller, path []telemetry.Sample) (session.Attempt, error) {
	if len(path) == 0 {
		return session.Attempt{}, ErrEmptyGesture
	}
	if err := ready(ctrl); err != nil {
		return session.Attempt{}, err
	}

	before := 0
	if a, ok := ctrl.LastAttempt(); ok {
		before = a.Number
	}
	for _, ev := range session.FromSamples(path) {
		if err := ctrl.Handle(ev); err != nil {
			return session.Attempt{}, err
		}
	}

	a, ok := ctrl.LastAttempt()
	if !ok || a.Number == before {
		return session.Attempt{}, ErrNotEvaluated
	}
	return a, nil
}

// Simulate synthesizes a gesture of the given kind aimed at the session's
// current target and drives it.
func (g *Gate) Simulate(ctrl *session.Controller, kind synth.Kind) (session.Attempt, error) {
	if err := ready(ctrl); err != nil {
		return session.Attempt{}, err
	}
	ch := ctrl.Challenge()
	distance := float64(ch.TargetOffset - ctrl.Offset())
	path, err := g.synth.GenerateWithin(kind, GrabX, GrabY, distance, ch.Profile.MinDurationMs)
	if err != nil {
		return session.Attempt{}, err
	}
	return g.Drive(ctrl, path)
}

// Report tallies a batch of attempts.
type Report struct {
	Runs      int
	ByOutcome map[string]int
	ByFlag    map[string]int
	Attempts  []session.Attempt
}

// Outcomes returns the outcome labels present, sorted.
func (r *Report) Outcomes() []string {
	out := make([]string, 0, len(r.ByOutcome))
	for k := range r.ByOutcome {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Report) add(a session.Attempt) {
	r.Runs++
	r.ByOutcome[store.OutcomeOf(a.Verdict)]++
	for _, f := range a.Verdict.Flags {
		r.ByFlag[string(f)]++
	}
	r.Attempts = append(r.Attempts, a)
}

// SimulateRuns opens a session, drives runs synthetic gestures of kind
// through it and closes it.
func (g *Gate) SimulateRuns(kind synth.Kind, runs int) (*Report, error) {
	if runs <= 0 {
		return nil, fmt.Errorf("runs must be positive, got %d", runs)
	}
	ctrl, err := g.OpenSession(session.Hooks{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = g.CloseSession(ctrl.ID()) }()

	rep := &Report{ByOutcome: make(map[string]int), ByFlag: make(map[string]int)}
	for i := 0; i < runs; i++ {
		a, err := g.Simulate(ctrl, kind)
		if err != nil {
			return rep, fmt.Errorf("run %d: %w", i+1, err)
		}
		rep.add(a)
	}
	g.logger.Info("simulation finished",
		"kind", string(kind),
		"runs", runs,
		"accepted", rep.ByOutcome[store.OutcomeAccepted])
	return rep, nil
}

// ClassifyDocument judges a recorded gesture against the challenge it
// carries. Presets named by the document are resolved from the gate's
// table. With record set the attempt is stored under OfflineSessionID.
func (g *Gate) ClassifyDocument(doc *schemavalidation.Document, record bool) (session.Attempt, error) {
	ch, tel, err := doc.Resolve(g.Presets())
	if err != nil {
		return session.Attempt{}, err
	}

	g.mu.Lock()
	g.offline++
	n := g.offline
	g.mu.Unlock()

	a := session.Attempt{
		SessionID: OfflineSessionID,
		Number:    n,
		Challenge: ch,
		Telemetry: tel,
		Verdict:   g.Classify(tel, ch),
		At:        time.Now(),
	}
	if record {
		g.record(a)
	}
	return a, nil
}
