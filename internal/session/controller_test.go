package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegate/internal/challenge"
	"slidegate/internal/classifier"
	"slidegate/internal/telemetry"
)

// =============================================================================
// Test doubles
// =============================================================================

type stubSource struct {
	mu     sync.Mutex
	target int
	calls  int
}

func (s *stubSource) Generate(trackWidth, sliderWidth int, profileName string) (challenge.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return challenge.Challenge{
		ID:           "ch-" + string(rune('a'+s.calls)),
		TargetOffset: s.target,
		Profile: challenge.DifficultyProfile{
			Name:              profileName,
			ToleranceDistance: 5,
			MinDurationMs:     300,
			MaxDurationMs:     8000,
			MinPathSamples:    8,
		},
		TrackWidth:  trackWidth,
		SliderWidth: sliderWidth,
	}, nil
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// FireAll runs every pending timer.
func (s *fakeScheduler) FireAll() int {
	s.mu.Lock()
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (s *fakeScheduler) Last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

type recorder struct {
	mu        sync.Mutex
	successes int
	failures  []classifier.FailReason
	attempts  []Attempt
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnSuccess: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes++
		},
		OnFail: func(reason classifier.FailReason) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, reason)
		},
		OnEvaluated: func(a Attempt) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.attempts = append(r.attempts, a)
		},
	}
}

// humanGesture moves the slider from 0 to 200 with a wobbling,
// irregularly timed path.
func humanGesture() []telemetry.Sample {
	return []telemetry.Sample{
		{X: 0, Y: 0, TimeMs: 0},
		{X: 6, Y: 8, TimeMs: 90},
		{X: 40, Y: -18, TimeMs: 150},
		{X: 110, Y: 20, TimeMs: 190},
		{X: 160, Y: -16, TimeMs: 260},
		{X: 185, Y: 10, TimeMs: 380},
		{X: 196, Y: -6, TimeMs: 470},
		{X: 200, Y: 0, TimeMs: 600},
	}
}

// straightGesture covers the same distance along a ruler-straight line.
func straightGesture() []telemetry.Sample {
	return []telemetry.Sample{
		{X: 0, Y: 0, TimeMs: 0},
		{X: 10, Y: 0, TimeMs: 80},
		{X: 45, Y: 0, TimeMs: 130},
		{X: 120, Y: 0, TimeMs: 180},
		{X: 165, Y: 0, TimeMs: 260},
		{X: 185, Y: 0, TimeMs: 360},
		{X: 195, Y: 0, TimeMs: 450},
		{X: 200, Y: 0, TimeMs: 600},
	}
}

func newTestController(t *testing.T, target int, hooks Hooks) (*Controller, *stubSource, *fakeScheduler) {
	t.Helper()
	src := &stubSource{target: target}
	sched := &fakeScheduler{}
	c, err := NewController(src, Config{TrackWidth: 300, SliderWidth: 40, Profile: "medium"}, hooks, WithScheduler(sched))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, src, sched
}

func drive(t *testing.T, c *Controller, path []telemetry.Sample) {
	t.Helper()
	for _, ev := range FromSamples(path) {
		require.NoError(t, c.Handle(ev))
	}
}

// =============================================================================
// Acceptance
// =============================================================================

func TestAcceptedGesture(t *testing.T) {
	rec := &recorder{}
	c, _, sched := newTestController(t, 200, rec.hooks())
	assert.Equal(t, StateIdle, c.State())

	drive(t, c, humanGesture())

	assert.Equal(t, StateAccepted, c.State())
	assert.Equal(t, 200, c.Offset())
	assert.Equal(t, 1, rec.successes)
	assert.Empty(t, rec.failures)
	require.Len(t, rec.attempts, 1)
	assert.True(t, rec.attempts[0].Verdict.Accepted)
	assert.Equal(t, 1, rec.attempts[0].Number)
	assert.Equal(t, c.ID(), rec.attempts[0].SessionID)
	assert.Len(t, rec.attempts[0].Telemetry.Path, 8)
	assert.Zero(t, sched.FireAll(), "no reset is scheduled after success")

	last, ok := c.LastAttempt()
	require.True(t, ok)
	assert.Equal(t, rec.attempts[0].Verdict, last.Verdict)
}

func TestSuccessIsIdempotent(t *testing.T) {
	rec := &recorder{}
	c, src, _ := newTestController(t, 200, rec.hooks())

	drive(t, c, humanGesture())
	drive(t, c, humanGesture())
	require.NoError(t, c.Handle(End(0, 0, 5000)))

	assert.Equal(t, StateAccepted, c.State())
	assert.Equal(t, 1, rec.successes)
	assert.Len(t, rec.attempts, 1)
	assert.Equal(t, 1, src.Calls())

	require.NoError(t, c.Handle(Event{Type: Reset}))
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, c.Offset())
	assert.Equal(t, 2, src.Calls())
}

// =============================================================================
// Rejection and retry
// =============================================================================

func TestRejectedPositionSchedulesReset(t *testing.T) {
	rec := &recorder{}
	c, src, sched := newTestController(t, 100, rec.hooks())

	drive(t, c, humanGesture())

	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, []classifier.FailReason{classifier.ReasonPosition}, rec.failures)
	assert.Equal(t, 1, c.AttemptCount())
	require.NotNil(t, sched.Last())
	assert.Equal(t, DefaultResetDelay, sched.Last().d)

	// Input is ignored while the rejection is displayed.
	require.NoError(t, c.Handle(Start(0, 0, 9000)))
	assert.Equal(t, StateRejected, c.State())

	assert.Equal(t, 1, sched.FireAll())
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, c.Offset())
	assert.Equal(t, 2, src.Calls())
	assert.Equal(t, 1, c.AttemptCount())
}

func TestBotLikeRejection(t *testing.T) {
	rec := &recorder{}
	c, _, _ := newTestController(t, 200, rec.hooks())

	drive(t, c, straightGesture())

	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, []classifier.FailReason{classifier.ReasonBotLike}, rec.failures)
	require.Len(t, rec.attempts, 1)
	assert.True(t, rec.attempts[0].Verdict.PositionMatched)
	assert.True(t, rec.attempts[0].Verdict.Flagged(classifier.RuleStraightPath))
}

func TestRetryCounting(t *testing.T) {
	rec := &recorder{}
	c, src, sched := newTestController(t, 100, rec.hooks())

	for i := 1; i <= 3; i++ {
		drive(t, c, humanGesture())
		require.Equal(t, StateRejected, c.State(), "attempt %d", i)
		require.Equal(t, 1, sched.FireAll())
		require.Equal(t, StateIdle, c.State())
		assert.Equal(t, i, c.AttemptCount())
		assert.Equal(t, i, c.Challenge().AttemptCount)
	}

	assert.Equal(t, 3, c.AttemptCount())
	assert.Equal(t, 4, src.Calls())
	assert.Len(t, rec.failures, 3)
	require.Len(t, rec.attempts, 3)
	assert.Equal(t, 3, rec.attempts[2].Number)
}

func TestRestartZeroesAttemptCount(t *testing.T) {
	c, src, sched := newTestController(t, 100, Hooks{})

	drive(t, c, humanGesture())
	sched.FireAll()
	drive(t, c, humanGesture())
	require.Equal(t, 2, c.AttemptCount())

	require.NoError(t, c.Handle(Event{Type: Restart}))
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, c.AttemptCount())
	assert.Equal(t, 3, src.Calls())
	assert.True(t, sched.Last().stopped, "pending reset is cancelled")
}

func TestManualResetCancelsTimer(t *testing.T) {
	c, src, sched := newTestController(t, 100, Hooks{})

	drive(t, c, humanGesture())
	pending := sched.Last()
	require.NotNil(t, pending)

	require.NoError(t, c.Handle(Event{Type: Reset}))
	assert.True(t, pending.stopped)
	assert.Equal(t, 2, src.Calls())
	assert.Equal(t, 1, c.AttemptCount())

	// A timer that raced past Stop must not touch the new challenge.
	before := c.Challenge()
	pending.f()
	assert.Equal(t, before, c.Challenge())
	assert.Equal(t, 2, src.Calls())
	assert.Equal(t, StateIdle, c.State())
}

func TestStaleTimerAfterNewRejection(t *testing.T) {
	c, src, sched := newTestController(t, 100, Hooks{})

	drive(t, c, humanGesture())
	stale := sched.Last()
	require.NoError(t, c.Handle(Event{Type: Reset}))
	drive(t, c, humanGesture())
	require.Equal(t, StateRejected, c.State())

	stale.f()
	assert.Equal(t, StateRejected, c.State())
	assert.Equal(t, 2, src.Calls())

	sched.FireAll()
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 3, src.Calls())
}

// =============================================================================
// Dragging
// =============================================================================

func TestOffsetClampedToTrack(t *testing.T) {
	c, _, _ := newTestController(t, 100, Hooks{})

	require.NoError(t, c.Handle(Start(50, 0, 0)))
	assert.Equal(t, StateDragging, c.State())

	require.NoError(t, c.Handle(Move(10, 0, 20)))
	assert.Equal(t, 0, c.Offset())

	require.NoError(t, c.Handle(Move(1000, 0, 40)))
	assert.Equal(t, 260, c.Offset())

	require.NoError(t, c.Handle(Move(150.6, 3, 60)))
	assert.Equal(t, 101, c.Offset())
}

func TestMovesOutsideDragIgnored(t *testing.T) {
	rec := &recorder{}
	c, _, _ := newTestController(t, 100, rec.hooks())

	require.NoError(t, c.Handle(Move(80, 0, 10)))
	require.NoError(t, c.Handle(End(80, 0, 20)))
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, c.Offset())
	assert.Empty(t, rec.attempts)
}

func TestDisabledBlocksStartOnly(t *testing.T) {
	rec := &recorder{}
	c, _, _ := newTestController(t, 200, rec.hooks())

	require.NoError(t, c.Handle(Event{Type: Disable}))
	assert.True(t, c.Disabled())
	require.NoError(t, c.Handle(Start(0, 0, 0)))
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Handle(Event{Type: Enable}))
	path := humanGesture()
	events := FromSamples(path)
	require.NoError(t, c.Handle(events[0]))
	require.Equal(t, StateDragging, c.State())

	// Disabling mid-drag lets the gesture finish.
	require.NoError(t, c.Handle(Event{Type: Disable}))
	for _, ev := range events[1:] {
		require.NoError(t, c.Handle(ev))
	}
	assert.Equal(t, StateAccepted, c.State())
	assert.Equal(t, 1, rec.successes)
}

func TestStartsDisabled(t *testing.T) {
	src := &stubSource{target: 100}
	c, err := NewController(src, Config{TrackWidth: 300, SliderWidth: 40, Disabled: true}, Hooks{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Handle(Start(0, 0, 0)))
	assert.Equal(t, StateIdle, c.State())
}

func TestHooksMayReenter(t *testing.T) {
	var c *Controller
	var seen State
	hooks := Hooks{
		OnFail: func(classifier.FailReason) {
			seen = c.State()
			_ = c.Handle(Event{Type: Reset})
		},
	}
	c, _, _ = newTestController(t, 100, hooks)

	drive(t, c, humanGesture())
	assert.Equal(t, StateRejected, seen)
	assert.Equal(t, StateIdle, c.State())
}

// =============================================================================
// Construction and lifecycle
// =============================================================================

func TestNewControllerErrors(t *testing.T) {
	gen := challenge.NewGenerator(nil, 1)

	_, err := NewController(gen, Config{TrackWidth: 300, SliderWidth: 40, Profile: "impossible"}, Hooks{})
	assert.ErrorIs(t, err, challenge.ErrUnknownProfile)

	_, err = NewController(gen, Config{TrackWidth: 0, SliderWidth: 40, Profile: "easy"}, Hooks{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewController(gen, Config{TrackWidth: 300, SliderWidth: -1, Profile: "easy"}, Hooks{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewController(nil, Config{TrackWidth: 300, SliderWidth: 40}, Hooks{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestControllerWithGenerator(t *testing.T) {
	gen := challenge.NewGenerator(nil, 7)
	c, err := NewController(gen, Config{TrackWidth: 300, SliderWidth: 40, Profile: "Hard"}, Hooks{}, WithID("fixed"))
	require.NoError(t, err)
	defer c.Close()

	ch := c.Challenge()
	assert.Equal(t, "fixed", c.ID())
	assert.Equal(t, "hard", ch.Profile.Name)
	assert.GreaterOrEqual(t, ch.TargetOffset, 20)
	assert.LessOrEqual(t, ch.TargetOffset, 240)
	assert.NotEmpty(t, ch.ID)
}

func TestClosedControllerRejectsEvents(t *testing.T) {
	c, _, _ := newTestController(t, 100, Hooks{})
	c.Close()
	assert.ErrorIs(t, c.Handle(Start(0, 0, 0)), ErrClosed)
}

func TestRunProcessesChannel(t *testing.T) {
	rec := &recorder{}
	c, _, _ := newTestController(t, 200, rec.hooks())

	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), events) }()

	for _, ev := range FromSamples(humanGesture()) {
		events <- ev
	}
	close(events)

	require.NoError(t, <-done)
	assert.Equal(t, StateAccepted, c.State())
	assert.Equal(t, 1, rec.successes)
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _, _ := newTestController(t, 200, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Run(ctx, make(chan Event))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRealSchedulerResets(t *testing.T) {
	src := &stubSource{target: 100}
	c, err := NewController(src, Config{TrackWidth: 300, SliderWidth: 40, ResetDelay: 10 * time.Millisecond}, Hooks{})
	require.NoError(t, err)
	defer c.Close()

	drive(t, c, humanGesture())
	require.Equal(t, StateRejected, c.State())

	assert.Eventually(t, func() bool { return c.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, src.Calls())
}

func TestFromSamples(t *testing.T) {
	assert.Nil(t, FromSamples(nil))

	one := FromSamples([]telemetry.Sample{{X: 1, Y: 2, TimeMs: 3}})
	require.Len(t, one, 2)
	assert.Equal(t, GestureStart, one[0].Type)
	assert.Equal(t, GestureEnd, one[1].Type)

	evs := FromSamples(humanGesture())
	require.Len(t, evs, 8)
	assert.Equal(t, GestureStart, evs[0].Type)
	assert.Equal(t, GestureMove, evs[3].Type)
	assert.Equal(t, GestureEnd, evs[7].Type)
}

func TestStateAndEventNames(t *testing.T) {
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "gesture_move", GestureMove.String())
	assert.Equal(t, "restart", Restart.String())
	assert.Equal(t, "event(99)", EventType(99).String())
}
