// Package session drives one slide-to-verify widget through its lifecycle.
//
// A Controller owns the current challenge and the telemetry of the gesture in
// progress. Input arrives as Events, either directly through Handle or as a
// stream through Run; every event is applied under a single mutex so the
// controller behaves as a single-threaded state machine:
//
//	Idle -> Dragging -> Evaluating -> Accepted
//	                              \-> Rejected -> (reset delay) -> Idle
//
// Host hooks are invoked after the mutex is released, so a hook may call back
// into the controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"slidegate/internal/challenge"
	"slidegate/internal/classifier"
	"slidegate/internal/telemetry"
)

// DefaultResetDelay is how long a rejected challenge stays on screen.
const DefaultResetDelay = 1500 * time.Millisecond

var (
	// ErrInvalidConfig is returned for unusable widget dimensions.
	ErrInvalidConfig = errors.New("session: invalid config")
	// ErrClosed is returned for events delivered after Close.
	ErrClosed = errors.New("session: controller closed")
)

// Config describes the widget a controller drives.
type Config struct {
	TrackWidth  int
	SliderWidth int
	Profile     string
	// ResetDelay before a rejected challenge is replaced. Zero means
	// DefaultResetDelay.
	ResetDelay time.Duration
	// Disabled starts the controller with new gestures blocked.
	Disabled bool
}

// Validate checks the widget dimensions.
func (c Config) Validate() error {
	if c.TrackWidth <= 0 {
		return fmt.Errorf("%w: track width must be positive, got %d", ErrInvalidConfig, c.TrackWidth)
	}
	if c.SliderWidth <= 0 {
		return fmt.Errorf("%w: slider width must be positive, got %d", ErrInvalidConfig, c.SliderWidth)
	}
	if c.ResetDelay < 0 {
		return fmt.Errorf("%w: reset delay must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Hooks are the host callbacks. Any of them may be nil.
type Hooks struct {
	// OnSuccess fires once when a gesture is accepted.
	OnSuccess func()
	// OnFail fires once per rejected gesture.
	OnFail func(reason classifier.FailReason)
	// OnEvaluated fires for every evaluated gesture, before OnSuccess/OnFail.
	OnEvaluated func(Attempt)
}

// Classifier judges a finished gesture. *classifier.Classifier satisfies it.
type Classifier interface {
	Classify(tel telemetry.Telemetry, ch challenge.Challenge) classifier.Verdict
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default is slog.Default() tagged
// component=session; a supplied logger is used with its own tags.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithScheduler replaces the wall-clock timer used for auto-reset.
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) {
		if s != nil {
			c.sched = s
		}
	}
}

// WithClassifier replaces the default-threshold classifier.
func WithClassifier(cl Classifier) Option {
	return func(c *Controller) {
		if cl != nil {
			c.classifier = cl
		}
	}
}

// WithID sets the session identifier. The default is a random UUID.
func WithID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.id = id
		}
	}
}

// Controller is the session state machine for one widget.
type Controller struct {
	mu sync.Mutex

	id         string
	cfg        Config
	source     challenge.Source
	classifier Classifier
	hooks      Hooks
	sched      Scheduler
	logger     *slog.Logger

	state    State
	disabled bool
	closed   bool
	ch       challenge.Challenge
	offset   int

	rec         *telemetry.Recorder
	startX      float64
	startOffset int

	// generation is bumped on every new challenge; a reset timer armed for an
	// older generation does nothing when it fires.
	generation uint64
	timer      Timer
	attempts   int
	last       *Attempt
}

// NewController issues the first challenge and returns a controller in Idle.
func NewController(src challenge.Source, cfg Config, hooks Hooks, opts ...Option) (*Controller, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil challenge source", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ResetDelay == 0 {
		cfg.ResetDelay = DefaultResetDelay
	}

	c := &Controller{
		id:         uuid.NewString(),
		cfg:        cfg,
		source:     src,
		classifier: classifier.New(classifier.DefaultThresholds()),
		hooks:      hooks,
		sched:      realScheduler{},
		logger:     slog.Default().With("component", "session"),
		disabled:   cfg.Disabled,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("session_id", c.id)

	ch, err := src.Generate(cfg.TrackWidth, cfg.SliderWidth, cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}
	c.ch = ch
	c.generation = 1
	c.logger.Debug("challenge issued", "challenge_id", ch.ID, "profile", ch.Profile.Name)
	return c, nil
}

// Handle applies one event. Events that do not apply to the current state
// are ignored. An error is returned only when a reset could not issue a new
// challenge or the controller is closed.
func (c *Controller) Handle(ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	after, err := c.apply(ev)
	c.mu.Unlock()

	for _, f := range after {
		f()
	}
	return err
}

// Run feeds events from the channel into Handle until the channel is closed
// or ctx is cancelled. Handle errors are logged and do not stop the loop.
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.Handle(ev); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				c.logger.Warn("event failed", "event", ev.Type.String(), "error", err)
			}
		}
	}
}

// Close stops any pending reset timer. Subsequent events return ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimer()
	c.closed = true
}

func (c *Controller) apply(ev Event) ([]func(), error) {
	switch ev.Type {
	case GestureStart:
		c.start(ev)
	case GestureMove:
		c.move(ev)
	case GestureEnd:
		return c.end(ev), nil
	case Reset:
		return nil, c.reset(false)
	case Restart:
		return nil, c.reset(true)
	case Disable:
		c.disabled = true
	case Enable:
		c.disabled = false
	default:
		c.logger.Debug("unknown event ignored", "event", ev.Type.String())
	}
	return nil, nil
}

func (c *Controller) start(ev Event) {
	if c.state != StateIdle || c.disabled {
		return
	}
	c.startX = ev.X
	c.startOffset = c.offset
	c.rec = telemetry.NewRecorder(c.offset, telemetry.Sample{X: ev.X, Y: ev.Y, TimeMs: ev.TimeMs})
	c.state = StateDragging
}

func (c *Controller) move(ev Event) {
	if c.state != StateDragging {
		return
	}
	c.offset = c.offsetAt(ev.X)
	// Append only fails on a frozen recorder, which cannot be the case
	// while Dragging.
	_ = c.rec.Append(telemetry.Sample{X: ev.X, Y: ev.Y, TimeMs: ev.TimeMs}, c.offset)
}

func (c *Controller) end(ev Event) []func() {
	if c.state != StateDragging {
		return nil
	}
	c.offset = c.offsetAt(ev.X)
	tel, err := c.rec.Finish(telemetry.Sample{X: ev.X, Y: ev.Y, TimeMs: ev.TimeMs}, c.offset)
	if err != nil {
		c.logger.Error("finish telemetry", "error", err)
		return nil
	}
	c.state = StateEvaluating

	verdict := c.classifier.Classify(tel, c.ch)
	c.attempts++
	attempt := Attempt{
		SessionID: c.id,
		Number:    c.attempts,
		Challenge: c.ch,
		Telemetry: tel,
		Verdict:   verdict,
		At:        time.Now(),
	}
	c.last = &attempt

	var after []func()
	if h := c.hooks.OnEvaluated; h != nil {
		after = append(after, func() { h(attempt) })
	}

	if verdict.Accepted {
		c.state = StateAccepted
		c.logger.Info("gesture accepted",
			"challenge_id", c.ch.ID,
			"gap", verdict.Stats.Gap,
			"duration_ms", verdict.Stats.DurationMs)
		if h := c.hooks.OnSuccess; h != nil {
			after = append(after, h)
		}
		return after
	}

	c.ch.AttemptCount++
	c.state = StateRejected
	c.logger.Info("gesture rejected",
		"challenge_id", c.ch.ID,
		"reason", string(verdict.Reason),
		"flags", verdict.Flags,
		"attempt_count", c.ch.AttemptCount)
	if h := c.hooks.OnFail; h != nil {
		reason := verdict.Reason
		after = append(after, func() { h(reason) })
	}

	gen := c.generation
	c.timer = c.sched.AfterFunc(c.cfg.ResetDelay, func() { c.autoReset(gen) })
	return after
}

func (c *Controller) autoReset(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation || c.state != StateRejected {
		return
	}
	c.timer = nil
	if err := c.reset(false); err != nil {
		c.logger.Error("auto reset failed", "error", err)
	}
}

// reset replaces the challenge. The attempt count carries over unless
// restart is set. On failure the current challenge and state are kept.
func (c *Controller) reset(restart bool) error {
	ch, err := c.source.Generate(c.cfg.TrackWidth, c.cfg.SliderWidth, c.cfg.Profile)
	if err != nil {
		return fmt.Errorf("issue challenge: %w", err)
	}
	c.cancelTimer()
	if !restart {
		ch.AttemptCount = c.ch.AttemptCount
	}
	c.ch = ch
	c.generation++
	c.state = StateIdle
	c.offset = 0
	c.rec = nil
	c.logger.Debug("challenge issued",
		"challenge_id", ch.ID,
		"attempt_count", ch.AttemptCount,
		"restart", restart)
	return nil
}

func (c *Controller) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// offsetAt maps a pointer x coordinate to a slider offset, relative to where
// the gesture started and clamped to the track.
func (c *Controller) offsetAt(x float64) int {
	off := c.startOffset + int(math.Round(x-c.startX))
	return min(max(off, 0), c.ch.MaxOffset())
}

// SetConfig changes the widget layout or preset for challenges issued from
// now on. The current challenge is left in place.
func (c *Controller) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ResetDelay == 0 {
		cfg.ResetDelay = DefaultResetDelay
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.Disabled = c.disabled
	c.cfg = cfg
	return nil
}

// SetClassifier swaps the classifier used for subsequent gestures.
func (c *Controller) SetClassifier(cl Classifier) {
	if cl == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classifier = cl
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.id
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Challenge returns a copy of the current challenge.
func (c *Controller) Challenge() challenge.Challenge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// AttemptCount returns the number of rejected gestures since the last restart.
func (c *Controller) AttemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.AttemptCount
}

// Offset returns the slider offset in pixels.
func (c *Controller) Offset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Disabled reports whether new gestures are blocked.
func (c *Controller) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// LastAttempt returns the most recently evaluated attempt, if any.
func (c *Controller) LastAttempt() (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Attempt{}, false
	}
	return *c.last, true
}
