// Package harness hosts slider sessions outside a browser.
//
// A Gate owns everything a widget host needs: the challenge generator, the
// classifier, the attempt store and the metrics. It opens session
// controllers wired to those components, feeds them gestures (synthetic or
// recorded), rejects replayed telemetry and follows configuration reloads.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"slidegate/internal/challenge"
	"slidegate/internal/classifier"
	"slidegate/internal/config"
	"slidegate/internal/health"
	"slidegate/internal/logging"
	"slidegate/internal/metrics"
	"slidegate/internal/session"
	"slidegate/internal/store"
	"slidegate/internal/synth"
	"slidegate/internal/telemetry"
)

// OfflineSessionID groups attempts classified from recorded documents.
const OfflineSessionID = "offline"

// Pointer coordinates the synthetic drags start from.
const (
	GrabX = 20.0
	GrabY = 20.0
)

var (
	// ErrClosed is returned once the gate has been closed.
	ErrClosed = errors.New("harness: gate closed")
	// ErrEmptyGesture is returned for a gesture with no samples.
	ErrEmptyGesture = errors.New("harness: empty gesture")
	// ErrUnknownSession is returned for a session the gate did not open.
	ErrUnknownSession = errors.New("harness: unknown session")
)

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. The default is logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithStore sets the attempt store instead of opening one from config.
func WithStore(s *store.Store) Option {
	return func(g *Gate) {
		g.store = s
		g.storeSet = true
	}
}

// WithMetrics sets the metrics sink. The default registers a fresh set on a
// private registry.
func WithMetrics(m *metrics.GateMetrics) Option {
	return func(g *Gate) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithScheduler sets the auto-reset scheduler handed to every session.
func WithScheduler(s session.Scheduler) Option {
	return func(g *Gate) {
		g.sched = s
	}
}

// WithSynth sets the gesture synthesizer. The default is seeded from the
// gate seed.
func WithSynth(s *synth.Synth) Option {
	return func(g *Gate) {
		if s != nil {
			g.synth = s
		}
	}
}

// Gate is a host for slider sessions.
type Gate struct {
	mu sync.RWMutex

	cfg        *config.Config
	logger     *logging.Logger
	generator  *challenge.Generator
	classifier *classifier.Classifier
	store      *store.Store
	storeSet   bool
	metrics    *metrics.GateMetrics
	sched      session.Scheduler
	synth      *synth.Synth
	health     *health.Checker

	sessions map[string]*session.Controller
	// seen holds fingerprints when there is no store to ask.
	seen    map[string]struct{}
	offline int
	closed  bool
	// reloadErr is the error of the last rejected configuration reload.
	reloadErr error
}

// New builds a gate from a validated configuration. The store is opened
// according to cfg.Storage unless WithStore is given.
func New(cfg *config.Config, opts ...Option) (*Gate, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg = cfg.Clone()

	g := &Gate{
		cfg:      cfg,
		logger:   logging.Default(),
		sessions: make(map[string]*session.Controller),
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithComponent("harness")

	if g.metrics == nil {
		g.metrics = metrics.NewGateMetrics(metrics.NewRegistry("slidegate", ""))
	}

	seed := cfg.Gate.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if g.synth == nil {
		g.synth = synth.New(seed, synth.HumanConfig{})
	}

	presets := cfg.ChallengePresets()
	if err := presets.Validate(); err != nil {
		return nil, fmt.Errorf("presets: %w", err)
	}
	g.generator = challenge.NewGenerator(presets, seed)
	g.classifier = classifier.New(cfg.ClassifierThresholds())

	if !g.storeSet {
		st, err := OpenStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		g.store = st
	}

	g.health = health.NewChecker()
	if g.store != nil {
		g.health.Register("store", true, health.PingCheck("attempt store", g.store.DB().PingContext))
	}
	g.health.Register("config", false, health.ErrorCheck(g.lastReloadError))
	g.health.Register("sessions", false, g.sessionsCheck)
	g.health.SetReady(true)

	g.logger.Debug("gate ready",
		"difficulty", cfg.Gate.Difficulty,
		"storage", cfg.Storage.Type,
		"reject_replays", cfg.Gate.RejectReplays)
	return g, nil
}

// OpenStore opens the attempt store described by sc. Type "none" yields a
// nil store.
func OpenStore(sc config.StorageConfig) (*store.Store, error) {
	timeout := time.Duration(sc.BusyTimeoutMs) * time.Millisecond
	switch sc.Type {
	case "", "none":
		return nil, nil
	case "memory":
		st, err := store.Open(store.MemoryPath, store.WithBusyTimeout(timeout))
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := store.Open(sc.Path, store.WithBusyTimeout(timeout))
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", sc.Path, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", sc.Type)
	}
}

// Config returns a copy of the configuration in effect.
func (g *Gate) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg.Clone()
}

// Store returns the attempt store, or nil when storage is disabled.
func (g *Gate) Store() *store.Store {
	return g.store
}

// Metrics returns the metrics sink.
func (g *Gate) Metrics() *metrics.GateMetrics {
	return g.metrics
}

// Presets returns the preset table challenges are issued from.
func (g *Gate) Presets() challenge.Presets {
	return g.generator.Presets()
}

// Thresholds returns the classifier tuning in effect.
func (g *Gate) Thresholds() classifier.Thresholds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.classifier.Thresholds()
}

// Generate issues a challenge and counts it. The gate is the
// challenge.Source of every session it opens.
func (g *Gate) Generate(trackWidth, sliderWidth int, profileName string) (challenge.Challenge, error) {
	ch, err := g.generator.Generate(trackWidth, sliderWidth, profileName)
	if err != nil {
		return ch, err
	}
	g.metrics.RecordChallenge()
	return ch, nil
}

// Classify judges a gesture with the current thresholds and, when replay
// rejection is on, checks its fingerprint against the history. The gate is
// the session.Classifier of every session it opens.
func (g *Gate) Classify(tel telemetry.Telemetry, ch challenge.Challenge) classifier.Verdict {
	timer := g.metrics.StartEvaluationTimer()
	defer timer.Stop()

	g.mu.RLock()
	cl := g.classifier
	reject := g.cfg.Gate.RejectReplays
	g.mu.RUnlock()

	v := cl.Classify(tel, ch)
	if !reject || len(tel.Path) == 0 {
		return v
	}
	fp := tel.Fingerprint()
	replayed, err := g.seenFingerprint(fp)
	if err != nil {
		g.storeFailed("seen fingerprint", err)
		return v
	}
	if replayed {
		g.metrics.RecordReplay()
		g.logger.Warn("replayed telemetry", "fingerprint", fp, "challenge_id", ch.ID)
		return v.AsReplay()
	}
	return v
}

func (g *Gate) seenFingerprint(fp string) (bool, error) {
	if g.store != nil {
		return g.store.SeenFingerprint(fp)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.seen[fp]
	return ok, nil
}

// record persists one evaluated attempt and counts it.
func (g *Gate) record(a session.Attempt) {
	g.metrics.RecordVerdict(a.Verdict)
	if g.store == nil {
		g.mu.Lock()
		g.seen[a.Telemetry.Fingerprint()] = struct{}{}
		g.mu.Unlock()
		return
	}
	if _, err := g.store.RecordAttempt(store.FromAttempt(a)); err != nil {
		g.storeFailed("record attempt", err)
	}
}

func (g *Gate) storeFailed(op string, err error) {
	g.metrics.RecordStoreError()
	g.logger.Error("store operation failed", "op", op, "error", err)
}

// OpenSession starts a new widget session with the configured layout. The
// extra hooks run after the gate has recorded the attempt.
func (g *Gate) OpenSession(hooks session.Hooks) (*session.Controller, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	sc := g.cfg.SessionConfig()
	g.mu.Unlock()

	wrapped := session.Hooks{
		OnSuccess: hooks.OnSuccess,
		OnFail:    hooks.OnFail,
		OnEvaluated: func(a session.Attempt) {
			g.record(a)
			if hooks.OnEvaluated != nil {
				hooks.OnEvaluated(a)
			}
		},
	}

	opts := []session.Option{
		session.WithClassifier(g),
		session.WithLogger(g.logger.WithComponent("session").Logger),
	}
	if g.sched != nil {
		opts = append(opts, session.WithScheduler(g.sched))
	}

	ctrl, err := session.NewController(g, sc, wrapped, opts...)
	if err != nil {
		return nil, err
	}

	if g.store != nil {
		err := g.store.OpenSession(&store.Session{
			ID:          ctrl.ID(),
			Difficulty:  sc.Profile,
			TrackWidth:  sc.TrackWidth,
			SliderWidth: sc.SliderWidth,
			OpenedAt:    time.Now(),
		})
		if err != nil {
			g.storeFailed("open session", err)
		}
	}

	g.mu.Lock()
	g.sessions[ctrl.ID()] = ctrl
	g.mu.Unlock()
	g.metrics.SessionOpened()
	g.logger.Info("session opened", "session_id", ctrl.ID(), "difficulty", sc.Profile)
	return ctrl, nil
}

// CloseSession stops the controller and marks the session closed.
func (g *Gate) CloseSession(id string) error {
	g.mu.Lock()
	ctrl, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	ctrl.Close()
	g.metrics.SessionClosed()
	if g.store != nil {
		if err := g.store.CloseSession(id, time.Now()); err != nil {
			g.storeFailed("close session", err)
		}
	}
	g.logger.Info("session closed", "session_id", id)
	return nil
}

// Session returns an open session by ID.
func (g *Gate) Session(id string) (*session.Controller, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ctrl, ok := g.sessions[id]
	return ctrl, ok
}

// SessionCount returns the number of open sessions.
func (g *Gate) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Apply switches to a new configuration. Presets, thresholds, replay
// rejection and layout take effect for the next challenge of every open
// session; storage and logging settings are read only at startup.
func (g *Gate) Apply(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Clone()
	presets := cfg.ChallengePresets()
	sc := cfg.SessionConfig()

	g.mu.Lock()
	old := g.cfg
	g.cfg = cfg
	g.classifier = classifier.New(cfg.ClassifierThresholds())
	ctrls := make([]*session.Controller, 0, len(g.sessions))
	for _, c := range g.sessions {
		ctrls = append(ctrls, c)
	}
	g.mu.Unlock()

	g.generator.SetPresets(presets)
	var errs []error
	for _, c := range ctrls {
		if err := c.SetConfig(sc); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", c.ID(), err))
		}
	}

	if old.Storage != cfg.Storage {
		g.logger.Warn("storage settings changed; restart to apply")
	}
	g.logger.Info("configuration applied",
		"difficulty", cfg.Gate.Difficulty,
		"presets", len(presets),
		"sessions", len(ctrls))
	return errors.Join(errs...)
}

// Follow applies every configuration the loader reloads. A reload that
// fails to apply degrades the "config" health check until the next one
// succeeds.
func (g *Gate) Follow(l *config.Loader) {
	l.OnChange(func(_, next *config.Config) {
		err := g.Apply(next)
		if err != nil {
			g.logger.Error("apply reloaded configuration", "error", err)
		}
		g.mu.Lock()
		g.reloadErr = err
		g.mu.Unlock()
	})
}

func (g *Gate) lastReloadError() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reloadErr
}

func (g *Gate) sessionsCheck(context.Context) health.Result {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r := health.Result{
		Status:  health.StatusHealthy,
		Details: map[string]any{"open": len(g.sessions), "difficulty": g.cfg.Gate.Difficulty},
	}
	if g.closed {
		r.Status = health.StatusUnhealthy
		r.Message = "gate closed"
	}
	return r
}

// Health returns the gate's health checker.
func (g *Gate) Health() *health.Checker {
	return g.health
}

// Handler serves the health probes and the gate metrics in Prometheus text
// format.
func (g *Gate) Handler() http.Handler {
	return g.health.Handler(func(w io.Writer) error {
		g.metrics.UpdateUptime()
		return g.metrics.Registry().WritePrometheus(w)
	})
}

// Prune removes attempts older than the configured retention. It returns
// the number of attempts removed.
func (g *Gate) Prune(now time.Time) (int64, error) {
	g.mu.RLock()
	days := g.cfg.Storage.RetentionDays
	g.mu.RUnlock()
	if g.store == nil || days <= 0 {
		return 0, nil
	}
	n, err := g.store.Prune(now.AddDate(0, 0, -days))
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	if n > 0 {
		g.logger.Info("pruned attempts", "count", n, "retention_days", days)
	}
	return n, nil
}

// Close closes every open session, writes the metrics snapshot if a path
// is configured and closes the store.
func (g *Gate) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.health.SetReady(false)
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	mc := g.cfg.Metrics
	g.mu.Unlock()

	for _, id := range ids {
		_ = g.CloseSession(id)
	}

	var errs []error
	if mc.Enabled && mc.Path != "" {
		if err := g.writeMetrics(mc); err != nil {
			errs = append(errs, err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gate) writeMetrics(mc config.MetricsConfig) error {
	f, err := os.Create(mc.Path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	g.metrics.UpdateUptime()
	if err := g.metrics.Registry().Write(f, mc.Format); err != nil {
		f.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	return f.Close()
}
