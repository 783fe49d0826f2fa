// Package synth generates slider drags for exercising the gate without a
// pointer: human-like gestures with hand drift and tremor, and the scripted
// shapes bots tend to produce.
package synth

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/aquilax/go-perlin"

	"slidegate/internal/classifier"
	"slidegate/internal/telemetry"
)

// Kind names a gesture shape.
type Kind string

const (
	KindHuman    Kind = "human"
	KindScripted Kind = "scripted"
	KindTeleport Kind = "teleport"
)

// Kinds lists every supported shape.
var Kinds = []Kind{KindHuman, KindScripted, KindTeleport}

// ParseKind resolves a case-insensitive kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("synth: unknown gesture kind %q", s)
}

// HumanConfig tunes human-like gestures.
type HumanConfig struct {
	// PeakVelocity is the top speed of the main sweep in px/ms.
	PeakVelocity float64
	// MinDurationMs pads the initial grab so the whole drag lasts at least
	// this long plus a small margin. HumanWithin can raise it per gesture.
	MinDurationMs int64
	// Tremor is the standard deviation in px of per-sample hand jitter.
	Tremor float64
	// Drift is the lateral wander amplitude in px; 0 scales with distance.
	Drift float64
	// MinPathRatio is the lowest path/chord ratio produced; lateral wander is
	// widened until it is reached.
	MinPathRatio float64
	// MinVelocityVariance is the lowest sampled speed variance aimed for,
	// in px²/ms².
	MinVelocityVariance float64
}

// DefaultHumanConfig returns settings that clear the stock classifier
// thresholds with some margin.
func DefaultHumanConfig() HumanConfig {
	return HumanConfig{
		PeakVelocity:        2.2,
		MinDurationMs:       300,
		Tremor:              0.8,
		MinPathRatio:        1.15,
		MinVelocityVariance: 0.15,
	}
}

// Scripted and teleport defaults.
const (
	ScriptedDurationMs = 600
	ScriptedSamples    = 20
	TeleportGapMs      = 5
)

const (
	grabSlack    = 1.5  // px taken up before the sweep starts
	wobblePeriod = 45.0 // ms per unit of noise input
	durationPad  = 60   // ms added on top of MinDurationMs
	maxRefits    = 12
	refitGrowth  = 1.5
)

// Synth produces seeded, reproducible gestures. It is safe for concurrent use.
type Synth struct {
	mu    sync.Mutex
	rng   *rand.Rand
	noise *perlin.Perlin
	cfg   HumanConfig
}

// New creates a generator. Zero config fields take their defaults.
func New(seed int64, cfg HumanConfig) *Synth {
	def := DefaultHumanConfig()
	if cfg.PeakVelocity <= 0 {
		cfg.PeakVelocity = def.PeakVelocity
	}
	if cfg.MinDurationMs <= 0 {
		cfg.MinDurationMs = def.MinDurationMs
	}
	if cfg.Tremor < 0 {
		cfg.Tremor = 0
	}
	if cfg.MinPathRatio <= 0 {
		cfg.MinPathRatio = def.MinPathRatio
	}
	if cfg.MinVelocityVariance <= 0 {
		cfg.MinVelocityVariance = def.MinVelocityVariance
	}
	return &Synth{
		rng:   rand.New(rand.NewSource(seed)),
		noise: perlin.NewPerlin(2, 2, 3, seed),
		cfg:   cfg,
	}
}

// Config returns the settings in effect.
func (s *Synth) Config() HumanConfig {
	return s.cfg
}

// Generate produces a gesture of the given kind travelling distance px
// along x from (startX, startY).
func (s *Synth) Generate(kind Kind, startX, startY, distance float64) ([]telemetry.Sample, error) {
	return s.GenerateWithin(kind, startX, startY, distance, 0)
}

// GenerateWithin is Generate with a per-gesture duration floor for human
// drags, typically the active profile's minimum duration. Floors below the
// configured MinDurationMs have no effect.
func (s *Synth) GenerateWithin(kind Kind, startX, startY, distance float64, minDurationMs int64) ([]telemetry.Sample, error) {
	switch kind {
	case KindHuman:
		return s.HumanWithin(startX, startY, distance, minDurationMs), nil
	case KindScripted:
		return Scripted(startX, startY, distance, ScriptedDurationMs, ScriptedSamples), nil
	case KindTeleport:
		return Teleport(startX, startY, distance), nil
	default:
		return nil, fmt.Errorf("synth: unknown gesture kind %q", kind)
	}
}

// Human produces a drag that grabs the thumb, sweeps past the target with a
// minimum-jerk velocity profile, corrects back below it and settles on it.
// Lateral wander comes from Perlin noise over a gentle bow, with Gaussian
// tremor on every interior sample. The last sample lands exactly on
// startX+distance.
//
// When the sampled speed variance falls short of MinVelocityVariance, which
// happens on short drags, the overshoot and correction are widened.
func (s *Synth) Human(startX, startY, distance float64) []telemetry.Sample {
	return s.HumanWithin(startX, startY, distance, 0)
}

// HumanWithin is Human lasting at least minDurationMs plus a small margin.
func (s *Synth) HumanWithin(startX, startY, distance float64, minDurationMs int64) []telemetry.Sample {
	floor := max(s.cfg.MinDurationMs, minDurationMs)

	s.mu.Lock()
	seed := s.rng.Int63()
	s.mu.Unlock()

	d := math.Abs(distance)
	dir := 1.0
	if distance < 0 {
		dir = -1
	}

	scale := 1.0
	st := s.stroke(seed, d, scale, floor)
	for i := 0; i < maxRefits && st.speedVariance() < s.cfg.MinVelocityVariance; i++ {
		scale *= refitGrowth
		st = s.stroke(seed, d, scale, floor)
	}
	return st.place(startX, startY, dir)
}

// phase is one minimum-jerk movement along the track.
type phase struct {
	from, to, ms float64
}

// stroke is a drag laid out along +x from the origin.
type stroke struct {
	times []int64
	xs    []float64
	ys    []float64
}

// stroke builds a drag of length d lasting at least minMs plus durationPad.
// It depends only on its arguments.
func (s *Synth) stroke(seed int64, d, overshootScale float64, minMs int64) stroke {
	cfg := s.cfg
	rng := rand.New(rand.NewSource(seed))

	bow := 0.2 + rng.Float64()*0.3
	if rng.Intn(2) == 0 {
		bow = -bow
	}
	phaseOffset := 0.37 + rng.Float64()*64

	slack := math.Min(grabSlack, d)
	over := math.Max(d*(0.02+rng.Float64()*0.04), 4+rng.Float64()*6) * overshootScale
	under := over * (0.3 + rng.Float64()*0.2)
	grab := 120 + rng.Float64()*80

	phases := []phase{
		{0, slack, grab},
		{slack, d + over, math.Max(1.875*(d+over-slack)/cfg.PeakVelocity, 30)},
		{d + over, d - under, math.Max(1.875*(over+under)/(0.7*cfg.PeakVelocity), 30)},
		{d - under, d, math.Max(1.875*under/(0.5*cfg.PeakVelocity), 40)},
	}
	var total float64
	for _, p := range phases {
		total += p.ms
	}
	if floor := float64(minMs + durationPad); total < floor {
		phases[0].ms += floor - total
		total = floor
	}

	times := []int64{0}
	for float64(times[len(times)-1]) < total {
		times = append(times, times[len(times)-1]+interval(rng))
	}

	n := len(times)
	xs := make([]float64, n)
	lat := make([]float64, n)
	for i, tm := range times {
		t := float64(tm)
		x := travel(phases, t, d)
		xs[i] = x
		prog := 0.0
		if d > 0 {
			prog = math.Min(1, math.Max(0, x/d))
		}
		lat[i] = math.Sin(math.Pi*prog) * (bow + s.noise.Noise1D(t/wobblePeriod+phaseOffset))
	}
	lat[0], lat[n-1] = 0, 0

	ty := make([]float64, n)
	for i := 1; i < n-1; i++ {
		xs[i] += rng.NormFloat64() * cfg.Tremor
		ty[i] = rng.NormFloat64() * cfg.Tremor
	}
	xs[n-1] = d

	drift := cfg.Drift
	if drift <= 0 {
		drift = math.Max(4, 0.12*d)
	}
	latScale := fitLateral(xs, lat, ty, drift, d, cfg.MinPathRatio)

	ys := make([]float64, n)
	for i := range ys {
		ys[i] = latScale*drift*lat[i] + ty[i]
	}
	return stroke{times: times, xs: xs, ys: ys}
}

// place moves the stroke to start at (x, y), mirrored when dir is negative.
func (st stroke) place(x, y, dir float64) []telemetry.Sample {
	out := make([]telemetry.Sample, len(st.times))
	for i := range out {
		out[i] = telemetry.Sample{
			X:      x + dir*st.xs[i],
			Y:      y + st.ys[i],
			TimeMs: st.times[i],
		}
	}
	return out
}

// speedVariance is the variance the classifier will measure.
func (st stroke) speedVariance() float64 {
	return classifier.PopulationVariance(classifier.StepVelocities(st.place(0, 0, 1)))
}

// interval draws the gap to the next pointer event: mostly frame-paced,
// sometimes coalesced bursts, occasionally a stall.
func interval(rng *rand.Rand) int64 {
	r := rng.Float64()
	switch {
	case r < 0.15:
		return 2 + rng.Int63n(4)
	case r < 0.88:
		return 8 + rng.Int63n(17)
	default:
		return 30 + rng.Int63n(31)
	}
}

// travel is the distance covered along the track at time t.
func travel(phases []phase, t, d float64) float64 {
	var at float64
	for _, p := range phases {
		if t < at+p.ms {
			return p.from + (p.to-p.from)*minJerk((t-at)/p.ms)
		}
		at += p.ms
	}
	return d
}

// minJerk maps normalized time to normalized position: 10t³ - 15t⁴ + 6t⁵.
func minJerk(t float64) float64 {
	t = math.Min(1, math.Max(0, t))
	return t * t * t * (10 - 15*t + 6*t*t)
}

// fitLateral returns the smallest lateral scale, at least 1, whose path
// reaches ratio times the chord.
func fitLateral(xs, lat, ty []float64, drift, chord, ratio float64) float64 {
	if chord < 1 || ratio <= 1 {
		return 1
	}
	length := func(scale float64) float64 {
		var sum float64
		for i := 1; i < len(xs); i++ {
			dy := scale*drift*(lat[i]-lat[i-1]) + ty[i] - ty[i-1]
			sum += math.Hypot(xs[i]-xs[i-1], dy)
		}
		return sum
	}
	want := ratio * chord
	if length(1) >= want {
		return 1
	}

	lo, hi := 1.0, 2.0
	for i := 0; length(hi) < want; i++ {
		if i == 32 {
			return hi
		}
		lo, hi = hi, hi*2
	}
	for i := 0; i < 50; i++ {
		mid := (lo + hi) / 2
		if length(mid) < want {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

// Scripted produces a constant-speed straight drag with fixed intervals,
// the shape of a naive automation script.
func Scripted(startX, startY, distance float64, durationMs int64, samples int) []telemetry.Sample {
	if samples < 2 {
		samples = 2
	}
	step := durationMs / int64(samples-1)
	out := make([]telemetry.Sample, samples)
	for i := range out {
		frac := float64(i) / float64(samples-1)
		out[i] = telemetry.Sample{
			X:      startX + distance*frac,
			Y:      startY,
			TimeMs: int64(i) * step,
		}
	}
	out[samples-1].X = startX + distance
	return out
}

// Teleport jumps straight to the target with a single move.
func Teleport(startX, startY, distance float64) []telemetry.Sample {
	return []telemetry.Sample{
		{X: startX, Y: startY, TimeMs: 0},
		{X: startX + distance, Y: startY, TimeMs: TeleportGapMs},
	}
}
