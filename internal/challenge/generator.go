package challenge

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MinInnerMargin is the smallest gap kept between a target and either track end.
const MinInnerMargin = 10

// Challenge is one verification attempt.
type Challenge struct {
	ID           string            `json:"id"`
	TargetOffset int               `json:"targetOffset"`
	Profile      DifficultyProfile `json:"profile"`
	AttemptCount int               `json:"attemptCount"`
	TrackWidth   int               `json:"trackWidth"`
	SliderWidth  int               `json:"sliderWidth"`
	IssuedAt     time.Time         `json:"issuedAt"`
}

// MaxOffset is the furthest the slider can travel on this challenge's track.
func (c Challenge) MaxOffset() int {
	return max(0, c.TrackWidth-c.SliderWidth)
}

// Source produces challenges. The session controller depends on this rather
// than on Generator so hosts and tests can substitute their own.
type Source interface {
	Generate(trackWidth, sliderWidth int, profileName string) (Challenge, error)
}

// Generator draws target offsets uniformly from the usable part of the track.
type Generator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	presets Presets
}

// NewGenerator creates a generator over the given preset table.
// A nil table falls back to DefaultPresets; a zero seed uses the clock.
func NewGenerator(presets Presets, seed int64) *Generator {
	if presets == nil {
		presets = DefaultPresets()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		rng:     rand.New(rand.NewSource(seed)),
		presets: presets.Clone(),
	}
}

// SetPresets swaps the preset table used for subsequent challenges.
func (g *Generator) SetPresets(presets Presets) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.presets = presets.Clone()
}

// Presets returns a copy of the current preset table.
func (g *Generator) Presets() Presets {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.presets.Clone()
}

// Generate issues a new challenge for the given layout and preset name.
// A track too narrow to leave a usable range yields a target at the track
// midpoint instead of an error.
func (g *Generator) Generate(trackWidth, sliderWidth int, profileName string) (Challenge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	profile, err := g.presets.Lookup(profileName)
	if err != nil {
		return Challenge{}, err
	}

	lo, hi, ok := TargetRange(trackWidth, sliderWidth)
	target := lo
	if !ok {
		target = Midpoint(trackWidth, sliderWidth)
	} else if hi > lo {
		target = lo + g.rng.Intn(hi-lo+1)
	}

	return Challenge{
		ID:           uuid.NewString(),
		TargetOffset: target,
		Profile:      profile,
		TrackWidth:   trackWidth,
		SliderWidth:  sliderWidth,
		IssuedAt:     time.Now(),
	}, nil
}

// InnerMargin is the gap kept at both track ends: at least half the slider
// width and never below MinInnerMargin.
func InnerMargin(sliderWidth int) int {
	return max(MinInnerMargin, (sliderWidth+1)/2)
}

// TargetRange returns the inclusive range target offsets are drawn from.
// ok is false when the track cannot fit the range.
func TargetRange(trackWidth, sliderWidth int) (lo, hi int, ok bool) {
	margin := InnerMargin(sliderWidth)
	lo = margin
	hi = trackWidth - sliderWidth - margin
	return lo, hi, hi >= lo
}

// Midpoint is the slider offset that centres the slider on the track.
func Midpoint(trackWidth, sliderWidth int) int {
	return max(0, (trackWidth-sliderWidth)/2)
}
