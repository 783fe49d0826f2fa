// Package challenge issues slide-to-verify challenges.
//
// A challenge is a random target offset along a horizontal track plus the
// difficulty profile the drag is judged against. Profiles come from a named
// preset table so new difficulty levels are configuration, not code.
package challenge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Preset names shipped by default.
const (
	Easy   = "easy"
	Medium = "medium"
	Hard   = "hard"
)

// ErrUnknownProfile is returned when a preset name is not in the table.
var ErrUnknownProfile = errors.New("challenge: unknown difficulty profile")

// DifficultyProfile bundles the tolerance and timing/complexity thresholds a
// drag is judged against. It is immutable once a challenge is issued.
type DifficultyProfile struct {
	Name string `json:"name"`

	// ToleranceDistance is the accepted gap in pixels between slider and target.
	ToleranceDistance int `json:"toleranceDistance"`

	// MinDurationMs and MaxDurationMs are inclusive gesture duration bounds.
	MinDurationMs int64 `json:"minDurationMs"`
	MaxDurationMs int64 `json:"maxDurationMs"`

	// MinPathSamples is the minimum number of recorded trajectory points.
	MinPathSamples int `json:"minPathSamples"`
}

// Validate checks that every field is positive and the duration bounds are ordered.
func (p DifficultyProfile) Validate() error {
	switch {
	case p.ToleranceDistance <= 0:
		return fmt.Errorf("profile %q: tolerance must be positive, got %d", p.Name, p.ToleranceDistance)
	case p.MinDurationMs <= 0:
		return fmt.Errorf("profile %q: min duration must be positive, got %d", p.Name, p.MinDurationMs)
	case p.MaxDurationMs <= 0:
		return fmt.Errorf("profile %q: max duration must be positive, got %d", p.Name, p.MaxDurationMs)
	case p.MinDurationMs >= p.MaxDurationMs:
		return fmt.Errorf("profile %q: min duration %d must be below max duration %d", p.Name, p.MinDurationMs, p.MaxDurationMs)
	case p.MinPathSamples <= 0:
		return fmt.Errorf("profile %q: min path samples must be positive, got %d", p.Name, p.MinPathSamples)
	}
	return nil
}

// Presets maps a preset name to its profile.
type Presets map[string]DifficultyProfile

// DefaultPresets returns the built-in easy/medium/hard table.
func DefaultPresets() Presets {
	return Presets{
		Easy: {
			Name:              Easy,
			ToleranceDistance: 8,
			MinDurationMs:     200,
			MaxDurationMs:     10000,
			MinPathSamples:    5,
		},
		Medium: {
			Name:              Medium,
			ToleranceDistance: 5,
			MinDurationMs:     300,
			MaxDurationMs:     8000,
			MinPathSamples:    8,
		},
		Hard: {
			Name:              Hard,
			ToleranceDistance: 3,
			MinDurationMs:     400,
			MaxDurationMs:     6000,
			MinPathSamples:    12,
		},
	}
}

// Lookup returns the named profile. Names are matched case-insensitively.
func (p Presets) Lookup(name string) (DifficultyProfile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	profile, ok := p[key]
	if !ok {
		return DifficultyProfile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	profile.Name = key
	return profile, nil
}

// Names returns the preset names in sorted order.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every profile in the table.
func (p Presets) Validate() error {
	if len(p) == 0 {
		return errors.New("challenge: preset table is empty")
	}
	var errs []error
	for _, name := range p.Names() {
		profile := p[name]
		profile.Name = name
		if err := profile.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clone returns a copy of the table with lower-cased keys and profile names filled in.
func (p Presets) Clone() Presets {
	out := make(Presets, len(p))
	for name, profile := range p {
		key := strings.ToLower(name)
		profile.Name = key
		out[key] = profile
	}
	return out
}
