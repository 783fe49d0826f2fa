// Package schemavalidation reads recorded gesture documents: JSON files that
// pair a challenge with the telemetry of one drag, used for offline
// classification and for replaying captured sessions.
package schemavalidation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"slidegate/internal/challenge"
	"slidegate/internal/telemetry"
)

// SchemaURL identifies the embedded gesture schema.
const SchemaURL = "https://slidegate.dev/schema/gesture-v1.schema.json"

// DocumentVersion is the only document version understood.
const DocumentVersion = 1

// ErrInvalidDocument wraps every schema or semantic failure.
var ErrInvalidDocument = errors.New("invalid gesture document")

//go:embed schema/gesture-v1.schema.json
var gestureSchema []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(SchemaURL, bytes.NewReader(gestureSchema)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(SchemaURL)
	})
	return compiled, compileErr
}

// Document is one recorded gesture.
type Document struct {
	Version    int                 `json:"version"`
	RecordedAt *time.Time          `json:"recordedAt,omitempty"`
	Challenge  ChallengeDoc        `json:"challenge"`
	Telemetry  telemetry.Telemetry `json:"telemetry"`
}

// ChallengeDoc is the challenge half of a document. Track and slider widths
// are informational and may be omitted.
type ChallengeDoc struct {
	ID           string     `json:"id,omitempty"`
	TargetOffset int        `json:"targetOffset"`
	TrackWidth   int        `json:"trackWidth,omitempty"`
	SliderWidth  int        `json:"sliderWidth,omitempty"`
	Profile      ProfileRef `json:"profile"`
}

// ProfileRef is either a preset name or an inline profile.
type ProfileRef struct {
	Name   string
	Inline *challenge.DifficultyProfile
}

// MarshalJSON writes a bare name for presets and an object for inline profiles.
func (p ProfileRef) MarshalJSON() ([]byte, error) {
	if p.Inline != nil {
		return json.Marshal(p.Inline)
	}
	return json.Marshal(p.Name)
}

// UnmarshalJSON accepts a string or a profile object.
func (p *ProfileRef) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		p.Inline = nil
		return json.Unmarshal(trimmed, &p.Name)
	}
	var inline challenge.DifficultyProfile
	if err := json.Unmarshal(trimmed, &inline); err != nil {
		return err
	}
	p.Name = inline.Name
	p.Inline = &inline
	return nil
}

// Validate checks raw JSON against the embedded schema.
func Validate(data []byte) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if err := s.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", ErrInvalidDocument, describe(verr))
		}
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// describe flattens the innermost causes into one line.
func describe(verr *jsonschema.ValidationError) string {
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(leaves, "; ")
}

// Decode validates data and unmarshals it.
func Decode(data []byte) (*Document, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// Resolve turns the document into the challenge and telemetry the
// classifier consumes. Preset names are looked up in presets.
func (d *Document) Resolve(presets challenge.Presets) (challenge.Challenge, telemetry.Telemetry, error) {
	var profile challenge.DifficultyProfile
	if d.Challenge.Profile.Inline != nil {
		profile = *d.Challenge.Profile.Inline
		if profile.Name == "" {
			profile.Name = "inline"
		}
		if err := profile.Validate(); err != nil {
			return challenge.Challenge{}, telemetry.Telemetry{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	} else {
		p, err := presets.Lookup(d.Challenge.Profile.Name)
		if err != nil {
			return challenge.Challenge{}, telemetry.Telemetry{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		profile = p
	}

	if w := d.Challenge.TrackWidth; w > 0 && d.Challenge.TargetOffset > w {
		return challenge.Challenge{}, telemetry.Telemetry{}, fmt.Errorf(
			"%w: target offset %d beyond track width %d", ErrInvalidDocument, d.Challenge.TargetOffset, w)
	}

	ch := challenge.Challenge{
		ID:           d.Challenge.ID,
		TargetOffset: d.Challenge.TargetOffset,
		Profile:      profile,
		TrackWidth:   d.Challenge.TrackWidth,
		SliderWidth:  d.Challenge.SliderWidth,
	}
	if d.RecordedAt != nil {
		ch.IssuedAt = *d.RecordedAt
	}

	tel := d.Telemetry.Clone()
	tel.Velocities = telemetry.ComputeVelocities(tel.Path)
	return ch, tel, nil
}

// NewDocument captures a challenge and its telemetry.
func NewDocument(ch challenge.Challenge, tel telemetry.Telemetry, at time.Time) *Document {
	profile := ch.Profile
	doc := &Document{
		Version: DocumentVersion,
		Challenge: ChallengeDoc{
			ID:           ch.ID,
			TargetOffset: ch.TargetOffset,
			TrackWidth:   ch.TrackWidth,
			SliderWidth:  ch.SliderWidth,
			Profile:      ProfileRef{Name: profile.Name, Inline: &profile},
		},
		Telemetry: tel.Clone(),
	}
	doc.Telemetry.Velocities = nil
	if doc.Telemetry.Path == nil {
		doc.Telemetry.Path = []telemetry.Sample{}
	}
	if !at.IsZero() {
		t := at.UTC()
		doc.RecordedAt = &t
	}
	return doc
}

// Encode renders the document as indented JSON that passes Validate.
func (d *Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode gesture document: %w", err)
	}
	return append(data, '\n'), nil
}
