// Package telemetry records the trajectory of a single drag gesture.
//
// A Recorder is created at gesture start, appended to on every move, and
// frozen at gesture end. The frozen Telemetry is what the classifier sees.
package telemetry

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"

	"golang.org/x/crypto/blake2b"
)

// ErrFrozen is returned when a sample is appended after the gesture ended.
var ErrFrozen = errors.New("telemetry: recorder is frozen")

// Sample is one pointer position with its event timestamp in milliseconds.
type Sample struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	TimeMs int64   `json:"timeMs"`
}

// Distance returns the Euclidean distance between two samples.
func (s Sample) Distance(o Sample) float64 {
	return math.Hypot(o.X-s.X, o.Y-s.Y)
}

// Telemetry is the record of one physical gesture.
type Telemetry struct {
	Path        []Sample  `json:"path"`
	StartOffset int       `json:"startOffset"`
	EndOffset   int       `json:"endOffset"`
	Velocities  []float64 `json:"velocities,omitempty"`
}

// DurationMs is the time between the first and last sample.
func (t Telemetry) DurationMs() int64 {
	if len(t.Path) < 2 {
		return 0
	}
	return t.Path[len(t.Path)-1].TimeMs - t.Path[0].TimeMs
}

// ComputeVelocities returns one px/ms entry per consecutive sample pair.
// A pair with no elapsed time has no defined velocity and is reported as 0;
// the classifier excludes such pairs from its statistics.
func ComputeVelocities(path []Sample) []float64 {
	if len(path) < 2 {
		return nil
	}
	v := make([]float64, len(path)-1)
	for i := 1; i < len(path); i++ {
		dt := path[i].TimeMs - path[i-1].TimeMs
		if dt <= 0 {
			continue
		}
		v[i-1] = path[i-1].Distance(path[i]) / float64(dt)
	}
	return v
}

// Fingerprint is a BLAKE2b-256 digest over the offsets and every sample,
// used by hosts to spot replayed gestures.
func (t Telemetry) Fingerprint() string {
	buf := make([]byte, 0, 16+len(t.Path)*24)
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(t.StartOffset)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(t.EndOffset)))
	for _, s := range t.Path {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(s.X))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(s.Y))
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.TimeMs))
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy.
func (t Telemetry) Clone() Telemetry {
	out := t
	out.Path = append([]Sample(nil), t.Path...)
	out.Velocities = append([]float64(nil), t.Velocities...)
	return out
}

// Recorder captures one gesture. Samples are kept in arrival order.
// A Recorder is owned by a single session and is not safe for concurrent use.
type Recorder struct {
	tel    Telemetry
	frozen bool
}

// NewRecorder starts a recording with the gesture's first sample.
func NewRecorder(startOffset int, first Sample) *Recorder {
	return &Recorder{
		tel: Telemetry{
			Path:        []Sample{first},
			StartOffset: startOffset,
			EndOffset:   startOffset,
		},
	}
}

// Append adds a move sample and the slider offset it produced.
func (r *Recorder) Append(s Sample, offset int) error {
	if r.frozen {
		return ErrFrozen
	}
	r.tel.Path = append(r.tel.Path, s)
	r.tel.EndOffset = offset
	return nil
}

// Finish appends the release sample, freezes the recorder, derives the
// velocity sequence and returns a copy of the finished record.
func (r *Recorder) Finish(last Sample, endOffset int) (Telemetry, error) {
	if r.frozen {
		return Telemetry{}, ErrFrozen
	}
	r.tel.Path = append(r.tel.Path, last)
	r.tel.EndOffset = endOffset
	r.tel.Velocities = ComputeVelocities(r.tel.Path)
	r.frozen = true
	return r.tel.Clone(), nil
}

// Len returns the number of samples recorded so far.
func (r *Recorder) Len() int {
	return len(r.tel.Path)
}

// Frozen reports whether Finish has been called.
func (r *Recorder) Frozen() bool {
	return r.frozen
}

// Offset returns the most recent slider offset.
func (r *Recorder) Offset() int {
	return r.tel.EndOffset
}
