package session

import (
	"fmt"
	"time"

	"slidegate/internal/challenge"
	"slidegate/internal/classifier"
	"slidegate/internal/telemetry"
)

// State is the controller's position in the gesture lifecycle.
type State int

const (
	StateIdle State = iota
	StateDragging
	StateEvaluating
	StateAccepted
	StateRejected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDragging:
		return "dragging"
	case StateEvaluating:
		return "evaluating"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType enumerates the inputs a Controller understands.
type EventType int

const (
	// GestureStart is a pointer or touch press on the slider handle.
	GestureStart EventType = iota + 1
	// GestureMove is a pointer move while the handle is held.
	GestureMove
	// GestureEnd is the release.
	GestureEnd
	// Reset issues a fresh challenge and keeps the attempt count.
	Reset
	// Restart issues a fresh challenge and zeroes the attempt count.
	Restart
	// Disable blocks new gestures from starting.
	Disable
	// Enable lifts Disable.
	Enable
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case GestureStart:
		return "gesture_start"
	case GestureMove:
		return "gesture_move"
	case GestureEnd:
		return "gesture_end"
	case Reset:
		return "reset"
	case Restart:
		return "restart"
	case Disable:
		return "disable"
	case Enable:
		return "enable"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one input to the controller. X, Y and TimeMs are only read for
// gesture events; TimeMs is the input event's own timestamp.
type Event struct {
	Type   EventType
	X      float64
	Y      float64
	TimeMs int64
}

// Start builds a GestureStart event.
func Start(x, y float64, timeMs int64) Event {
	return Event{Type: GestureStart, X: x, Y: y, TimeMs: timeMs}
}

// Move builds a GestureMove event.
func Move(x, y float64, timeMs int64) Event {
	return Event{Type: GestureMove, X: x, Y: y, TimeMs: timeMs}
}

// End builds a GestureEnd event.
func End(x, y float64, timeMs int64) Event {
	return Event{Type: GestureEnd, X: x, Y: y, TimeMs: timeMs}
}

// FromSamples converts a recorded path into the event sequence that would
// have produced it. Paths shorter than two samples yield a start and an end
// at the same point.
func FromSamples(path []telemetry.Sample) []Event {
	if len(path) == 0 {
		return nil
	}
	if len(path) == 1 {
		s := path[0]
		return []Event{Start(s.X, s.Y, s.TimeMs), End(s.X, s.Y, s.TimeMs)}
	}
	out := make([]Event, 0, len(path))
	out = append(out, Start(path[0].X, path[0].Y, path[0].TimeMs))
	for _, s := range path[1 : len(path)-1] {
		out = append(out, Move(s.X, s.Y, s.TimeMs))
	}
	last := path[len(path)-1]
	return append(out, End(last.X, last.Y, last.TimeMs))
}

// Attempt is the audit record of one evaluated gesture.
type Attempt struct {
	SessionID string              `json:"sessionId"`
	Number    int                 `json:"number"`
	Challenge challenge.Challenge `json:"challenge"`
	Telemetry telemetry.Telemetry `json:"telemetry"`
	Verdict   classifier.Verdict  `json:"verdict"`
	At        time.Time           `json:"at"`
}
