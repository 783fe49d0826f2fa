package classifier

import (
	"slidegate/internal/telemetry"
)

// Stats holds the measurements a verdict was based on.
type Stats struct {
	DurationMs       int64   `json:"durationMs"`
	Samples          int     `json:"samples"`
	Gap              int     `json:"gap"`
	VelocityVariance float64 `json:"velocityVariance"`
	PathLength       float64 `json:"pathLength"`
	ChordLength      float64 `json:"chordLength"`
	PathRatio        float64 `json:"pathRatio"`
	IntervalVariance float64 `json:"intervalVariance"`
	// UsableVelocities counts pairs with positive elapsed time.
	UsableVelocities int `json:"usableVelocities"`
}

// PopulationVariance returns the population variance of values.
// Formula: (1/n) * sum (v_i - mean)^2
func PopulationVariance(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(n)
}

// StepVelocities returns distance/Δt for every consecutive pair with Δt > 0.
// Pairs reported at the same millisecond are implausible for real input and
// are left out rather than dividing by zero.
func StepVelocities(path []telemetry.Sample) []float64 {
	if len(path) < 2 {
		return nil
	}
	out := make([]float64, 0, len(path)-1)
	for i := 1; i < len(path); i++ {
		dt := path[i].TimeMs - path[i-1].TimeMs
		if dt <= 0 {
			continue
		}
		out = append(out, path[i-1].Distance(path[i])/float64(dt))
	}
	return out
}

// Intervals returns timeMs[i] - timeMs[i-1] for every consecutive pair.
func Intervals(path []telemetry.Sample) []float64 {
	if len(path) < 2 {
		return nil
	}
	out := make([]float64, len(path)-1)
	for i := 1; i < len(path); i++ {
		out[i-1] = float64(path[i].TimeMs - path[i-1].TimeMs)
	}
	return out
}

// PathLength sums the pairwise Euclidean distances along the path.
func PathLength(path []telemetry.Sample) float64 {
	var total float64
	for i := 1; i < len(path); i++ {
		total += path[i-1].Distance(path[i])
	}
	return total
}

// ChordLength is the straight-line distance from the first to the last sample.
func ChordLength(path []telemetry.Sample) float64 {
	if len(path) < 2 {
		return 0
	}
	return path[0].Distance(path[len(path)-1])
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
