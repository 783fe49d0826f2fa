package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderLifecycle(t *testing.T) {
	r := NewRecorder(0, Sample{X: 10, Y: 5, TimeMs: 1000})
	assert.Equal(t, 1, r.Len())
	assert.False(t, r.Frozen())

	require.NoError(t, r.Append(Sample{X: 40, Y: 9, TimeMs: 1100}, 30))
	require.NoError(t, r.Append(Sample{X: 70, Y: 4, TimeMs: 1180}, 60))
	assert.Equal(t, 60, r.Offset())

	tel, err := r.Finish(Sample{X: 70, Y: 4, TimeMs: 1250}, 60)
	require.NoError(t, err)
	assert.True(t, r.Frozen())

	assert.Len(t, tel.Path, 4)
	assert.Equal(t, 0, tel.StartOffset)
	assert.Equal(t, 60, tel.EndOffset)
	assert.Len(t, tel.Velocities, len(tel.Path)-1)
	assert.Equal(t, int64(250), tel.DurationMs())

	assert.ErrorIs(t, r.Append(Sample{TimeMs: 1300}, 61), ErrFrozen)
	_, err = r.Finish(Sample{TimeMs: 1300}, 61)
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestFinishReturnsCopy(t *testing.T) {
	r := NewRecorder(0, Sample{TimeMs: 0})
	tel, err := r.Finish(Sample{X: 3, Y: 4, TimeMs: 10}, 3)
	require.NoError(t, err)

	tel.Path[0].X = 999
	again := r.tel
	assert.Equal(t, 0.0, again.Path[0].X)
}

func TestComputeVelocities(t *testing.T) {
	path := []Sample{
		{X: 0, Y: 0, TimeMs: 0},
		{X: 3, Y: 4, TimeMs: 10},  // 5px / 10ms
		{X: 3, Y: 4, TimeMs: 10},  // zero elapsed time
		{X: 9, Y: 12, TimeMs: 20}, // 10px / 10ms
	}
	v := ComputeVelocities(path)
	require.Len(t, v, 3)
	assert.InDelta(t, 0.5, v[0], 1e-9)
	assert.Equal(t, 0.0, v[1])
	assert.InDelta(t, 1.0, v[2], 1e-9)

	assert.Nil(t, ComputeVelocities(path[:1]))
	assert.Nil(t, ComputeVelocities(nil))
}

func TestDurationMsShortPath(t *testing.T) {
	assert.Zero(t, Telemetry{}.DurationMs())
	assert.Zero(t, Telemetry{Path: []Sample{{TimeMs: 500}}}.DurationMs())
}

func TestFingerprint(t *testing.T) {
	a := Telemetry{Path: []Sample{{X: 1, Y: 2, TimeMs: 3}, {X: 4, Y: 5, TimeMs: 60}}, EndOffset: 3}
	b := a.Clone()

	assert.Len(t, a.Fingerprint(), 64)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Path[1].TimeMs++
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := a.Clone()
	c.EndOffset = 4
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestSampleDistance(t *testing.T) {
	assert.InDelta(t, 5.0, Sample{X: 1, Y: 1}.Distance(Sample{X: 4, Y: 5}), 1e-9)
}
