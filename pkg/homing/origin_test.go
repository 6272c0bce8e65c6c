package homing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/sim"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// latticeCycles reports the lattice offset of the carriage from origin as
// phase cycles around base, plus an optional jitter.
type latticeCycles struct {
	m      *sim.Machine
	origin motion.Steps
	base   [2]float64
	jitter func(off [2]int64, call int) [2]float64
	lost   func(off [2]int64) bool
	calls  int
}

func (f *latticeCycles) MeasurePhaseCycles(ctx context.Context, params store.MeasureParams) (PhaseCycles, bool, error) {
	off := [2]int64{
		(f.m.MotorPosition(motion.A) - f.origin[motion.A]) / 64,
		(f.m.MotorPosition(motion.B) - f.origin[motion.B]) / 64,
	}
	if f.lost != nil && f.lost(off) {
		f.calls++
		return PhaseCycles{}, false, nil
	}
	c := [2]float64{f.base[0] + float64(off[0]), f.base[1] + float64(off[1])}
	if f.jitter != nil {
		j := f.jitter(off, f.calls)
		c[0] += j[0]
		c[1] += j[1]
	}
	f.calls++
	return PhaseCycles{Cycles: c, Dist: [2]float64{5, 5}}, true, nil
}

func newOriginRig(t *testing.T, jitter func(off [2]int64, call int) [2]float64) (*GridOriginCalibrator, *latticeCycles, motion.Steps) {
	t.Helper()
	m, err := sim.New(sim.DefaultScenario(KinematicsCoreXY))
	require.NoError(t, err)
	origin := motion.Steps{m.MotorPosition(motion.A), m.MotorPosition(motion.B)}
	f := &latticeCycles{m: m, origin: origin, base: [2]float64{15.3, 0.1}, jitter: jitter}
	return NewGridOriginCalibrator(m, DefaultConfig(KinematicsCoreXY), f, nil), f, origin
}

func TestGridOriginExact(t *testing.T) {
	c, f, origin := newOriginRig(t, nil)
	res, err := c.Calibrate(context.Background(), origin, store.MeasureParams{}, 50)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Unstable)
	assert.Equal(t, 1, res.Passes)
	assert.Equal(t, len(originSequence), f.calls)
	assert.InDelta(t, 15.3, res.Origin.Origin[0], 1e-9)
	assert.InDelta(t, 0.1, res.Origin.Origin[1], 1e-9)
	assert.Equal(t, [2]float64{5, 5}, res.Origin.Distance)
}

func TestGridOriginInvalidPoint(t *testing.T) {
	c, f, origin := newOriginRig(t, func(off [2]int64, call int) [2]float64 {
		if off == [2]int64{0, 1} {
			return [2]float64{1, 0}
		}
		return [2]float64{}
	})
	res, err := c.Calibrate(context.Background(), origin, store.MeasureParams{}, 50)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.Unstable)
	assert.Equal(t, 1, res.Passes)
	assert.Equal(t, len(originSequence), f.calls)
}

func TestGridOriginRevalidatesUnstablePoint(t *testing.T) {
	c, f, origin := newOriginRig(t, func(off [2]int64, call int) [2]float64 {
		if off == [2]int64{1, 0} && call == 0 {
			return [2]float64{0, 0.45}
		}
		return [2]float64{}
	})
	res, err := c.Calibrate(context.Background(), origin, store.MeasureParams{}, 50)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.Unstable)
	assert.Equal(t, 2, res.Passes)
	assert.Equal(t, len(originSequence)+1, f.calls)
	assert.InDelta(t, 0.1, res.Origin.Origin[1], 1e-9)
}

func TestGridOriginGivesUp(t *testing.T) {
	c, f, origin := newOriginRig(t, func(off [2]int64, call int) [2]float64 {
		if off == [2]int64{1, 0} {
			return [2]float64{0, 0.45}
		}
		return [2]float64{}
	})
	res, err := c.Calibrate(context.Background(), origin, store.MeasureParams{}, 50)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 4, res.Passes)
	assert.Equal(t, len(originSequence)+3, f.calls)
}

func TestGridOriginUnmeasuredPoint(t *testing.T) {
	c, f, origin := newOriginRig(t, nil)
	f.lost = func(off [2]int64) bool { return off == [2]int64{0, 1} }
	res, err := c.Calibrate(context.Background(), origin, store.MeasureParams{}, 50)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Passes)
	// {0, 1} is the third point of the sequence
	assert.Equal(t, 3, f.calls)
}

func TestGridOriginAbort(t *testing.T) {
	c, _, origin := newOriginRig(t, nil)
	c.m.(*sim.Machine).Drain(true)
	res, err := c.Calibrate(context.Background(), origin, store.MeasureParams{}, 50)
	assert.Equal(t, errAborted, err)
	assert.False(t, res.OK)
}
