package homing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/sim"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

func TestPhaseBackoffSteps(t *testing.T) {
	tests := []struct {
		p    phase.Phase
		dir  int
		want int64
	}{
		{0, 1, 0},
		{0, -1, 0},
		{100, 1, 58},
		{100, -1, -6},
		{1020, -1, -64},
		{1020, 1, 0},
		{512, 1, 32},
	}
	for _, tt := range tests {
		got := phaseBackoffSteps(tt.p, tt.dir, 16)
		assert.Equal(t, tt.want, got, "phase %d dir %d", tt.p, tt.dir)
		assert.True(t, phase.Aligned(tt.p.Add(int(got)*16), 16), "phase %d dir %d", tt.p, tt.dir)
	}
}

func TestUnstable(t *testing.T) {
	tests := []struct {
		c, origin [2]float64
		want      bool
	}{
		{[2]float64{0.2, 0.1}, [2]float64{}, false},
		{[2]float64{0.5, 0}, [2]float64{}, true},
		{[2]float64{0, -0.5}, [2]float64{}, true},
		{[2]float64{1.74, 0}, [2]float64{}, true},
		{[2]float64{1.76, 0}, [2]float64{}, false},
		{[2]float64{3.9, 2.1}, [2]float64{0.4, 0.1}, true},
		{[2]float64{3.9, 2.1}, [2]float64{0.9, 0.1}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, unstable(tt.c, tt.origin), "c %v origin %v", tt.c, tt.origin)
	}
}

func TestTranslate(t *testing.T) {
	assert.Equal(t, [2]int64{3, -2}, translate([2]float64{3.4, -2.6}, [2]float64{0.3, -0.4}))
	assert.Equal(t, [2]int64{16, 1}, translate([2]float64{15.9, 1.2}, [2]float64{15.6, 0.1}))
	assert.Equal(t, int64(-3), roundHalfAway(-2.5))
	assert.Equal(t, int64(3), roundHalfAway(2.5))
}

func TestMeasuredMotorAndCells(t *testing.T) {
	cfg := DefaultConfig(KinematicsCoreXY)
	assert.Equal(t, motion.B, MeasuredMotor(cfg.Axes))
	g := newGrid(cfg)
	assert.Equal(t, int64(64), g.cycle)
	assert.Equal(t, int64(16), g.pps)
	assert.Equal(t, motion.Steps{64, 128}, g.cellSteps([2]int64{1, 2}))
	assert.Equal(t, 1, g.backoutDir(motion.A))
	assert.Equal(t, int64(1), g.measureDir())

	cfg.Axes[motion.Y].HomeDir = 1
	assert.Equal(t, motion.A, MeasuredMotor(cfg.Axes))
	g = newGrid(cfg)
	assert.Equal(t, motion.Steps{-128, 64}, g.cellSteps([2]int64{1, 2}))
	assert.Equal(t, -1, g.backoutDir(motion.B))
	assert.Equal(t, int64(-1), g.measureDir())
}

func TestMeasureParams(t *testing.T) {
	cfg := DefaultConfig(KinematicsCoreXY).CoreXY
	s := store.NewMemory()

	p, err := measureParams(cfg, s)
	require.NoError(t, err)
	assert.Equal(t, store.MeasureParams{Sensitivity: 3, Feedrate: 50, Current: 650}, p)

	cfg.MeasureSensitivityRange = &Range{Min: 1, Max: 5}
	_, err = measureParams(cfg, s)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	stored := store.MeasureParams{Sensitivity: 4, Feedrate: 30, Current: 500, Score: 0.1}
	s.SetMeasureParams(stored)
	p, err = measureParams(cfg, s)
	require.NoError(t, err)
	assert.Equal(t, stored, p)
}

// newMeasureRig parks a noiseless CoreXY machine on its phase aligned
// measuring point.
func newMeasureRig(t *testing.T, retries int) (*CoreXY, *sim.Machine, store.MeasureParams) {
	t.Helper()
	cfg := DefaultConfig(KinematicsCoreXY)
	cfg.CoreXY.BumpRetries = retries
	m, err := sim.New(sim.DefaultScenario(KinematicsCoreXY))
	require.NoError(t, err)
	c := NewCoreXY(cfg, m, nil)
	_, _, err = c.rehomeAndPhase(context.Background(), 50, true)
	require.NoError(t, err)
	params, err := measureParams(cfg.CoreXY, store.NewMemory())
	require.NoError(t, err)
	return c, m, params
}

func TestPhaseCycleMeasurer(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		ok      bool
		stalls  int
	}{
		{"second round agrees", 6, true, 4},
		{"rounds exhausted", 1, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m, params := newMeasureRig(t, tt.retries)
			require.NoError(t, m.SetStallSensitivity(motion.B, 9))
			m.SetMotorCurrent(motion.B, 400)
			m.SetMotorCurrent(motion.A, 700)
			origin := motion.Steps{m.MotorPosition(motion.A), m.MotorPosition(motion.B)}

			pc, ok, err := c.cycles.MeasurePhaseCycles(context.Background(), params)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.stalls, m.Stalls())
			assert.Equal(t, uint32(1), c.cycles.(*PhaseCycleMeasurer).ProbeID())

			// the carriage and the driver settings are back where they were
			assert.Equal(t, origin, motion.Steps{m.MotorPosition(motion.A), m.MotorPosition(motion.B)})
			assert.Equal(t, 9, m.StallSensitivity(motion.B))
			assert.Equal(t, 400, m.MotorCurrent(motion.B))
			assert.Equal(t, 700, m.MotorCurrent(motion.A))
			assert.False(t, c.active.Load())

			if !tt.ok {
				assert.Equal(t, PhaseCycles{}, pc)
				return
			}
			assert.Greater(t, pc.Dist[0], 0.0)
			assert.Greater(t, pc.Dist[1], 0.0)
			assert.NotEqual(t, [2]float64{}, pc.Cycles)
		})
	}
}

func TestMeasureAxisDistanceRestoresSensitivity(t *testing.T) {
	c, m, params := newMeasureRig(t, 6)
	require.NoError(t, m.SetStallSensitivity(motion.B, 11))
	origin := motion.Steps{m.MotorPosition(motion.A), m.MotorPosition(motion.B)}

	c.active.Store(true)
	defer c.active.Store(false)
	for _, dist := range []int64{2000, -2000} {
		d, err := c.prober.MeasureAxisDistance(context.Background(), origin, dist, params)
		require.NoError(t, err)
		assert.True(t, d.Hit)
		assert.Equal(t, 11, m.StallSensitivity(motion.B))
	}

	// a failed arm restores it too
	params.Sensitivity = 300
	_, err := c.prober.MeasureAxisDistance(context.Background(), origin, 2000, params)
	require.Error(t, err)
	assert.Equal(t, 11, m.StallSensitivity(motion.B))
}
