package homing

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/safety"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/sim"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

func newSimEngine(t *testing.T, cfg Config, h Halter, modify func(*sim.Scenario)) (*Engine, *sim.Machine, *store.Memory) {
	t.Helper()
	sc := sim.DefaultScenario(cfg.Kinematics)
	sc.Stall.Noise = 0.002
	if modify != nil {
		modify(&sc)
	}
	m, err := sim.New(sc)
	require.NoError(t, err)
	s := store.NewMemory()
	return NewEngine(cfg, m, s, h, nil, nil), m, s
}

func TestEngineCartesianHome(t *testing.T) {
	cfg := DefaultConfig(KinematicsCartesian)
	e, m, s := newSimEngine(t, cfg, nil, nil)
	ctx := context.Background()
	assert.Equal(t, KinematicsCartesian, e.Kind())
	assert.False(t, e.IsCalibrated(motion.X))
	assert.False(t, e.IsUnstable())

	res, err := e.HomeAxisPrecise(ctx, motion.X, -1, true, 50)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Calibrated)
	assert.False(t, res.Aborted)
	assert.Equal(t, 1, s.Commits)
	assert.True(t, e.IsCalibrated(motion.X))
	assert.False(t, e.IsCalibrated(motion.Y))

	// the calibrated home sits within a step of the modal phase
	assert.InDelta(t, 0, m.MachinePosition()[motion.X], 0.011)
	assert.InDelta(t, 0, e.CalibratedHomeOffset(motion.X), 0.011)
	first := m.MachinePosition()[motion.X] - m.Physical()[motion.X]

	require.NoError(t, m.LogicalMove(ctx, motion.Position{80, 50}, 50))
	res, err = e.HomeAxisPrecise(ctx, motion.X, -1, false, 50)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, res.Tries)
	second := m.MachinePosition()[motion.X] - m.Physical()[motion.X]
	assert.InDelta(t, first, second, 0.011)
}

func TestEngineCartesianAbortLeavesStore(t *testing.T) {
	cfg := DefaultConfig(KinematicsCartesian)
	e, _, s := newSimEngine(t, cfg, nil, func(sc *sim.Scenario) { sc.Faults.DrainAfter = 5 })
	before := s.Snapshot()

	res, err := e.HomeAxisPrecise(context.Background(), motion.X, -1, true, 50)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.False(t, res.Accepted)
	assert.True(t, s.Equal(before))
	assert.Equal(t, 0, s.Commits)
}

func TestEngineCartesianMissedStall(t *testing.T) {
	cfg := DefaultConfig(KinematicsCartesian)
	cfg.Axes[motion.X].Travel = 1
	e, m, s := newSimEngine(t, cfg, nil, nil)
	start := m.Physical()[motion.X]

	res, err := e.HomeAxisPrecise(context.Background(), motion.X, -1, true, 50)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.Aborted)
	assert.False(t, res.Calibrated)
	assert.Equal(t, cfg.Cartesian.Tries, res.Tries)
	assert.Greater(t, res.Divisor, 1.0)
	assert.Equal(t, 0, s.Commits)
	assert.Equal(t, 0, m.Stalls())
	assert.InDelta(t, start-float64(cfg.Cartesian.Tries), m.Physical()[motion.X], 1e-6)
}

func TestEngineKinematicsMismatch(t *testing.T) {
	e, _, _ := newSimEngine(t, DefaultConfig(KinematicsCoreXY), nil, nil)
	_, err := e.HomeAxisPrecise(context.Background(), motion.X, -1, true, 50)
	assert.True(t, errors.Is(err, errors.ErrRuntime))
	assert.Equal(t, 0.0, e.CalibratedHomeOffset(motion.X))

	c, _, _ := newSimEngine(t, DefaultConfig(KinematicsCartesian), nil, nil)
	_, err = c.CoreXYHomeRefine(context.Background(), 50, CalibrateOnDemand)
	assert.True(t, errors.Is(err, errors.ErrRuntime))
	_, _, err = c.CalibrateMeasureSensitivity(context.Background(), 50)
	assert.True(t, errors.Is(err, errors.ErrRuntime))
}

func TestEngineCoreXYRefine(t *testing.T) {
	cfg := DefaultConfig(KinematicsCoreXY)
	e, m, s := newSimEngine(t, cfg, nil, nil)
	ctx := context.Background()
	assert.True(t, e.IsUnstable())

	res, err := e.CoreXYHomeRefine(ctx, 50, CalibrateOnDemand)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.True(t, res.Recalibrated)
	assert.False(t, res.Unstable)
	assert.Equal(t, 1, s.Commits)
	assert.True(t, e.IsCalibrated(motion.X))
	assert.False(t, e.IsUnstable())
	assert.False(t, m.EndstopsEnabled())

	phys := m.Physical()
	pos := m.MachinePosition()
	assert.InDelta(t, phys[motion.X], pos[motion.X], 1e-6)
	assert.InDelta(t, phys[motion.Y], pos[motion.Y], 1e-6)
	assert.InDelta(t, pos[motion.X], res.Position[motion.X], 1e-6)
	assert.InDelta(t, pos[motion.Y], res.Position[motion.Y], 1e-6)

	stored, ok := s.GridOrigin()
	require.True(t, ok)
	assert.Equal(t, stored, res.Origin)

	// a second run reuses the stored origin
	require.NoError(t, m.LogicalMove(ctx, motion.Position{30, 40}, 50))
	res2, err := e.CoreXYHomeRefine(ctx, 50, CalibrateNever)
	require.NoError(t, err)
	require.True(t, res2.OK)
	assert.False(t, res2.Recalibrated)
	assert.Equal(t, res.Cell, res2.Cell)
	assert.Equal(t, 1, s.Commits)
	phys = m.Physical()
	pos = m.MachinePosition()
	assert.InDelta(t, phys[motion.X], pos[motion.X], 1e-6)
	assert.InDelta(t, phys[motion.Y], pos[motion.Y], 1e-6)
}

func TestEngineCoreXYAbortLeavesStore(t *testing.T) {
	tests := []struct {
		name   string
		drain  int
		cancel bool
	}{
		{"drain during calibration", 30, false},
		{"drain during rehome", 1, false},
		{"cancelled", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			h := NewMockHalter(ctrl)
			h.EXPECT().CheckOperational().Return(nil)

			cfg := DefaultConfig(KinematicsCoreXY)
			e, _, s := newSimEngine(t, cfg, h, func(sc *sim.Scenario) { sc.Faults.DrainAfter = tt.drain })
			before := s.Snapshot()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}
			res, err := e.CoreXYHomeRefine(ctx, 50, CalibrateForce)
			require.NoError(t, err)
			assert.True(t, res.Aborted)
			assert.False(t, res.OK)
			assert.True(t, s.Equal(before))
		})
	}
}

func TestEngineHardwareFaultHalts(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHalter(ctrl)
	h.EXPECT().CheckOperational().Return(nil)
	h.EXPECT().HardwareFault(gomock.Any()).Times(1)

	cfg := DefaultConfig(KinematicsCoreXY)
	e, _, s := newSimEngine(t, cfg, h, func(sc *sim.Scenario) { sc.Faults.ShortMove = 1 })

	res, err := e.CoreXYHomeRefine(context.Background(), 50, CalibrateOnDemand)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.False(t, res.OK)
	assert.Equal(t, 0, s.Commits)
}

func TestEngineHardwareFaultShutsDown(t *testing.T) {
	mgr := safety.New()
	cfg := DefaultConfig(KinematicsCoreXY)
	e, m, _ := newSimEngine(t, cfg, mgr, func(sc *sim.Scenario) { sc.Faults.ShortMove = 2 })
	mgr.RegisterMotor(m)
	m.SetMotorCurrent(motion.A, 650)

	_, err := e.CoreXYHomeRefine(context.Background(), 50, CalibrateOnDemand)
	require.Error(t, err)
	assert.True(t, mgr.IsShutdown())
	assert.Error(t, mgr.CheckOperational())
	assert.Equal(t, 0, m.MotorCurrent(motion.A))
}

func TestEngineMeasurementNeedsCalibration(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHalter(ctrl)
	h.EXPECT().CheckOperational().Return(nil)
	h.EXPECT().HardwareFault(gomock.Any()).Times(1)

	cfg := DefaultConfig(KinematicsCoreXY)
	cfg.CoreXY.MeasureSensitivityRange = &Range{Min: 1, Max: 5}
	e, _, _ := newSimEngine(t, cfg, h, nil)

	_, err := e.CoreXYHomeRefine(context.Background(), 50, CalibrateOnDemand)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "axis measurement without calibration")
}

func TestEngineCalibrateMeasureSensitivity(t *testing.T) {
	cfg := DefaultConfig(KinematicsCoreXY)
	cfg.CoreXY.MeasureSensitivityRange = &Range{Min: 1, Max: 5}
	e, m, s := newSimEngine(t, cfg, nil, func(sc *sim.Scenario) {
		sc.Stall.SensitivityNoise = 0.1
	})
	ctx := context.Background()

	p, abort, err := e.CalibrateMeasureSensitivity(ctx, 50)
	require.NoError(t, err)
	assert.False(t, abort)
	assert.Equal(t, 3, p.Sensitivity)
	assert.InDelta(t, 0.125, p.Score, 1e-9)
	assert.Equal(t, cfg.CoreXY.MeasureCurrent, p.Current)
	assert.Equal(t, 1, s.Commits)
	stored, ok := s.MeasureParams()
	require.True(t, ok)
	assert.Equal(t, p, stored)

	// refinement now measures with the selected parameters
	res, err := e.CoreXYHomeRefine(ctx, 50, CalibrateOnDemand)
	require.NoError(t, err)
	require.True(t, res.OK)
	phys := m.Physical()
	assert.InDelta(t, phys[motion.X], m.MachinePosition()[motion.X], 1e-6)
	assert.InDelta(t, phys[motion.Y], m.MachinePosition()[motion.Y], 1e-6)
}

func TestEngineCalibrateMeasureSensitivityNeedsRange(t *testing.T) {
	e, _, s := newSimEngine(t, DefaultConfig(KinematicsCoreXY), nil, nil)
	_, _, err := e.CalibrateMeasureSensitivity(context.Background(), 50)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
	assert.Equal(t, 0, s.Commits)
}

func TestEngineCoreXYNoisyMeasurementRejected(t *testing.T) {
	cfg := DefaultConfig(KinematicsCoreXY)
	e, _, s := newSimEngine(t, cfg, nil, func(sc *sim.Scenario) { sc.Stall.Noise = 0.5 })

	res, err := e.CoreXYHomeRefine(context.Background(), 50, CalibrateOnDemand)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.False(t, res.Aborted)
	assert.Equal(t, 0, s.Commits)
	_, ok := s.GridOrigin()
	assert.False(t, ok)
	assert.True(t, e.IsUnstable())
}

// cellCycles replays phase cycle readings; the last entry repeats.
type cellCycles struct {
	readings []PhaseCycles
	failed   []bool
	calls    int
}

func (c *cellCycles) MeasurePhaseCycles(ctx context.Context, params store.MeasureParams) (PhaseCycles, bool, error) {
	i := c.calls
	c.calls++
	if pick(c.failed, i) {
		return PhaseCycles{}, false, nil
	}
	return pick(c.readings, i), true, nil
}

func TestEngineCoreXYRefineRejects(t *testing.T) {
	home := PhaseCycles{Cycles: [2]float64{3.1, 2.1}, Dist: [2]float64{5, 5}}
	// the validation point sits at (-1, 3) cells from home
	valid := PhaseCycles{Cycles: [2]float64{2.1, 5.1}, Dist: [2]float64{5, 5}}
	shifted := PhaseCycles{Cycles: [2]float64{3.1, 5.1}, Dist: [2]float64{5, 5}}

	tests := []struct {
		name  string
		cc    *cellCycles
		calls int
	}{
		{"validation cell mismatch", &cellCycles{readings: []PhaseCycles{home, shifted}}, 2},
		{"home cell not measured", &cellCycles{failed: []bool{true}}, 1},
		{"validation cell not measured", &cellCycles{readings: []PhaseCycles{home, valid}, failed: []bool{false, true}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(KinematicsCoreXY)
			e, m, s := newSimEngine(t, cfg, nil, nil)
			origin := store.GridOrigin{Origin: [2]float64{0.1, 0.1}, Distance: [2]float64{5, 5}}
			s.SetGridOrigin(origin)
			e.corexy.setCycleMeasurer(tt.cc)

			res, err := e.CoreXYHomeRefine(context.Background(), 50, CalibrateNever)
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.True(t, res.Unstable)
			assert.True(t, e.IsUnstable())
			assert.Equal(t, tt.calls, tt.cc.calls)
			assert.Equal(t, motion.Position{}, res.Position)
			assert.Equal(t, 0, s.Commits)
			stored, ok := s.GridOrigin()
			require.True(t, ok)
			assert.Equal(t, origin, stored)

			// the machine keeps the position of the plain rehome
			phys, pos := m.Physical(), m.MachinePosition()
			assert.InDelta(t, 0.05, pos[motion.X]-phys[motion.X], 0.02)
			assert.InDelta(t, 0.05, pos[motion.Y]-phys[motion.Y], 0.02)
		})
	}

	// the same readings with a consistent validation point are accepted
	cfg := DefaultConfig(KinematicsCoreXY)
	e, _, s := newSimEngine(t, cfg, nil, nil)
	s.SetGridOrigin(store.GridOrigin{Origin: [2]float64{0.1, 0.1}})
	e.corexy.setCycleMeasurer(&cellCycles{readings: []PhaseCycles{home, valid}})
	res, err := e.CoreXYHomeRefine(context.Background(), 50, CalibrateNever)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, [2]int64{3, 2}, res.Cell)
}

// skewedPhase reports every motor phase read after the first two four
// microsteps off.
type skewedPhase struct {
	*sim.Machine
	reads int
}

func (s *skewedPhase) ReadMotorPhase(mot motion.Motor) phase.Phase {
	s.reads++
	p := s.Machine.ReadMotorPhase(mot)
	if s.reads > 2 {
		return p.Add(4 * phase.PerMicrostep(16))
	}
	return p
}

func TestEngineCoreXYPhaseAlignmentFault(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHalter(ctrl)
	h.EXPECT().CheckOperational().Return(nil)
	h.EXPECT().HardwareFault(gomock.Any()).Times(1)

	cfg := DefaultConfig(KinematicsCoreXY)
	m, err := sim.New(sim.DefaultScenario(KinematicsCoreXY))
	require.NoError(t, err)
	s := store.NewMemory()
	e := NewEngine(cfg, &skewedPhase{Machine: m}, s, h, nil, nil)

	res, err := e.CoreXYHomeRefine(context.Background(), 50, CalibrateOnDemand)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "phase alignment failed")
	assert.False(t, res.OK)
	assert.Equal(t, 0, s.Commits)
	assert.Equal(t, 0, m.Stalls())
}

func TestEngineRefusesWhileHalted(t *testing.T) {
	mgr := safety.New()
	cfg := DefaultConfig(KinematicsCoreXY)
	cfg.CoreXY.MeasureSensitivityRange = &Range{Min: 1, Max: 5}
	e, m, _ := newSimEngine(t, cfg, mgr, func(sc *sim.Scenario) { sc.Faults.ShortMove = 2 })
	ctx := context.Background()

	_, err := e.CoreXYHomeRefine(ctx, 50, CalibrateOnDemand)
	require.True(t, errors.IsFatal(err))
	require.True(t, mgr.IsShutdown())

	phys := m.Physical()
	_, err = e.CoreXYHomeRefine(ctx, 50, CalibrateOnDemand)
	assert.True(t, stderrors.Is(err, safety.ErrShutdown))
	assert.True(t, errors.Is(err, errors.ErrRuntime))
	_, _, err = e.CalibrateMeasureSensitivity(ctx, 50)
	assert.True(t, stderrors.Is(err, safety.ErrShutdown))
	assert.Equal(t, phys, m.Physical())
	assert.Equal(t, 0, m.Stalls())

	// after a reset the engine moves again and trips over the same fault
	require.NoError(t, mgr.Reset())
	_, err = e.CoreXYHomeRefine(ctx, 50, CalibrateOnDemand)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, mgr.IsShutdown())
}

func TestEngineCartesianRefusesWhileHalted(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHalter(ctrl)
	h.EXPECT().CheckOperational().Return(safety.ErrShutdown)

	cfg := DefaultConfig(KinematicsCartesian)
	m, err := sim.New(sim.DefaultScenario(KinematicsCartesian))
	require.NoError(t, err)
	s := store.NewMemory()
	p := &scriptedProber{phases: []phase.Phase{100}}
	e := NewEngine(cfg, m, s, h, nil, p)

	res, err := e.HomeAxisPrecise(context.Background(), motion.X, -1, true, 50)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, safety.ErrShutdown))
	assert.False(t, res.Accepted)
	assert.Equal(t, 0, p.calls)
	assert.Equal(t, 0, s.Commits)
}

func TestEngineQueriesDuringHoming(t *testing.T) {
	cfg := DefaultConfig(KinematicsCartesian)
	e, _, _ := newSimEngine(t, cfg, nil, nil)
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		_, err := e.HomeAxisPrecise(ctx, motion.X, -1, true, 50)
		return err
	})
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				e.CalibratedHomeOffset(motion.X)
				e.IsCalibrated(motion.X)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.True(t, e.IsCalibrated(motion.X))
	assert.InDelta(t, 0, e.CalibratedHomeOffset(motion.X), 0.011)
}
