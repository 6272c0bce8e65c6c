package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/inputshaper"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

func TestParseScenario(t *testing.T) {
	data := `
kinematics: corexy
steps_per_mm: 80
start: [100, 120]
stall:
  noise: 0.01
faults:
  short_move: 2
`
	s, err := ParseScenario([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, "corexy", s.Kinematics)
	assert.Equal(t, 80.0, s.StepsPerMM)
	assert.Equal(t, 16, s.Microsteps)
	assert.Equal(t, [2]float64{100, 120}, s.Start)
	assert.Equal(t, 0.01, s.Stall.Noise)
	assert.Equal(t, int64(2), s.Faults.ShortMove)

	_, err = ParseScenario([]byte("kinematics: delta\n"))
	require.Error(t, err)
	_, err = ParseScenario([]byte("bogus: 1\n"))
	require.Error(t, err)
}

func TestScenarioValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Scenario)
	}{
		{"steps", func(s *Scenario) { s.StepsPerMM = 0 }},
		{"microsteps", func(s *Scenario) { s.Microsteps = 3 }},
		{"home dir", func(s *Scenario) { s.HomeDir[1] = 0 }},
		{"behind wall", func(s *Scenario) { s.Start[0] = -1 }},
		{"noise", func(s *Scenario) { s.Stall.Noise = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultScenario("cartesian")
			tt.modify(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestCartesianStall(t *testing.T) {
	m, err := New(DefaultScenario("cartesian"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.ArmStallDetection(motion.A, 3))
	require.NoError(t, m.RawMove(ctx, motion.Steps{-30000, m.MotorPosition(motion.B)}, 50))
	assert.True(t, m.DidTrigger())
	m.Disarm()

	assert.Equal(t, int64(-5), m.MotorPosition(motion.A))
	assert.InDelta(t, -0.05, m.Physical()[motion.X], 1e-9)
	assert.InDelta(t, 50, m.Physical()[motion.Y], 1e-9)
	assert.Equal(t, phase.Wrap(-5*16), m.ReadMotorPhase(motion.A))
	assert.Equal(t, 1, m.Stalls())

	// moving away never stalls
	require.NoError(t, m.ArmStallDetection(motion.A, 3))
	require.NoError(t, m.RawMove(ctx, motion.Steps{200, m.MotorPosition(motion.B)}, 50))
	assert.False(t, m.DidTrigger())
	m.Disarm()
	assert.Equal(t, int64(200), m.MotorPosition(motion.A))
}

func TestCoreXYStall(t *testing.T) {
	sc := DefaultScenario("corexy")
	sc.Start = [2]float64{5, 5}
	m, err := New(sc)
	require.NoError(t, err)
	ctx := context.Background()

	require.Equal(t, int64(1000), m.MotorPosition(motion.A))
	require.Equal(t, int64(0), m.MotorPosition(motion.B))

	// B- drives X into its wall
	require.NoError(t, m.ArmStallDetection(motion.B, 3))
	require.NoError(t, m.RawMove(ctx, motion.Steps{1000, -2000}, 50))
	assert.True(t, m.DidTrigger())
	m.Disarm()
	assert.Equal(t, int64(-1010), m.MotorPosition(motion.B))
	assert.Equal(t, int64(1000), m.MotorPosition(motion.A))

	require.NoError(t, m.RawMove(ctx, motion.Steps{1000, 0}, 50))

	// B+ drives Y into its wall
	require.NoError(t, m.ArmStallDetection(motion.B, 3))
	require.NoError(t, m.RawMove(ctx, motion.Steps{1000, 2000}, 50))
	assert.True(t, m.DidTrigger())
	m.Disarm()
	assert.Equal(t, int64(1010), m.MotorPosition(motion.B))
}

func TestShapingShiftsStall(t *testing.T) {
	sc := DefaultScenario("cartesian")
	sc.Stall.ShapingError = 0.2
	m, err := New(sc)
	require.NoError(t, err)

	prev := m.SetMotionShaping(motion.X, &inputshaper.AxisConfig{Type: inputshaper.ShaperMZV, Frequency: 40, DampingRatio: 0.1})
	assert.Nil(t, prev)
	require.NotNil(t, m.MotionShaping(motion.X))

	require.NoError(t, m.ArmStallDetection(motion.A, 3))
	require.NoError(t, m.RawMove(context.Background(), motion.Steps{-30000, 0}, 50))
	m.Disarm()
	assert.InDelta(t, -0.25, m.Physical()[motion.X], 1e-9)
}

func TestHome(t *testing.T) {
	sc := DefaultScenario("corexy")
	sc.PositionEndstop = [2]float64{-1, 2}
	m, err := New(sc)
	require.NoError(t, err)
	ctx := context.Background()

	require.Error(t, m.Home(ctx, motion.X, 50))

	m.EnableEndstops(true)
	require.NoError(t, m.Home(ctx, motion.X, 50))
	require.NoError(t, m.Home(ctx, motion.Y, 50))

	assert.InDelta(t, -0.05, m.Physical()[motion.X], 0.01)
	assert.InDelta(t, -0.05, m.Physical()[motion.Y], 0.01)
	pos := m.MachinePosition()
	assert.InDelta(t, -1, pos[motion.X], 0.01)
	assert.InDelta(t, 2, pos[motion.Y], 0.01)
}

func TestFaults(t *testing.T) {
	sc := DefaultScenario("cartesian")
	sc.Faults.ShortMove = 3
	sc.Faults.DrainAfter = 2
	m, err := New(sc)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.RawMove(ctx, motion.Steps{4000, 5000}, 50))
	assert.Equal(t, int64(3997), m.MotorPosition(motion.A))
	assert.Equal(t, int64(5000), m.MotorPosition(motion.B))
	assert.False(t, m.IsDraining())

	require.NoError(t, m.LogicalMove(ctx, motion.Position{30, 30}, 50))
	require.NoError(t, m.RawMove(ctx, motion.Steps{0, 0}, 50))
	assert.True(t, m.IsDraining())
	assert.Equal(t, int64(3000), m.MotorPosition(motion.A))

	m.Drain(false)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, m.RawMove(cancelled, motion.Steps{0, 0}, 50), context.Canceled)
}

func TestCurrentAndDisable(t *testing.T) {
	m, err := New(DefaultScenario("corexy"))
	require.NoError(t, err)

	assert.Equal(t, 0, m.SetMotorCurrent(motion.A, 900))
	assert.Equal(t, 900, m.MotorCurrent(motion.A))
	require.NoError(t, m.DisableMotors())
	assert.Equal(t, 0, m.MotorCurrent(motion.A))
	require.Error(t, m.ArmStallDetection(motion.A, 300))
}

func TestStallSensitivity(t *testing.T) {
	m, err := New(DefaultScenario("corexy"))
	require.NoError(t, err)

	require.NoError(t, m.ArmStallDetection(motion.B, 7))
	assert.Equal(t, 7, m.StallSensitivity(motion.B))
	assert.Equal(t, 0, m.StallSensitivity(motion.A))
	m.Disarm()

	require.NoError(t, m.SetStallSensitivity(motion.B, 2))
	assert.Equal(t, 2, m.StallSensitivity(motion.B))
	assert.False(t, m.DidTrigger())
	require.Error(t, m.SetStallSensitivity(motion.B, -1))
}
