package homing

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/kinematics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/metrics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// unstableThreshold is how close to the half-cycle point a fractional cycle
// coordinate may get before the lattice cell is ambiguous.
const unstableThreshold = 0.25

// MeasuredMotor returns the motor whose travel is measured on a CoreXY
// machine: B when both axes home toward the same side, A otherwise.
func MeasuredMotor(axes [2]AxisConfig) motion.Motor {
	if axes[motion.X].HomeDir == axes[motion.Y].HomeDir {
		return motion.B
	}
	return motion.A
}

// grid holds the AB lattice geometry of a CoreXY machine.
type grid struct {
	axes     [2]AxisConfig
	measured motion.Motor
	pps      int64 // phase per planner microstep
	cycle    int64 // planner microsteps per phase cycle
	spm      float64
}

func newGrid(cfg Config) grid {
	x := cfg.Axes[motion.X]
	return grid{
		axes:     cfg.Axes,
		measured: MeasuredMotor(cfg.Axes),
		pps:      int64(phase.PerMicrostep(x.Microsteps)),
		cycle:    int64(phase.CycleSteps(x.Microsteps)),
		spm:      x.StepsPerMM,
	}
}

func (g grid) mmPerStep() float64 {
	return 1 / g.spm
}

// backoutDir is the motor direction that moves the effector away from the
// home corner.
func (g grid) backoutDir(m motion.Motor) int {
	if m == motion.A {
		return -g.axes[motion.X].HomeDir
	}
	return -g.axes[motion.Y].HomeDir
}

// measureDir is the direction of the measured motor toward the far wall.
func (g grid) measureDir() int64 {
	if g.measured == motion.B {
		return int64(-g.axes[motion.X].HomeDir)
	}
	return int64(-g.axes[motion.Y].HomeDir)
}

// cellSteps converts a lattice offset to motor steps.
func (g grid) cellSteps(off [2]int64) motion.Steps {
	ia, ib := 0, 1
	if g.axes[motion.X].HomeDir != g.axes[motion.Y].HomeDir {
		ia, ib = 1, 0
	}
	return motion.Steps{
		off[ia] * g.cycle * int64(-g.axes[motion.Y].HomeDir),
		off[ib] * g.cycle * int64(-g.axes[motion.X].HomeDir),
	}
}

// move raw-moves by whole phase cycles around origin and returns the target.
func (g grid) move(ctx context.Context, m motion.Motion, origin motion.Steps, off [2]int64, feedrate float64) (motion.Steps, error) {
	d := g.cellSteps(off)
	target := motion.Steps{origin[motion.A] + d[motion.A], origin[motion.B] + d[motion.B]}
	return target, m.RawMove(ctx, target, feedrate)
}

// phaseBackoffSteps returns the steps to move in dir until p sits on a cycle
// boundary, rounded to the nearest planner microstep.
func phaseBackoffSteps(p phase.Phase, dir int, pps int64) int64 {
	if dir > 0 {
		delta := int64(phase.Wrap(phase.Modulus - int(p)))
		return (delta + pps/2) / pps
	}
	return -((int64(p) + pps/2) / pps)
}

func frac(v float64) float64 {
	f := math.Mod(v, 1)
	if f < 0 {
		f++
	}
	return f
}

// unstable reports whether c lies too close to a half-cycle point of the
// lattice anchored at origin on either motor.
func unstable(c, origin [2]float64) bool {
	for i := range c {
		if math.Abs(frac(c[i]-origin[i])-0.5) < unstableThreshold {
			return true
		}
	}
	return false
}

// translate rounds c to its lattice cell relative to origin.
func translate(c, origin [2]float64) [2]int64 {
	var cell [2]int64
	for i := range c {
		cell[i] = roundHalfAway(c[i]-origin[i]) + roundHalfAway(origin[i])
	}
	return cell
}

// measureParams resolves the stall parameters of grid measurements.
func measureParams(cfg CoreXYConfig, s store.Store) (store.MeasureParams, error) {
	if cfg.MeasureSensitivityRange != nil {
		p, ok := s.MeasureParams()
		if !ok {
			return store.MeasureParams{}, errors.HardwareInvariant("grid probe", "axis measurement without calibration")
		}
		return p, nil
	}
	return store.MeasureParams{
		Sensitivity: cfg.MeasureSensitivity,
		Feedrate:    cfg.MeasureFeedrate,
		Current:     cfg.MeasureCurrent,
	}, nil
}

// AxisDistance is one stall measurement along the measured motor.
type AxisDistance struct {
	Steps int64   // signed planner steps travelled until the stall
	Dist  float64 // carriage travel, mm
	Hit   bool
}

// GridProber measures how far the measured motor travels from a point until
// the carriage stalls, returning to the point afterwards.
type GridProber struct {
	m       motion.Motion
	grid    grid
	active  *atomic.Bool
	metrics *metrics.Homing
}

func (p *GridProber) aborted(ctx context.Context) bool {
	return ctx.Err() != nil || p.m.IsDraining()
}

// MeasureAxisDistance moves the measured motor by at most dist steps from
// origin with stall detection armed. A move that never stalls is measured
// against its target. It must run inside a measurement setup.
func (p *GridProber) MeasureAxisDistance(ctx context.Context, origin motion.Steps, dist int64, params store.MeasureParams) (AxisDistance, error) {
	if !p.active.Load() {
		return AxisDistance{}, errors.HardwareInvariant("grid probe", "measurement outside of setup")
	}
	motor := p.grid.measured
	fixed := motor.Other()
	target := origin
	target[motor] += dist

	prev := p.m.SetMotorCurrent(motor, params.Current)
	defer p.m.SetMotorCurrent(motor, prev)
	prevSens := p.m.StallSensitivity(motor)
	defer func() {
		if err := p.m.SetStallSensitivity(motor, prevSens); err != nil {
			log.WithError(err).WithField("motor", motor).Warn("restore stall sensitivity")
		}
	}()

	endstops := p.m.EndstopsEnabled()
	p.m.EnableEndstops(true)
	if err := p.m.ArmStallDetection(motor, params.Sensitivity); err != nil {
		p.m.EnableEndstops(endstops)
		return AxisDistance{}, err
	}
	moveErr := p.m.RawMove(ctx, target, params.Feedrate)
	hit := p.m.DidTrigger()
	p.m.Disarm()
	p.m.EnableEndstops(endstops)
	if moveErr != nil {
		if p.aborted(ctx) {
			return AxisDistance{}, errAborted
		}
		return AxisDistance{}, moveErr
	}

	hitSteps := target
	if hit {
		hitSteps = motion.Steps{p.m.MotorPosition(motion.A), p.m.MotorPosition(motion.B)}
	}

	if err := p.m.RawMove(ctx, origin, p.grid.axes[motion.X].HomingSpeed); err != nil {
		if p.aborted(ctx) {
			return AxisDistance{}, errAborted
		}
		return AxisDistance{}, err
	}
	if p.aborted(ctx) {
		return AxisDistance{}, errAborted
	}

	if hitSteps[fixed] != origin[fixed] || p.m.MotorPosition(fixed) != origin[fixed] {
		return AxisDistance{}, errors.HardwareInvariant("grid probe", "fixed motor moved unexpectedly").
			SetContext("motor", fixed.String())
	}
	if p.m.MotorPosition(motor) != origin[motor] {
		return AxisDistance{}, errors.HardwareInvariant("grid probe", "measured motor didn't return").
			SetContext("motor", motor.String())
	}

	res := AxisDistance{
		Steps: hitSteps[motor] - origin[motor],
		Hit:   hit,
		Dist: kinematics.Distance(
			float64(hitSteps[motion.A]-origin[motion.A]),
			float64(hitSteps[motion.B]-origin[motion.B]),
			p.grid.mmPerStep()),
	}
	dir := "+"
	if dist < 0 {
		dir = "-"
	}
	p.metrics.ObserveMeasurement(motor.String(), dir, res.Steps)
	log.WithFields(log.Fields{
		"motor": motor,
		"dir":   dir,
		"steps": res.Steps,
		"dist":  res.Dist,
		"hit":   hit,
	}).Debug("axis distance")
	return res, nil
}

// PhaseCycles is the position of the carriage in phase cycles, measured
// against both walls of the home corner.
type PhaseCycles struct {
	Cycles [2]float64
	Dist   [2]float64 // half distances to the walls, mm
}

// CycleMeasurer measures phase cycle coordinates at the current position.
// ok is false when the walls could not be measured consistently.
type CycleMeasurer interface {
	MeasurePhaseCycles(ctx context.Context, params store.MeasureParams) (cycles PhaseCycles, ok bool, err error)
}

// PhaseCycleMeasurer bumps both walls repeatedly until two consecutive
// rounds agree, then converts the distances to phase cycles.
type PhaseCycleMeasurer struct {
	m              motion.Motion
	prober         *GridProber
	retries        int
	maxErr         int64
	maxDist        int64
	holdingCurrent int

	probeID uint32
}

// NewPhaseCycleMeasurer creates a measurer on top of prober.
func NewPhaseCycleMeasurer(m motion.Motion, prober *GridProber, cfg CoreXYConfig) *PhaseCycleMeasurer {
	return &PhaseCycleMeasurer{
		m:              m,
		prober:         prober,
		retries:        cfg.BumpRetries,
		maxErr:         cfg.BumpMaxErr,
		maxDist:        int64(cfg.OriginOffset * 4 * prober.grid.spm),
		holdingCurrent: cfg.HoldingCurrent,
	}
}

// ProbeID returns the number of phase cycle measurements started so far.
func (pm *PhaseCycleMeasurer) ProbeID() uint32 {
	return pm.probeID
}

// measure reports ok=false when the carriage never stalled.
func (pm *PhaseCycleMeasurer) measure(ctx context.Context, origin motion.Steps, dist int64, params store.MeasureParams) (AxisDistance, bool, error) {
	d, err := pm.prober.MeasureAxisDistance(ctx, origin, dist, params)
	if err != nil {
		return d, false, err
	}
	if !d.Hit {
		if pm.prober.aborted(ctx) {
			return d, false, errAborted
		}
		return d, false, nil
	}
	return d, true, nil
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// MeasurePhaseCycles implements CycleMeasurer.
func (pm *PhaseCycleMeasurer) MeasurePhaseCycles(ctx context.Context, params store.MeasureParams) (PhaseCycles, bool, error) {
	g := pm.prober.grid
	motor := g.measured
	guard, err := acquireMeasurement(pm.m, pm.prober.active, motor.Other(), pm.holdingCurrent)
	if err != nil {
		return PhaseCycles{}, false, err
	}
	defer guard.Release()
	pm.probeID++

	entry := log.WithFields(log.Fields{"motor": motor, "probe_id": pm.probeID})
	dir := g.measureDir()
	origin := motion.Steps{pm.m.MotorPosition(motion.A), pm.m.MotorPosition(motion.B)}

	// [slot][wall]; wall 1 is reached moving in dir, wall 0 against it
	var steps [2][2]int64
	var dist [2][2]float64
	for i := range steps {
		steps[i] = [2]int64{-pm.maxErr, -pm.maxErr}
	}
	spread := [2]runningStats{welford.New(), welford.New()}

	converged := false
	for r := 0; r < pm.retries; r++ {
		s0, s1 := r%2, (r+1)%2

		far, ok, err := pm.measure(ctx, origin, pm.maxDist*dir, params)
		if err != nil {
			return PhaseCycles{}, false, err
		}
		if !ok {
			entry.WithField("round", r).Warn("wall not reached")
			return PhaseCycles{}, false, nil
		}
		near, ok, err := pm.measure(ctx, origin, -pm.maxDist*dir, params)
		if err != nil {
			return PhaseCycles{}, false, err
		}
		if !ok {
			entry.WithField("round", r).Warn("wall not reached")
			return PhaseCycles{}, false, nil
		}
		steps[s1] = [2]int64{absInt(near.Steps), absInt(far.Steps)}
		dist[s1] = [2]float64{math.Abs(near.Dist), math.Abs(far.Dist)}
		spread[0].Add(float64(steps[s1][0]))
		spread[1].Add(float64(steps[s1][1]))

		d0 := absInt(steps[s0][0] - steps[s1][0])
		d1 := absInt(steps[s0][1] - steps[s1][1])
		pm.prober.metrics.ObserveRound(motor.String(), d0, d1)
		entry.WithFields(log.Fields{"round": r, "d0": d0, "d1": d1}).Debug("phase cycle round")
		if d0 < pm.maxErr && d1 < pm.maxErr {
			converged = true
			break
		}
	}
	if !converged {
		entry.WithFields(log.Fields{
			"stddev0": spread[0].Stddev(),
			"stddev1": spread[1].Stddev(),
			"retries": pm.retries,
		}).Warn("axis measurement failed")
		return PhaseCycles{}, false, nil
	}

	d1 := float64(steps[0][0]+steps[1][0]) / 2
	d2 := float64(steps[0][1]+steps[1][1]) / 2
	a := (d1 + d2) / 2
	b := d1 - a
	res := PhaseCycles{
		Cycles: [2]float64{a / float64(g.cycle), b / float64(g.cycle)},
		Dist:   [2]float64{(dist[0][0] + dist[1][0]) / 2, (dist[0][1] + dist[1][1]) / 2},
	}
	entry.WithFields(log.Fields{
		"cycle_a": res.Cycles[0],
		"cycle_b": res.Cycles[1],
	}).Debug("phase cycles measured")
	return res, true, nil
}
