package homing

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

// ProbeResult is one fast-then-slow bump into the endstop.
type ProbeResult struct {
	Phase phase.Phase
	// Offset is how much deeper the slow probe went than the fast one, in mm.
	// A missed stall reports the distance its unfinished move covered.
	Offset float64
	// Missed is set when a move ended without a stall.
	Missed bool
}

// Prober performs single-axis probes. AxisProbe is the hardware
// implementation; tests script their own.
type Prober interface {
	Probe(ctx context.Context, axis motion.Axis, dir int, feedrate, divisor float64, sensitivity int) (ProbeResult, error)
}

// AxisProbe bumps one cartesian axis into its endstop through raw moves.
type AxisProbe struct {
	m    motion.Motion
	axes [2]AxisConfig
}

// NewAxisProbe creates a probe on m.
func NewAxisProbe(m motion.Motion, axes [2]AxisConfig) *AxisProbe {
	return &AxisProbe{m: m, axes: axes}
}

// Probe moves toward the endstop at feedrate until the stall triggers, backs
// off by the bump distance and approaches again at feedrate/divisor. It
// returns the phase at the second stall and the distance between the stalls.
// A move that never stalls yields a Missed result, not an error.
func (p *AxisProbe) Probe(ctx context.Context, axis motion.Axis, dir int, feedrate, divisor float64, sensitivity int) (ProbeResult, error) {
	cfg := p.axes[axis]
	motor := motion.MotorFor(axis)
	spm := cfg.StepsPerMM
	if feedrate <= 0 {
		feedrate = cfg.HomingSpeed
	}
	if divisor <= 0 {
		divisor = 1
	}

	bump := int64(cfg.BumpDistance * spm)
	start := p.m.MotorPosition(motor)
	first, hit, err := p.stall(ctx, motor, int64(dir)*int64(cfg.Travel*spm), feedrate, sensitivity)
	if err != nil {
		return ProbeResult{}, err
	}
	if !hit {
		res := ProbeResult{
			Phase:  p.m.ReadMotorPhase(motor),
			Offset: float64((first-start)*int64(dir)) / spm,
			Missed: true,
		}
		log.WithFields(log.Fields{"axis": axis, "travel": res.Offset}).Warn("homing move missed the endstop")
		return res, nil
	}

	back := p.target(motor, first-int64(dir)*bump)
	if err := p.m.RawMove(ctx, back, feedrate); err != nil {
		return ProbeResult{}, err
	}

	second, hit, err := p.stall(ctx, motor, int64(dir)*bump*2, feedrate/divisor, sensitivity)
	if err != nil {
		return ProbeResult{}, err
	}

	res := ProbeResult{
		Phase:  p.m.ReadMotorPhase(motor),
		Offset: float64((second-first)*int64(dir)) / spm,
		Missed: !hit,
	}
	log.WithFields(log.Fields{
		"axis":    axis,
		"phase":   res.Phase,
		"offset":  res.Offset,
		"divisor": divisor,
		"missed":  res.Missed,
	}).Debug("homing probe")
	return res, nil
}

func (p *AxisProbe) target(motor motion.Motor, pos int64) motion.Steps {
	t := motion.Steps{p.m.MotorPosition(motion.A), p.m.MotorPosition(motion.B)}
	t[motor] = pos
	return t
}

// stall moves motor by delta steps with stall detection armed and returns
// the position where it stopped and whether the stall triggered.
func (p *AxisProbe) stall(ctx context.Context, motor motion.Motor, delta int64, feedrate float64, sensitivity int) (int64, bool, error) {
	if err := p.m.ArmStallDetection(motor, sensitivity); err != nil {
		return 0, false, err
	}
	err := p.m.RawMove(ctx, p.target(motor, p.m.MotorPosition(motor)+delta), feedrate)
	hit := p.m.DidTrigger()
	p.m.Disarm()
	if err != nil {
		return 0, false, err
	}
	if !hit && (ctx.Err() != nil || p.m.IsDraining()) {
		return 0, false, errAborted
	}
	return p.m.MotorPosition(motor), hit, nil
}
