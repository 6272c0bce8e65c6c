package kinematics

import (
	"math"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
)

// CoreXY implements CoreXY kinematics.
// The A and B motors move the carriage diagonally:
// - X = 0.5 * (A + B)
// - Y = 0.5 * (A - B)
// - A = X + Y
// - B = X - Y
type CoreXY struct {
	stepsPerMM float64
}

// Type returns the kinematic type name.
func (k *CoreXY) Type() string {
	return "corexy"
}

// Position converts A/B step counters to mm.
func (k *CoreXY) Position(s motion.Steps) motion.Position {
	return ABToXY(float64(s[motion.A]), float64(s[motion.B]), 1/k.stepsPerMM)
}

// Steps converts mm to the nearest A/B step counters.
func (k *CoreXY) Steps(p motion.Position) motion.Steps {
	return motion.Steps{
		round((p[motion.X] + p[motion.Y]) * k.stepsPerMM),
		round((p[motion.X] - p[motion.Y]) * k.stepsPerMM),
	}
}

// StepsPerMM returns the resolution of both motors.
func (k *CoreXY) StepsPerMM(motion.Axis) float64 {
	return k.stepsPerMM
}

// ABToXY converts an A/B step pair to XY mm given the distance of one step.
func ABToXY(a, b, mmPerStep float64) motion.Position {
	return motion.Position{
		(a + b) / 2 * mmPerStep,
		(a - b) / 2 * mmPerStep,
	}
}

// Distance returns the carriage travel in mm of an A/B step delta.
func Distance(da, db, mmPerStep float64) float64 {
	d := ABToXY(da, db, mmPerStep)
	return math.Hypot(d[0], d[1])
}
