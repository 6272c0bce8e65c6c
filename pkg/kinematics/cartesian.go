package kinematics

import "github.com/Snake-Edition/P32-FW-sub000/pkg/motion"

// Cartesian maps motor A to X and motor B to Y.
type Cartesian struct {
	stepsPerMM [2]float64
}

// Type returns the kinematic type name.
func (k *Cartesian) Type() string {
	return "cartesian"
}

// Position converts step counters to mm.
func (k *Cartesian) Position(s motion.Steps) motion.Position {
	return motion.Position{
		float64(s[motion.A]) / k.stepsPerMM[motion.X],
		float64(s[motion.B]) / k.stepsPerMM[motion.Y],
	}
}

// Steps converts mm to the nearest step counters.
func (k *Cartesian) Steps(p motion.Position) motion.Steps {
	return motion.Steps{
		round(p[motion.X] * k.stepsPerMM[motion.X]),
		round(p[motion.Y] * k.stepsPerMM[motion.Y]),
	}
}

// StepsPerMM returns the resolution of the motor driving axis.
func (k *Cartesian) StepsPerMM(axis motion.Axis) float64 {
	return k.stepsPerMM[axis]
}
