// Package kinematics converts between motor step counters and logical XY
// positions for the two-motor machines the homing engine supports.
package kinematics

import (
	"fmt"
	"strings"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
)

// Kinematics is the interface for the supported XY kinematics.
type Kinematics interface {
	// Type returns the kinematic type name ("cartesian" or "corexy").
	Type() string

	// Position converts motor step counters to a logical position in mm.
	Position(s motion.Steps) motion.Position

	// Steps converts a logical position to the nearest motor step counters.
	Steps(p motion.Position) motion.Steps

	// StepsPerMM returns the resolution of the motor driving axis.
	StepsPerMM(axis motion.Axis) float64
}

// Config holds the per-axis resolution and the kinematic type.
type Config struct {
	Type       string     // "cartesian" or "corexy"
	StepsPerMM [2]float64 // indexed by motion.Axis
}

// New creates a kinematics instance from cfg.
func New(cfg Config) (Kinematics, error) {
	for i, spm := range cfg.StepsPerMM {
		if spm <= 0 {
			return nil, fmt.Errorf("steps_per_mm of %s must be positive, got %g", motion.Axis(i), spm)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "cartesian":
		return &Cartesian{stepsPerMM: cfg.StepsPerMM}, nil
	case "corexy":
		if cfg.StepsPerMM[0] != cfg.StepsPerMM[1] {
			return nil, fmt.Errorf("corexy requires equal steps_per_mm on both motors, got %g and %g",
				cfg.StepsPerMM[0], cfg.StepsPerMM[1])
		}
		return &CoreXY{stepsPerMM: cfg.StepsPerMM[0]}, nil
	default:
		return nil, fmt.Errorf("unsupported kinematics type: %s", cfg.Type)
	}
}

func round(v float64) int64 {
	if v < 0 {
		return -int64(-v + 0.5)
	}
	return int64(v + 0.5)
}
