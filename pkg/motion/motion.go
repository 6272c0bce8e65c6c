// Package motion describes the motion subsystem the homing engine borrows:
// raw and kinematic moves, motor phase and stall detection, driver current and
// input shaping. Implementations own the real-time stepping; callers only block
// on moves and poll the draining flag after every suspension point.
package motion

import (
	"context"
	"fmt"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/inputshaper"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

// Axis is a logical motion axis.
type Axis int

const (
	X Axis = iota
	Y
)

// Axes lists the axes handled by the homing engine.
var Axes = [...]Axis{X, Y}

func (a Axis) String() string {
	switch a {
	case X:
		return "x"
	case Y:
		return "y"
	}
	return fmt.Sprintf("axis%d", int(a))
}

// Motor is a physical stepper. On cartesian machines motor A drives X and
// motor B drives Y; on CoreXY machines A = X+Y and B = X-Y.
type Motor int

const (
	A Motor = iota
	B
)

func (m Motor) String() string {
	switch m {
	case A:
		return "a"
	case B:
		return "b"
	}
	return fmt.Sprintf("motor%d", int(m))
}

// Other returns the opposite motor of the pair.
func (m Motor) Other() Motor {
	if m == A {
		return B
	}
	return A
}

// MotorFor returns the motor that drives a on cartesian kinematics.
func MotorFor(a Axis) Motor {
	return Motor(a)
}

// Steps holds a planner step counter per motor.
type Steps [2]int64

// Position holds a logical XY position in millimetres.
type Position [2]float64

// Motion is the motion collaborator. Every move blocks until the motors are
// at a standstill; implementations keep servicing the rest of the machine
// while a caller waits.
type Motion interface {
	// RawMove moves the motors to target counters, bypassing kinematics and
	// leveling. A stall on an armed motor stops the move early.
	RawMove(ctx context.Context, target Steps, feedrate float64) error
	// LogicalMove moves through the kinematics to a logical position.
	LogicalMove(ctx context.Context, target Position, feedrate float64) error
	// Home runs the regular homing sequence of one logical axis.
	Home(ctx context.Context, axis Axis, feedrate float64) error

	MotorPosition(m Motor) int64
	// ReadMotorPhase returns the driver microstep counter. It advances by
	// 256/microsteps for every positive planner step.
	ReadMotorPhase(m Motor) phase.Phase

	ArmStallDetection(m Motor, sensitivity int) error
	Disarm()
	DidTrigger() bool
	// StallSensitivity returns the stall threshold programmed in the driver.
	StallSensitivity(m Motor) int
	SetStallSensitivity(m Motor, sensitivity int) error

	MotorCurrent(m Motor) int
	// SetMotorCurrent sets the run current in mA and returns the previous one.
	SetMotorCurrent(m Motor, mA int) int
	// SetMotionShaping replaces the shaper of a logical axis; nil disables it.
	SetMotionShaping(axis Axis, cfg *inputshaper.AxisConfig) *inputshaper.AxisConfig

	EndstopsEnabled() bool
	EnableEndstops(on bool)

	MachinePosition() Position
	SetMachinePosition(p Position)

	IsDraining() bool
}
