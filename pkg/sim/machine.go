// Simulated two motor machine
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package sim is a virtual two-motor machine for running the homing engine
// without hardware. Physical motor positions are tracked separately from the
// planner counters, so lost steps and stalls behave like they do on a real
// printer.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/endstop"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/inputshaper"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/kinematics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/tmc"
)

// Machine implements motion.Motion over simulated drivers and walls.
type Machine struct {
	mu sync.Mutex

	sc      Scenario
	kin     kinematics.Kinematics
	rng     *rand.Rand
	drivers [2]*tmc.Driver
	stops   [2]*endstop.Endstop
	group   *endstop.Group
	shaping [2]*inputshaper.AxisConfig

	phys  motion.Steps // physical motor steps
	off   motion.Steps // planner counter minus physical
	armed int          // last armed motor, -1 before the first arm

	endstopsOn bool
	draining   bool
	moves      int
	stalls     int
}

var _ motion.Motion = (*Machine)(nil)

// New creates a machine in the state described by sc.
func New(sc Scenario) (*Machine, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	kin, err := kinematics.New(kinematics.Config{
		Type:       sc.Kinematics,
		StepsPerMM: [2]float64{sc.StepsPerMM, sc.StepsPerMM},
	})
	if err != nil {
		return nil, err
	}
	m := &Machine{
		sc:    sc,
		kin:   kin,
		rng:   rand.New(rand.NewSource(sc.Seed)),
		armed: -1,
	}
	m.phys = kin.Steps(motion.Position(sc.Start))
	for i := range m.drivers {
		mot := motion.Motor(i)
		d, err := tmc.NewDriver("stepper_"+mot.String(), sc.Microsteps, 0)
		if err != nil {
			return nil, err
		}
		d.SetPhase(phase.Wrap(sc.Phase[i] + int(m.phys[i])*phase.PerMicrostep(sc.Microsteps)))
		m.drivers[i] = d
		m.stops[i] = endstop.New(mot.String())
		// Trigger only fires from RawMove, which holds m.mu
		m.stops[i].SetTriggerCallback(func(pos int64) {
			m.stalls++
			log.WithFields(log.Fields{"motor": mot, "pos": pos}).Debug("sim: stall")
		})
	}
	m.group = endstop.NewGroup(m.stops[0], m.stops[1])
	return m, nil
}

// Scenario returns the scenario the machine was built from.
func (m *Machine) Scenario() Scenario {
	return m.sc
}

// Driver returns the driver of motor mot.
func (m *Machine) Driver(mot motion.Motor) *tmc.Driver {
	return m.drivers[mot]
}

// Drain starts or stops draining. While draining every move is dropped.
func (m *Machine) Drain(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draining = on
}

// Physical returns the true carriage position in mm.
func (m *Machine) Physical() motion.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kin.Position(m.phys)
}

// Stalls returns how many stalls were reported so far.
func (m *Machine) Stalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalls
}

// tick counts a move and reports whether it must be dropped.
func (m *Machine) tick() bool {
	m.moves++
	if n := m.sc.Faults.DrainAfter; n > 0 && m.moves > n {
		m.draining = true
	}
	return m.draining
}

func (m *Machine) moveTo(p motion.Steps) {
	for i := range p {
		if d := p[i] - m.phys[i]; d != 0 {
			m.drivers[i].Step(int(d))
		}
	}
	m.phys = p
}

func (m *Machine) counters() motion.Steps {
	return motion.Steps{m.phys[0] + m.off[0], m.phys[1] + m.off[1]}
}

// stallBound returns where the carriage stalls on axis, with noise.
func (m *Machine) stallBound(axis motion.Axis, sensitivity int) float64 {
	st := m.sc.Stall
	over := st.Overshoot
	if m.shaping[axis] != nil {
		over += st.ShapingError
	}
	dist := sensitivity - st.BestSensitivity
	if dist < 0 {
		dist = -dist
	}
	sigma := st.Noise + st.SensitivityNoise*float64(dist)
	over += m.rng.NormFloat64() * sigma
	return m.sc.Walls[axis] + float64(m.sc.HomeDir[axis])*over
}

// stallPoint returns the fraction of the move from -> to after which the
// armed motor stalls.
func (m *Machine) stallPoint(from, to motion.Steps) (float64, bool) {
	sens := m.stops[m.armed].Sensitivity()
	var bounds [2]float64
	for _, axis := range motion.Axes {
		bounds[axis] = m.stallBound(axis, sens)
	}

	p0, p1 := m.kin.Position(from), m.kin.Position(to)
	best, found := 1.0, false
	for _, axis := range motion.Axes {
		if m.sc.Kinematics == "cartesian" && int(axis) != m.armed {
			continue
		}
		dir := float64(m.sc.HomeDir[axis])
		f0 := dir * (p0[axis] - bounds[axis])
		f1 := dir * (p1[axis] - bounds[axis])
		if f1 <= f0 {
			continue
		}
		var frac float64
		switch {
		case f0 >= 0:
			frac = 0
		case f1 >= 0:
			frac = -f0 / (f1 - f0)
		default:
			continue
		}
		if !found || frac < best {
			best, found = frac, true
		}
	}
	return best, found
}

// RawMove implements motion.Motion.
func (m *Machine) RawMove(ctx context.Context, target motion.Steps, feedrate float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if feedrate <= 0 {
		return fmt.Errorf("sim: invalid feedrate %g", feedrate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tick() {
		return nil
	}

	goal := motion.Steps{target[0] - m.off[0], target[1] - m.off[1]}
	if m.armed < 0 || !m.stops[m.armed].IsArmed() {
		goal[motion.A] -= m.sc.Faults.ShortMove
		m.moveTo(goal)
		return nil
	}

	frac, stalled := m.stallPoint(m.phys, goal)
	if !stalled {
		m.moveTo(goal)
		return nil
	}
	var stop motion.Steps
	for i := range stop {
		stop[i] = m.phys[i] + int64(math.Round(frac*float64(goal[i]-m.phys[i])))
	}
	m.moveTo(stop)
	m.stops[m.armed].Trigger(m.counters()[m.armed])
	return nil
}

// LogicalMove implements motion.Motion.
func (m *Machine) LogicalMove(ctx context.Context, target motion.Position, feedrate float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tick() {
		return nil
	}
	c := m.kin.Steps(target)
	m.moveTo(motion.Steps{c[0] - m.off[0], c[1] - m.off[1]})
	return nil
}

// Home drives axis into its wall and sets its position to the endstop.
func (m *Machine) Home(ctx context.Context, axis motion.Axis, feedrate float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.endstopsOn {
		return fmt.Errorf("sim: homing %s with endstops disabled", axis)
	}
	if m.tick() {
		return nil
	}

	cur := m.kin.Position(m.phys)
	delta := int64(math.Round((m.stallBound(axis, m.sc.Stall.BestSensitivity) - cur[axis]) * m.sc.StepsPerMM))
	next := m.phys
	switch {
	case m.sc.Kinematics == "cartesian":
		next[axis] += delta
	case axis == motion.X:
		next[motion.A] += delta
		next[motion.B] += delta
	default:
		next[motion.A] += delta
		next[motion.B] -= delta
	}
	m.moveTo(next)

	pos := m.kin.Position(m.counters())
	pos[axis] = m.sc.PositionEndstop[axis]
	m.setMachinePosition(pos)
	log.WithFields(log.Fields{"axis": axis, "steps": delta}).Debug("sim: homed")
	return nil
}

// MotorPosition implements motion.Motion.
func (m *Machine) MotorPosition(mot motion.Motor) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters()[mot]
}

// ReadMotorPhase implements motion.Motion.
func (m *Machine) ReadMotorPhase(mot motion.Motor) phase.Phase {
	return m.drivers[mot].Phase()
}

// ArmStallDetection implements motion.Motion.
func (m *Machine) ArmStallDetection(mot motion.Motor, sensitivity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.drivers[mot].SetStallThreshold(sensitivity); err != nil {
		return err
	}
	if err := m.stops[mot].Arm(sensitivity); err != nil {
		return err
	}
	m.armed = int(mot)
	return nil
}

// StallSensitivity implements motion.Motion.
func (m *Machine) StallSensitivity(mot motion.Motor) int {
	return m.drivers[mot].StallThreshold()
}

// SetStallSensitivity implements motion.Motion.
func (m *Machine) SetStallSensitivity(mot motion.Motor, sensitivity int) error {
	return m.drivers[mot].SetStallThreshold(sensitivity)
}

// Disarm implements motion.Motion.
func (m *Machine) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.group.DisarmAll()
}

// DidTrigger reports whether the last armed motor stalled.
func (m *Machine) DidTrigger() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armed < 0 {
		return false
	}
	_, ok := m.stops[m.armed].Triggered()
	return ok
}

// MotorCurrent implements motion.Motion.
func (m *Machine) MotorCurrent(mot motion.Motor) int {
	return m.drivers[mot].RunCurrent()
}

// SetMotorCurrent implements motion.Motion.
func (m *Machine) SetMotorCurrent(mot motion.Motor, mA int) int {
	return m.drivers[mot].SetRunCurrent(mA)
}

// SetMotionShaping implements motion.Motion.
func (m *Machine) SetMotionShaping(axis motion.Axis, cfg *inputshaper.AxisConfig) *inputshaper.AxisConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.shaping[axis]
	m.shaping[axis] = cfg.Clone()
	return prev
}

// MotionShaping returns the shaper of axis.
func (m *Machine) MotionShaping(axis motion.Axis) *inputshaper.AxisConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shaping[axis].Clone()
}

// EndstopsEnabled implements motion.Motion.
func (m *Machine) EndstopsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endstopsOn
}

// EnableEndstops implements motion.Motion.
func (m *Machine) EnableEndstops(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endstopsOn = on
}

// MachinePosition implements motion.Motion.
func (m *Machine) MachinePosition() motion.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kin.Position(m.counters())
}

// SetMachinePosition implements motion.Motion.
func (m *Machine) SetMachinePosition(p motion.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setMachinePosition(p)
}

func (m *Machine) setMachinePosition(p motion.Position) {
	c := m.kin.Steps(p)
	m.off = motion.Steps{c[0] - m.phys[0], c[1] - m.phys[1]}
}

// IsDraining implements motion.Motion.
func (m *Machine) IsDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// DisableMotors drops both drivers to zero current. It lets the machine be
// registered with the safety manager.
func (m *Machine) DisableMotors() error {
	for _, d := range m.drivers {
		d.SetRunCurrent(0)
	}
	log.Warn("sim: motors disabled")
	return nil
}
