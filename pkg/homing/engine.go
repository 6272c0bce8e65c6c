// Precise homing engine
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package homing turns the stall of a motor against its endstop into a
// repeatable reference position. Cartesian axes are refined against a
// persisted window of motor phase samples; CoreXY machines are referenced
// to a calibrated lattice of whole phase cycles of both motors.
package homing

import (
	"context"
	stderrors "errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/metrics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// errAborted unwinds a homing call once motion is draining. It never leaves
// the package.
var errAborted = stderrors.New("homing aborted")

func aborted(ctx context.Context, m motion.Motion) bool {
	return ctx.Err() != nil || m.IsDraining()
}

// abortOr replaces err with errAborted when it was caused by a teardown.
func abortOr(ctx context.Context, m motion.Motion, err error) error {
	if aborted(ctx, m) {
		return errAborted
	}
	return err
}

//go:generate mockgen -destination=mock_halter_test.go -package=homing . Halter

// Halter stops the machine after a hardware invariant violation. Once halted,
// CheckOperational fails until the halt is cleared.
type Halter interface {
	HardwareFault(err error)
	CheckOperational() error
}

// KinematicProbe is the kinematics specific half of the engine.
type KinematicProbe interface {
	Kind() string
	IsCalibrated(s store.Store, axis motion.Axis) bool
	IsUnstable(s store.Store) bool
}

type cartesianProbe struct {
	*Cartesian
}

func (cartesianProbe) Kind() string { return KinematicsCartesian }

func (p cartesianProbe) IsCalibrated(s store.Store, axis motion.Axis) bool {
	return IsCalibrated(p.cfg, s, axis)
}

func (cartesianProbe) IsUnstable(store.Store) bool { return false }

type corexyProbe struct {
	*CoreXY
}

func (corexyProbe) Kind() string { return KinematicsCoreXY }

func (p corexyProbe) IsCalibrated(s store.Store, _ motion.Axis) bool {
	return p.CoreXY.IsCalibrated(s)
}

func (p corexyProbe) IsUnstable(s store.Store) bool {
	return p.CoreXY.IsUnstable(s)
}

// Engine serializes homing calls on one machine. Every call stages its
// store writes and commits them only when it completes without error or
// abort.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	m       motion.Motion
	store   store.Store
	halter  Halter
	metrics *metrics.Homing

	probe     KinematicProbe
	cartesian *Cartesian
	corexy    *CoreXY
}

// NewEngine creates the engine for cfg.Kinematics. prober may be nil to
// probe through m.
func NewEngine(cfg Config, m motion.Motion, s store.Store, h Halter, mt *metrics.Homing, prober Prober) *Engine {
	e := &Engine{cfg: cfg, m: m, store: s, halter: h, metrics: mt}
	switch cfg.Kinematics {
	case KinematicsCoreXY:
		e.corexy = NewCoreXY(cfg, m, mt)
		e.probe = corexyProbe{e.corexy}
	default:
		if prober == nil {
			prober = NewAxisProbe(m, cfg.Axes)
		}
		e.cartesian = NewCartesian(cfg, prober, m.IsDraining, mt)
		e.probe = cartesianProbe{e.cartesian}
	}
	return e
}

// Kind returns the kinematics the engine was built for.
func (e *Engine) Kind() string {
	return e.probe.Kind()
}

// checkOperational refuses to move a halted machine.
func (e *Engine) checkOperational() error {
	if e.halter == nil {
		return nil
	}
	if err := e.halter.CheckOperational(); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "machine halted")
	}
	return nil
}

// finish commits or discards st depending on err. Aborts become a nil error
// and fatal errors halt the machine.
func (e *Engine) finish(st *staged, op string, err error) (bool, error) {
	entry := log.WithField("op", op)
	switch {
	case err == errAborted:
		entry.Info("homing aborted")
		e.metrics.ObserveResult(e.probe.Kind(), "aborted")
		return true, nil
	case err != nil:
		if errors.IsFatal(err) {
			entry.WithError(err).Error("hardware invariant violated")
			if e.halter != nil {
				e.halter.HardwareFault(err)
			}
		} else {
			entry.WithError(err).Warn("homing failed")
		}
		e.metrics.ObserveResult(e.probe.Kind(), "error")
		return false, err
	}
	if cerr := st.Commit(); cerr != nil {
		return false, errors.StoreError("commit", cerr)
	}
	return false, nil
}

// HomeAxisPrecise refines the home of one cartesian axis. When the result is
// accepted on a calibrated axis the machine position of axis is set to its
// calibrated home.
func (e *Engine) HomeAxisPrecise(ctx context.Context, axis motion.Axis, dir int, allowCal bool, feedrate float64) (AxisResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cartesian == nil {
		return AxisResult{}, errors.RuntimeError("precise axis homing requires cartesian kinematics")
	}
	if err := e.checkOperational(); err != nil {
		return AxisResult{}, err
	}

	st := newStaged(e.store)
	res, err := e.cartesian.Home(ctx, st, axis, dir, allowCal, feedrate)
	abort, err := e.finish(st, "home_"+axis.String(), err)
	res.Aborted = abort
	if abort || err != nil {
		return res, err
	}

	if res.Accepted {
		e.metrics.ObserveResult(KinematicsCartesian, "accepted")
		if res.Calibrated {
			pos := e.m.MachinePosition()
			pos[axis] = e.cfg.Axes[axis].PositionEndstop - e.calibratedHomeOffset(axis)
			e.m.SetMachinePosition(pos)
		}
	} else {
		e.metrics.ObserveResult(KinematicsCartesian, "rejected")
	}
	return res, nil
}

// CoreXYHomeRefine refines the home of a CoreXY machine.
func (e *Engine) CoreXYHomeRefine(ctx context.Context, feedrate float64, mode CalibrationMode) (RefineResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.corexy == nil {
		return RefineResult{}, errors.RuntimeError("home refinement requires corexy kinematics")
	}
	if err := e.checkOperational(); err != nil {
		return RefineResult{}, err
	}

	st := newStaged(e.store)
	res, err := e.corexy.Refine(ctx, st, feedrate, mode)
	abort, err := e.finish(st, "refine", err)
	res.Aborted = abort
	if abort || err != nil {
		return res, err
	}
	if res.OK {
		e.metrics.ObserveResult(KinematicsCoreXY, "accepted")
	} else {
		e.metrics.ObserveResult(KinematicsCoreXY, "rejected")
	}
	return res, nil
}

// CalibrateMeasureSensitivity selects and stores the CoreXY measurement
// sensitivity. The returned bool reports an abort.
func (e *Engine) CalibrateMeasureSensitivity(ctx context.Context, feedrate float64) (store.MeasureParams, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.corexy == nil {
		return store.MeasureParams{}, false, errors.RuntimeError("measurement calibration requires corexy kinematics")
	}
	if err := e.checkOperational(); err != nil {
		return store.MeasureParams{}, false, err
	}

	st := newStaged(e.store)
	p, err := e.corexy.CalibrateMeasureSensitivity(ctx, st, feedrate)
	abort, err := e.finish(st, "measure_sensitivity", err)
	if abort || err != nil {
		return store.MeasureParams{}, abort, err
	}
	return p, false, nil
}

// IsCalibrated reports whether axis has usable calibration data. On CoreXY
// machines both axes share the grid origin.
func (e *Engine) IsCalibrated(axis motion.Axis) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probe.IsCalibrated(e.store, axis)
}

// IsUnstable reports whether the last refinement ended near an ambiguous
// lattice cell. It is always false on cartesian machines.
func (e *Engine) IsUnstable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probe.IsUnstable(e.store)
}

// CalibratedHomeOffset returns the calibrated home offset of a cartesian axis
// at the current motor phase.
func (e *Engine) CalibratedHomeOffset(axis motion.Axis) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calibratedHomeOffset(axis)
}

func (e *Engine) calibratedHomeOffset(axis motion.Axis) float64 {
	if e.cartesian == nil {
		return 0
	}
	return CalibratedHomeOffset(e.cfg, e.store, axis, e.m.ReadMotorPhase(motion.MotorFor(axis)))
}
