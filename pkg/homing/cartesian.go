// Cartesian phase-stepping refinement
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package homing

import (
	"context"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/metrics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// Probe classes, also used as metric labels.
const (
	ClassPerfect    = "perfect"
	ClassAcceptable = "acceptable"
	ClassBad        = "bad"
	ClassFailed     = "failed"
)

// perfect-only tries before an acceptable offset is taken
const (
	acceptQuotaCalibrating = 3
	acceptQuotaFixed       = 9
	fixedTriesFactor       = 3
)

// AxisResult is the outcome of one precise single-axis homing.
type AxisResult struct {
	// ProbeOffset is the slow-minus-fast distance of the last probe, in mm.
	ProbeOffset       float64
	CalibrationOffset int
	Calibrated        bool
	Accepted          bool
	Aborted           bool
	Tries             int
	Sensitivity       int
	Divisor           float64
}

// Cartesian refines the home of one cartesian axis against its recorded
// motor phase.
type Cartesian struct {
	cfg     Config
	prober  Prober
	drain   func() bool
	metrics *metrics.Homing
}

// NewCartesian creates the refiner. drain reports whether motion is being
// torn down.
func NewCartesian(cfg Config, prober Prober, drain func() bool, m *metrics.Homing) *Cartesian {
	if drain == nil {
		drain = func() bool { return false }
	}
	return &Cartesian{cfg: cfg, prober: prober, drain: drain, metrics: m}
}

func (c *Cartesian) aborted(ctx context.Context) bool {
	return ctx.Err() != nil || c.drain()
}

// Home repeats probes until the calibration offset is perfect, or acceptable
// after enough tries. With allowCal the phase window takes new samples and
// the stall sensitivity may be tuned. All state changes go to s.
func (c *Cartesian) Home(ctx context.Context, s store.Store, axis motion.Axis, dir int, allowCal bool, feedrate float64) (AxisResult, error) {
	acfg := c.cfg.Axes[axis]
	ccfg := c.cfg.Cartesian
	entry := log.WithField("axis", axis)

	tries, quota := ccfg.Tries, acceptQuotaCalibrating
	if !allowCal {
		tries, quota = ccfg.Tries*fixedTriesFactor, acceptQuotaFixed
	}
	autotune := allowCal && ccfg.Autotune
	escalated := false

	bump := NewBumpController(axis, acfg, ccfg.DivisorStep, s)
	window := s.Window(axis, ccfg.WindowSize)
	res := AxisResult{Sensitivity: acfg.StallSensitivity}

	for try := 0; try < tries; try++ {
		res.Tries = try + 1

		if autotune {
			force := false
			if try >= quota && !escalated {
				entry.Warn("homing keeps failing, recalibrating sensitivity")
				force, escalated = true, true
				quota *= 2
			}
			sens, err := c.tuneSensitivity(ctx, s, window, axis, dir, feedrate, bump.Value(), force)
			if err != nil {
				res.Aborted = err == errAborted
				return res, err
			}
			res.Sensitivity = sens
		}

		probe, offset, calibrated, err := c.probeAndRecord(ctx, s, window, axis, dir, feedrate, bump.Value(), res.Sensitivity, allowCal)
		if err != nil {
			res.Aborted = err == errAborted
			return res, err
		}
		res.ProbeOffset = probe.Offset
		res.CalibrationOffset = offset
		res.Calibrated = calibrated

		class := c.classify(acfg, probe, offset)
		c.metrics.ObserveProbe(axis.String(), class, offset)
		entry.WithFields(log.Fields{
			"try":     try + 1,
			"class":   class,
			"phase":   probe.Phase,
			"offset":  offset,
			"divisor": bump.Value(),
			"missed":  probe.Missed,
		}).Info("precise homing probe")

		switch class {
		case ClassPerfect:
			res.Accepted = true
		case ClassAcceptable:
			res.Accepted = try >= quota
		default:
			bump.Increase()
		}
		if res.Accepted {
			break
		}
	}

	res.Divisor = bump.Value()
	if res.Accepted {
		bump.Persist(s)
		c.metrics.SetBumpDivisor(axis.String(), bump.Value())
		c.metrics.SetSensitivity(axis.String(), res.Sensitivity)
	} else {
		entry.Warnf("precise homing rejected after %d tries", res.Tries)
	}
	return res, nil
}

// classify grades one homing attempt. A missed stall or a slow-minus-fast offset
// outside [MinDiff, MaxDiff] fails regardless of the phase.
func (c *Cartesian) classify(acfg AxisConfig, pr ProbeResult, offset int) string {
	ccfg := c.cfg.Cartesian
	off := offset
	if off < 0 {
		off = -off
	}
	switch {
	case pr.Missed || pr.Offset < acfg.MinDiff || pr.Offset > acfg.MaxDiff:
		return ClassFailed
	case off <= ccfg.PerfectOffset:
		return ClassPerfect
	case off <= ccfg.AcceptableOffset:
		return ClassAcceptable
	}
	return ClassBad
}

// tuneSensitivity probes until the sensitivity search of axis converges.
// A fresh result invalidates the phase window.
func (c *Cartesian) tuneSensitivity(ctx context.Context, s store.Store, window *phase.Window, axis motion.Axis, dir int, feedrate, divisor float64, force bool) (int, error) {
	stored, ok := s.Sensitivity(axis)
	search := newSensitivitySearch(axis, c.cfg.Cartesian, stored, ok, force)
	for !search.Calibrated() {
		pr, err := c.prober.Probe(ctx, axis, dir, feedrate, divisor, search.Current())
		if err != nil {
			return 0, c.abortOr(ctx, err)
		}
		if c.aborted(ctx) {
			return 0, errAborted
		}
		if search.Update(pr.Offset) {
			s.SetSensitivity(axis, search.Current())
			window.Erase()
			s.SetWindow(axis, window)
		}
	}
	return search.Current(), nil
}

// probeAndRecord probes once and, when storing is allowed, keeps probing
// until the window is calibrated. Missed probes and probes outside the
// plausibility band end the loop without being recorded.
func (c *Cartesian) probeAndRecord(ctx context.Context, s store.Store, window *phase.Window, axis motion.Axis, dir int, feedrate, divisor float64, sensitivity int, record bool) (ProbeResult, int, bool, error) {
	acfg := c.cfg.Axes[axis]
	tol := c.cfg.Cartesian.ModalTolerance
	for {
		pr, err := c.prober.Probe(ctx, axis, dir, feedrate, divisor, sensitivity)
		if err != nil {
			return ProbeResult{}, 0, false, c.abortOr(ctx, err)
		}
		if c.aborted(ctx) {
			return ProbeResult{}, 0, false, errAborted
		}

		pushed := false
		if record && !pr.Missed && pr.Offset >= acfg.MinDiff && pr.Offset <= acfg.MaxDiff {
			window.Push(pr.Phase)
			s.SetWindow(axis, window)
			pushed = true
		}
		offset, calibrated := window.Offset(pr.Phase, tol)
		if !pushed || calibrated {
			return pr, offset, calibrated, nil
		}
	}
}

func (c *Cartesian) abortOr(ctx context.Context, err error) error {
	if c.aborted(ctx) {
		return errAborted
	}
	return err
}

// IsCalibrated reports whether the stored window of axis is full.
func IsCalibrated(cfg Config, s store.Store, axis motion.Axis) bool {
	return s.Window(axis, cfg.Cartesian.WindowSize).Calibrated()
}

// CalibratedHomeOffset returns the distance in mm between the stall point and
// the calibrated home of axis for the phase observed there. It is zero while
// the axis is not calibrated.
func CalibratedHomeOffset(cfg Config, s store.Store, axis motion.Axis, observed phase.Phase) float64 {
	acfg := cfg.Axes[axis]
	offset, ok := s.Window(axis, cfg.Cartesian.WindowSize).Offset(observed, cfg.Cartesian.ModalTolerance)
	if !ok {
		return 0
	}
	gap := acfg.HomeGap
	if acfg.HomeDir > 0 {
		gap = -gap
	}
	return gap - float64(offset)/acfg.PhasePerMM()
}

func roundHalfAway(v float64) int64 {
	return int64(math.Round(v))
}
