// CoreXY phase grid refinement
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package homing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/kinematics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/metrics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// CalibrationMode selects when the grid origin is (re)calibrated.
type CalibrationMode int

const (
	// CalibrateOnDemand calibrates only when no origin is stored.
	CalibrateOnDemand CalibrationMode = iota
	// CalibrateForce always calibrates.
	CalibrateForce
	// CalibrateNever homes against a zero origin when none is stored.
	CalibrateNever
)

func (m CalibrationMode) String() string {
	switch m {
	case CalibrateOnDemand:
		return "on_demand"
	case CalibrateForce:
		return "force"
	case CalibrateNever:
		return "never"
	}
	return fmt.Sprintf("CalibrationMode(%d)", int(m))
}

// ParseCalibrationMode parses the String form of a mode.
func ParseCalibrationMode(s string) (CalibrationMode, error) {
	for _, m := range []CalibrationMode{CalibrateOnDemand, CalibrateForce, CalibrateNever} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown calibration mode %q", s)
}

// RefineResult is the outcome of a CoreXY home refinement.
type RefineResult struct {
	OK           bool
	Aborted      bool
	Unstable     bool
	Recalibrated bool
	Origin       store.GridOrigin
	Cell         [2]int64
	Position     motion.Position
}

// CoreXY refines the home of a CoreXY machine on the AB phase lattice.
type CoreXY struct {
	cfg     Config
	m       motion.Motion
	grid    grid
	active  atomic.Bool
	prober  *GridProber
	cycles  CycleMeasurer
	origin  *GridOriginCalibrator
	metrics *metrics.Homing

	refineID     uint32
	calID        uint32
	homeUnstable bool
}

// NewCoreXY creates the refiner for m.
func NewCoreXY(cfg Config, m motion.Motion, mt *metrics.Homing) *CoreXY {
	c := &CoreXY{cfg: cfg, m: m, grid: newGrid(cfg), metrics: mt}
	c.prober = &GridProber{m: m, grid: c.grid, active: &c.active, metrics: mt}
	c.setCycleMeasurer(NewPhaseCycleMeasurer(m, c.prober, cfg.CoreXY))
	return c
}

func (c *CoreXY) setCycleMeasurer(cm CycleMeasurer) {
	c.cycles = cm
	c.origin = NewGridOriginCalibrator(c.m, c.cfg, cm, c.metrics)
}

// IsCalibrated reports whether a grid origin is stored.
func (c *CoreXY) IsCalibrated(s store.Store) bool {
	_, ok := s.GridOrigin()
	return ok
}

// IsUnstable reports whether the last refinement ended close to a lattice
// cell boundary, or no origin is stored.
func (c *CoreXY) IsUnstable(s store.Store) bool {
	return !c.IsCalibrated(s) || c.homeUnstable
}

func (c *CoreXY) rehome(ctx context.Context, feedrate float64) error {
	enabled := c.m.EndstopsEnabled()
	defer c.m.EnableEndstops(enabled)
	c.m.EnableEndstops(true)

	order := []motion.Axis{motion.X, motion.Y}
	if c.cfg.CoreXY.HomeYBeforeX {
		order = []motion.Axis{motion.Y, motion.X}
	}
	for _, axis := range order {
		if err := c.m.Home(ctx, axis, feedrate); err != nil {
			return abortOr(ctx, c.m, err)
		}
	}
	return nil
}

// rehomeAndPhase moves to the probing point next to the home corner and
// aligns both motors to a full phase cycle. It returns the logical probing
// point and the aligned motor positions.
func (c *CoreXY) rehomeAndPhase(ctx context.Context, feedrate float64, rehome bool) (motion.Position, motion.Steps, error) {
	if rehome {
		if err := c.rehome(ctx, feedrate); err != nil {
			return motion.Position{}, motion.Steps{}, err
		}
	}
	if aborted(ctx, c.m) {
		return motion.Position{}, motion.Steps{}, errAborted
	}

	pos := c.m.MachinePosition()
	for _, axis := range motion.Axes {
		a := c.cfg.Axes[axis]
		pos[axis] = a.PositionEndstop - c.cfg.CoreXY.OriginOffset*float64(a.HomeDir)
	}
	if err := c.m.LogicalMove(ctx, pos, feedrate); err != nil {
		return motion.Position{}, motion.Steps{}, abortOr(ctx, c.m, err)
	}

	var origin motion.Steps
	for _, mot := range []motion.Motor{motion.A, motion.B} {
		origin[mot] = c.m.MotorPosition(mot) +
			phaseBackoffSteps(c.m.ReadMotorPhase(mot), c.grid.backoutDir(mot), c.grid.pps)
	}
	if err := c.m.RawMove(ctx, origin, feedrate); err != nil {
		return motion.Position{}, motion.Steps{}, abortOr(ctx, c.m, err)
	}

	diff := [2]int64{
		c.m.MotorPosition(motion.A) - origin[motion.A],
		c.m.MotorPosition(motion.B) - origin[motion.B],
	}
	if diff[0] != 0 || diff[1] != 0 {
		if aborted(ctx, c.m) {
			return motion.Position{}, motion.Steps{}, errAborted
		}
		return motion.Position{}, motion.Steps{}, errors.HardwareInvariant("rehome", "raw move didn't reach requested position").
			SetContext("diff_a", diff[0]).SetContext("diff_b", diff[1])
	}

	microsteps := c.cfg.Axes[motion.X].Microsteps
	pa, pb := c.m.ReadMotorPhase(motion.A), c.m.ReadMotorPhase(motion.B)
	if !phase.Aligned(pa, microsteps) || !phase.Aligned(pb, microsteps) {
		if aborted(ctx, c.m) {
			return motion.Position{}, motion.Steps{}, errAborted
		}
		return motion.Position{}, motion.Steps{}, errors.HardwareInvariant("rehome", "phase alignment failed").
			SetContext("phase_a", int(pa)).SetContext("phase_b", int(pb))
	}
	return pos, origin, nil
}

// measureFailed marks the home unstable after a phase cycle measurement
// that did not converge.
func (c *CoreXY) measureFailed(entry *log.Entry, res RefineResult, point string) RefineResult {
	c.homeUnstable = true
	res.Unstable = true
	entry.WithField("point", point).Warn("home cell measurement failed")
	return res
}

// Refine rehomes, loads or calibrates the grid origin according to mode,
// measures the home cell and cross-checks it from the validation point.
// On success the machine position is set from the validated cell. Origin
// writes go to s.
func (c *CoreXY) Refine(ctx context.Context, s store.Store, feedrate float64, mode CalibrationMode) (RefineResult, error) {
	enabled := c.m.EndstopsEnabled()
	defer c.m.EnableEndstops(enabled)
	c.m.EnableEndstops(false)

	c.homeUnstable = false
	c.refineID++
	entry := log.WithField("refine_id", c.refineID)

	var res RefineResult
	originPos, originSteps, err := c.rehomeAndPhase(ctx, feedrate, true)
	if err != nil {
		return res, err
	}
	params, err := measureParams(c.cfg.CoreXY, s)
	if err != nil {
		return res, err
	}

	origin, ok := s.GridOrigin()
	if mode == CalibrateForce || (mode == CalibrateOnDemand && !ok) {
		c.calID++
		entry.WithField("cal_id", c.calID).Info("recalibrating home origin")
		cal, err := c.origin.Calibrate(ctx, originSteps, params, feedrate)
		if err != nil {
			return res, err
		}
		if cal.Unstable {
			c.homeUnstable = true
		}
		if !cal.OK {
			entry.Warn("home origin calibration failed")
			res.Unstable = c.homeUnstable
			return res, nil
		}
		s.SetGridOrigin(cal.Origin)
		origin = cal.Origin
		res.Recalibrated = true

		if err := c.m.RawMove(ctx, originSteps, feedrate); err != nil {
			return res, abortOr(ctx, c.m, err)
		}
	} else if !ok {
		entry.Warn("homing without calibrated origin")
		origin = store.GridOrigin{}
	}
	res.Origin = origin
	o := origin.Origin

	here, ok, err := c.cycles.MeasurePhaseCycles(ctx, params)
	if err != nil {
		return res, err
	}
	if !ok {
		return c.measureFailed(entry, res, "home"), nil
	}
	hereUnstable := unstable(here.Cycles, o)
	cell := translate(here.Cycles, o)
	entry.WithFields(log.Fields{
		"cell_a":   cell[0],
		"cell_b":   cell[1],
		"unstable": hereUnstable,
	}).Debug("home cell")

	vOff := c.cfg.CoreXY.ValidationPoint
	if _, err := c.grid.move(ctx, c.m, originSteps, vOff, feedrate); err != nil {
		return res, abortOr(ctx, c.m, err)
	}
	if aborted(ctx, c.m) {
		return res, errAborted
	}
	v, ok, err := c.cycles.MeasurePhaseCycles(ctx, params)
	if err != nil {
		return res, err
	}
	if !ok {
		return c.measureFailed(entry, res, "validation"), nil
	}
	vCell := translate(v.Cycles, o)
	vUnstable := unstable(v.Cycles, o)
	if vCell[0]-vOff[0] != cell[0] || vCell[1]-vOff[1] != cell[1] {
		c.homeUnstable = true
		res.Unstable = true
		entry.WithFields(log.Fields{
			"cell_a":   cell[0],
			"cell_b":   cell[1],
			"valid_a":  vCell[0] - vOff[0],
			"valid_b":  vCell[1] - vOff[1],
			"unstable": vUnstable,
		}).Warn("home validation point is invalid")
		return res, nil
	}
	if hereUnstable && vUnstable {
		c.homeUnstable = true
	}

	if err := c.m.RawMove(ctx, originSteps, feedrate); err != nil {
		return res, abortOr(ctx, c.m, err)
	}
	if aborted(ctx, c.m) {
		return res, errAborted
	}

	steps := c.grid.cellSteps(cell)
	cMM := kinematics.ABToXY(float64(steps[motion.A]), float64(steps[motion.B]), c.grid.mmPerStep())
	pos := c.m.MachinePosition()
	for _, axis := range motion.Axes {
		pos[axis] = cMM[axis] + originPos[axis] + c.cfg.CoreXY.OriginOffset*float64(c.cfg.Axes[axis].HomeDir)
	}
	c.m.SetMachinePosition(pos)

	res.OK = true
	res.Unstable = c.homeUnstable
	res.Cell = cell
	res.Position = pos
	entry.WithFields(log.Fields{"cell_a": cell[0], "cell_b": cell[1]}).Info("calibrated home cycle")
	return res, nil
}

// CalibrateMeasureSensitivity scores every sensitivity of the configured
// measurement range by walking the lattice toward the home corner and stores
// the best one.
func (c *CoreXY) CalibrateMeasureSensitivity(ctx context.Context, s store.Store, feedrate float64) (store.MeasureParams, error) {
	rng := c.cfg.CoreXY.MeasureSensitivityRange
	if rng == nil {
		return store.MeasureParams{}, errors.ConfigValidationError("precise_homing_corexy", "measure_sensitivity_min",
			"measurement sensitivity range not configured")
	}

	enabled := c.m.EndstopsEnabled()
	defer c.m.EnableEndstops(enabled)
	c.m.EnableEndstops(false)

	params := store.MeasureParams{
		Feedrate: c.cfg.CoreXY.MeasureFeedrate,
		Current:  c.cfg.CoreXY.MeasureCurrent,
	}
	best := store.MeasureParams{Score: -1}
	rehome := false
	for sens := rng.Min; sens <= rng.Max; sens++ {
		_, origin, err := c.rehomeAndPhase(ctx, feedrate, rehome)
		if err != nil {
			return store.MeasureParams{}, err
		}
		params.Sensitivity = sens
		score, err := c.walk(ctx, origin, feedrate, params)
		if err != nil {
			return store.MeasureParams{}, err
		}
		c.metrics.ObserveMeasureSensitivity(strconv.Itoa(sens), score)
		log.WithFields(log.Fields{"sensitivity": sens, "score": score}).Info("measurement sensitivity scored")
		if score > best.Score {
			best = params
			best.Score = score
		}
		// an undetected skip must not carry over
		rehome = true
	}

	log.WithField("sensitivity", best.Sensitivity).Info("measurement sensitivity selected")
	s.SetMeasureParams(best)
	return best, nil
}

// walk zig-zags along the lattice diagonal in both directions measuring the
// wall distance, and scores how tightly the distances cluster around their
// median.
func (c *CoreXY) walk(ctx context.Context, origin motion.Steps, feedrate float64, params store.MeasureParams) (float64, error) {
	g := c.grid
	guard, err := acquireMeasurement(c.m, &c.active, g.measured.Other(), c.cfg.CoreXY.HoldingCurrent)
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	walkAxis, ortho := motion.X, motion.Y
	if c.cfg.Axes[motion.X].HomeDir != c.cfg.Axes[motion.Y].HomeDir {
		walkAxis, ortho = motion.Y, motion.X
	}
	offset := c.cfg.CoreXY.OriginOffset
	walkDist := offset - c.cfg.Axes[walkAxis].MaxDiff*2
	cycles := int64(math.Floor(walkDist / (float64(g.cycle) * g.mmPerStep() * math.Sqrt2)))
	if cycles < 1 {
		return 0, errors.ConfigValidationError("precise_homing_corexy", "origin_offset",
			"too short to walk a full phase cycle")
	}
	period := cycles * 2
	probes := period
	if r := int64(c.cfg.CoreXY.BumpRetries * 2); r > probes {
		probes = r
	}

	minDist := int64(float64(int64((offset-c.cfg.Axes[ortho].MaxDiff*2)*math.Sqrt2)) * g.spm)
	maxDist := int64(offset * 4 * g.spm)
	dir := g.measureDir()

	var acc float64
	for _, aDir := range []int64{1, -1} {
		samples := make([]int64, 0, probes)
		for probe := int64(0); probe < probes; probe++ {
			cycle := probe / period
			if aDir < 0 {
				cycle++
			}
			n := probe % period
			d := -cycles + n
			if cycle%2 == 1 {
				d = -cycles + period - n
			}

			at, err := g.move(ctx, c.m, origin, [2]int64{d * aDir, d}, feedrate)
			if err != nil {
				return 0, abortOr(ctx, c.m, err)
			}
			if aborted(ctx, c.m) {
				return 0, errAborted
			}
			m, err := c.prober.MeasureAxisDistance(ctx, at, maxDist*dir*aDir, params)
			if err != nil {
				return 0, err
			}
			if !m.Hit {
				continue
			}
			if st := absInt(m.Steps); st >= minDist && st <= maxDist {
				samples = append(samples, st)
			}
		}

		if len(samples) < 3 {
			continue
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		med := samples[len(samples)/2]
		for _, st := range samples {
			off := absInt(med-st) * 4 / g.cycle
			acc += 1 / math.Pow(1+float64(off), 3)
		}
	}
	return acc / (float64(probes*2) * math.Pow(2, 3)), nil
}
