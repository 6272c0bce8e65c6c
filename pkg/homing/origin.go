package homing

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/metrics"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// originSequence is the probing order of the calibration lattice, in whole
// cycles away from the home point. It is scrambled to spread belt tension.
var originSequence = [...][2]int64{
	{1, 0},
	{-1, 0},
	{0, 1},
	{0, -1},
	{-1, -1},
	{1, 1},
	{1, -1},
	{-1, 1},
	{0, 0},
}

// OriginResult is the outcome of a grid origin calibration.
type OriginResult struct {
	Origin store.GridOrigin
	OK     bool
	// Unstable is set when any point was unstable or off its cell.
	Unstable bool
	Passes   int
}

type originPoint struct {
	cycles     PhaseCycles
	revalidate bool
}

// GridOriginCalibrator estimates the lattice origin as the centroid of the
// phase cycle coordinates measured around the home point.
type GridOriginCalibrator struct {
	m       motion.Motion
	grid    grid
	cycles  CycleMeasurer
	passes  int
	metrics *metrics.Homing
}

// NewGridOriginCalibrator creates a calibrator measuring with cycles.
func NewGridOriginCalibrator(m motion.Motion, cfg Config, cycles CycleMeasurer, mt *metrics.Homing) *GridOriginCalibrator {
	return &GridOriginCalibrator{
		m:       m,
		grid:    newGrid(cfg),
		cycles:  cycles,
		passes:  cfg.CoreXY.OriginPasses,
		metrics: mt,
	}
}

// Calibrate probes every lattice point around origin and validates each one
// against the centroid. Unstable points are probed again on the next pass;
// a point off its expected cell rejects the calibration at once.
func (c *GridOriginCalibrator) Calibrate(ctx context.Context, origin motion.Steps, params store.MeasureParams, feedrate float64) (OriginResult, error) {
	var points [len(originSequence)]originPoint
	for i := range points {
		points[i].revalidate = true
	}

	var res OriginResult
	pending := len(points)
	for pass := 0; pass < c.passes; pass++ {
		res.Passes = pass + 1
		var cAcc, dAcc [2]float64
		for i, seq := range originSequence {
			p := &points[i]
			if p.revalidate {
				if _, err := c.grid.move(ctx, c.m, origin, seq, feedrate); err != nil {
					return res, abortOr(ctx, c.m, err)
				}
				if ctx.Err() != nil || c.m.IsDraining() {
					return res, errAborted
				}
				pc, ok, err := c.cycles.MeasurePhaseCycles(ctx, params)
				if err != nil {
					return res, err
				}
				if !ok {
					log.WithField("point", seq).Warn("home calibration point not measured")
					return res, nil
				}
				p.cycles = pc
			}
			for k := range cAcc {
				cAcc[k] += p.cycles.Cycles[k]
				dAcc[k] += p.cycles.Dist[k]
			}
		}
		n := float64(len(points))
		centroid := [2]float64{cAcc[0] / n, cAcc[1] / n}
		res.Origin = store.GridOrigin{
			Origin:   centroid,
			Distance: [2]float64{dAcc[0] / n, dAcc[1] / n},
		}
		c.metrics.SetGridOrigin(res.Origin.Origin, res.Origin.Distance)

		entry := log.WithFields(log.Fields{"pass": pass, "origin_a": centroid[0], "origin_b": centroid[1]})
		oInt := [2]int64{roundHalfAway(centroid[0]), roundHalfAway(centroid[1])}
		fresh := 0
		for i, seq := range originSequence {
			p := &points[i]
			cell := translate(p.cycles.Cycles, centroid)
			diff := [2]int64{cell[0] - seq[0] - oInt[0], cell[1] - seq[1] - oInt[1]}
			if diff[0] != 0 || diff[1] != 0 {
				res.Unstable = true
				c.metrics.ObserveOriginPoint(true)
				entry.WithFields(log.Fields{
					"point":  seq,
					"diff_a": diff[0],
					"diff_b": diff[1],
				}).Warn("home calibration point invalid")
				return res, nil
			}

			p.revalidate = unstable(p.cycles.Cycles, centroid)
			c.metrics.ObserveOriginPoint(p.revalidate)
			if p.revalidate {
				res.Unstable = true
				fresh++
				entry.WithFields(log.Fields{
					"point":   seq,
					"cycle_a": p.cycles.Cycles[0],
					"cycle_b": p.cycles.Cycles[1],
				}).Info("home calibration point unstable")
			}
		}

		if fresh > pending {
			entry.Warn("home calibration diverging")
			return res, nil
		}
		pending = fresh
		if pending == 0 {
			break
		}
	}
	if pending > 0 {
		log.WithField("unstable", pending).Warn("home calibration left unstable points")
		return res, nil
	}

	res.OK = true
	log.WithFields(log.Fields{
		"origin_a": res.Origin.Origin[0],
		"origin_b": res.Origin.Origin[1],
	}).Info("home grid origin")
	return res, nil
}
