// Persisted calibration state of the precise homing engine
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package store keeps the homing calibration state across power cycles:
// per-axis phase sample windows, bump divisors and stall sensitivities, and
// the CoreXY grid origin and measurement parameters. Every field has an
// explicit unwritten state distinct from any value the engine computes.
package store

import (
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

// GridOrigin is the fractional deviation of the true CoreXY home from the
// ideal lattice point, per motor, with the mean measured distance kept for
// diagnostics.
type GridOrigin struct {
	Origin   [2]float64
	Distance [2]float64
}

// MeasureParams is the stall configuration selected for CoreXY grid
// measurements.
type MeasureParams struct {
	Sensitivity int
	Feedrate    float64
	Current     int
	Score       float64
}

// Store is the typed key/value collaborator of the homing engine. Getters
// report whether the field was ever written. Setters only change the
// in-memory view; Commit makes them durable.
type Store interface {
	Window(axis motion.Axis, capacity int) *phase.Window
	SetWindow(axis motion.Axis, w *phase.Window)

	BumpDivisor(axis motion.Axis) (float64, bool)
	SetBumpDivisor(axis motion.Axis, v float64)

	Sensitivity(axis motion.Axis) (int, bool)
	SetSensitivity(axis motion.Axis, v int)
	ClearSensitivity(axis motion.Axis)

	GridOrigin() (GridOrigin, bool)
	SetGridOrigin(o GridOrigin)
	ClearGridOrigin()

	MeasureParams() (MeasureParams, bool)
	SetMeasureParams(p MeasureParams)

	Commit() error
}
