// Input shaper settings borrowed and restored around precise measurements
//
// Copyright (C) 2019-2020  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2020-2025  Dmitry Butyugin <dmbutyugin@google.com>
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package inputshaper

import (
	"fmt"
	"math"
	"strings"
)

const DefaultDampingRatio = 0.1

// ShaperType names an input shaper algorithm.
type ShaperType string

const (
	ShaperZV  ShaperType = "zv"
	ShaperMZV ShaperType = "mzv"
	ShaperEI  ShaperType = "ei"
)

type shaperDef struct {
	init            func(freq, damping float64) (A, T []float64)
	minFreq         float64
	maxDampingRatio float64
}

var shapers = map[ShaperType]shaperDef{
	ShaperZV:  {init: zvShaper, minFreq: 21.0, maxDampingRatio: 0.99},
	ShaperMZV: {init: mzvShaper, minFreq: 23.0, maxDampingRatio: 0.99},
	ShaperEI:  {init: eiShaper, minFreq: 29.0, maxDampingRatio: 0.4},
}

// ParseType resolves a configured shaper name.
func ParseType(name string) (ShaperType, error) {
	t := ShaperType(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := shapers[t]; !ok {
		return "", fmt.Errorf("unsupported shaper type: %s", name)
	}
	return t, nil
}

// AxisConfig is the shaper setting of one logical axis.
type AxisConfig struct {
	Type         ShaperType
	Frequency    float64
	DampingRatio float64
}

// Validate checks the config against the limits of its shaper type.
func (c AxisConfig) Validate() error {
	def, ok := shapers[c.Type]
	if !ok {
		return fmt.Errorf("unsupported shaper type: %s", c.Type)
	}
	if c.Frequency < def.minFreq {
		return fmt.Errorf("shaper %s frequency %.1f below minimum %.1f", c.Type, c.Frequency, def.minFreq)
	}
	if c.DampingRatio <= 0 || c.DampingRatio > def.maxDampingRatio {
		return fmt.Errorf("damping ratio %.3f out of range for shaper %s", c.DampingRatio, c.Type)
	}
	return nil
}

// Coefficients returns the impulse amplitudes and times of the shaper.
func (c AxisConfig) Coefficients() (A, T []float64) {
	def, ok := shapers[c.Type]
	if !ok || c.Frequency <= 0 {
		return nil, nil
	}
	return def.init(c.Frequency, c.DampingRatio)
}

// Duration returns the time span of the shaper impulses in seconds.
func (c AxisConfig) Duration() float64 {
	_, T := c.Coefficients()
	if len(T) == 0 {
		return 0
	}
	return T[len(T)-1]
}

// Clone returns a copy of c, or nil when c is nil.
func (c *AxisConfig) Clone() *AxisConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (c *AxisConfig) String() string {
	if c == nil {
		return "none"
	}
	return fmt.Sprintf("%s@%.1fHz/%.3f", c.Type, c.Frequency, c.DampingRatio)
}

func zvShaper(freq, damping float64) (A, T []float64) {
	df := math.Sqrt(1.0 - damping*damping)
	K := math.Exp(-damping * math.Pi / df)
	td := 1.0 / (freq * df)
	return []float64{1.0, K}, []float64{0.0, 0.5 * td}
}

func mzvShaper(freq, damping float64) (A, T []float64) {
	df := math.Sqrt(1.0 - damping*damping)
	K := math.Exp(-0.75 * damping * math.Pi / df)
	td := 1.0 / (freq * df)

	a1 := 1.0 - 1.0/math.Sqrt(2.0)
	a2 := (math.Sqrt(2.0) - 1.0) * K
	a3 := a1 * K * K
	return []float64{a1, a2, a3}, []float64{0.0, 0.375 * td, 0.75 * td}
}

func eiShaper(freq, damping float64) (A, T []float64) {
	const vTol = 1.0 / 20.0
	df := math.Sqrt(1.0 - damping*damping)
	td := 1.0 / (freq * df)
	dr := damping

	a1 := (0.24968 + 0.24961*vTol) + ((0.80008+1.23328*vTol)+
		(0.49599+3.17316*vTol)*dr)*dr
	a3 := (0.25149 + 0.21474*vTol) + ((-0.83249+1.41498*vTol)+
		(0.85181-4.90094*vTol)*dr)*dr
	a2 := 1.0 - a1 - a3

	t2 := 0.4999 + (((0.46159+8.57843*vTol)*vTol)+
		(((4.26169-108.644*vTol)*vTol)+
			((1.75601+336.989*vTol)*vTol)*dr)*dr)*dr
	return []float64{a1, a2, a3}, []float64{0.0, t2 * td, td}
}
