// Motor phase arithmetic on the driver microstep ring
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package phase

// Modulus is the number of driver microsteps in one full electrical cycle.
// Drivers always report phase in 256-microstep units, four full steps per cycle.
const Modulus = 1024

// Half is the ring distance at which the shortest path changes sign.
const Half = Modulus / 2

// DefaultTolerance is the ring distance within which two phases count as the same mode.
const DefaultTolerance = 96

// Phase is a motor position inside one electrical cycle, in [0, Modulus).
type Phase int

// Wrap reduces any integer onto the ring.
func Wrap(v int) Phase {
	m := v % Modulus
	if m < 0 {
		m += Modulus
	}
	return Phase(m)
}

// Neg returns the phase mirrored around zero.
func (p Phase) Neg() Phase {
	return Wrap(-int(p))
}

// Add advances p by delta microsteps.
func (p Phase) Add(delta int) Phase {
	return Wrap(int(p) + delta)
}

// Offset returns the signed shortest ring distance from cal to observed,
// in [-Half, Half).
func Offset(cal, observed Phase) int {
	return int(Wrap(int(observed)-int(cal)+Half)) - Half
}

// PerMicrostep returns how far the phase advances for one planner microstep.
func PerMicrostep(microsteps int) int {
	if microsteps <= 0 {
		return 0
	}
	return 256 / microsteps
}

// CycleSteps returns the number of planner microsteps in one full phase cycle.
func CycleSteps(microsteps int) int {
	ppu := PerMicrostep(microsteps)
	if ppu == 0 {
		return 0
	}
	return Modulus / ppu
}

// Aligned reports whether p lies within half a planner microstep of a cycle boundary.
func Aligned(p Phase, microsteps int) bool {
	half := PerMicrostep(microsteps) / 2
	return int(p) <= half || int(p) >= Modulus-half
}

// Modal returns the sample with the most neighbours within tolerance on the ring.
// The first such sample wins ties. An empty input yields zero.
func Modal(samples []Phase, tolerance int) Phase {
	var best Phase
	bestCount := 0
	for _, s := range samples {
		count := 0
		for _, o := range samples {
			if abs(Offset(s, o)) <= tolerance {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			best = s
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
