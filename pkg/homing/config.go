// Precise homing configuration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package homing

import (
	"fmt"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/config"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

// Kinematics names accepted in [printer].
const (
	KinematicsCartesian = "cartesian"
	KinematicsCoreXY    = "corexy"
)

// Range is an inclusive integer range.
type Range struct {
	Min, Max int
}

// Middle returns the midpoint of r, rounding down.
func (r Range) Middle() int {
	return (r.Min + r.Max) / 2
}

// Contains reports whether v lies in r.
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Len returns the number of values in r.
func (r Range) Len() int {
	return r.Max - r.Min + 1
}

// AxisConfig is the homing configuration of one logical axis.
type AxisConfig struct {
	StepsPerMM      float64
	Microsteps      int
	HomeDir         int // -1 or 1
	PositionEndstop float64
	HomingSpeed     float64 // mm/s
	HomeCurrent     int     // mA
	// StallSensitivity is used when no tuned value is stored.
	StallSensitivity int
	BumpDistance     float64 // mm backed off between the fast and the slow probe
	Travel           float64 // longest approach to the endstop, mm
	HomeGap          float64 // mm between the stall point and the calibrated home

	// Plausibility band of the slow probe against the fast one, in mm.
	MinDiff, MaxDiff float64

	BumpDivisor    float64
	BumpDivisorMin float64
	BumpDivisorMax float64
}

// PhasePerMM returns how far the motor phase advances per mm of travel.
func (c AxisConfig) PhasePerMM() float64 {
	return c.StepsPerMM * float64(phase.PerMicrostep(c.Microsteps))
}

// CartesianConfig tunes the single-axis refiner.
type CartesianConfig struct {
	Tries              int
	WindowSize         int
	PerfectOffset      int
	AcceptableOffset   int
	ModalTolerance     int
	DivisorStep        float64
	Autotune           bool
	SensitivityRange   Range
	ProbesPerCandidate int
	// A sensitivity is dropped once avg*n of |probe offset| exceeds this, in mm.
	BadSensitivityMM float64
}

// CoreXYConfig tunes the grid calibration.
type CoreXYConfig struct {
	OriginOffset    float64 // mm from the home corner to the probing point
	BumpRetries     int
	BumpMaxErr      int64 // steps
	HoldingCurrent  int   // mA on the motor that is not measured
	ValidationPoint [2]int64
	OriginPasses    int
	HomeYBeforeX    bool

	// Static measurement parameters, used when no range is configured.
	MeasureFeedrate    float64
	MeasureCurrent     int
	MeasureSensitivity int

	// When set, measurements require a calibrated MeasureParams record.
	MeasureSensitivityRange *Range
}

// Config is the complete precise homing configuration.
type Config struct {
	Kinematics string
	Axes       [2]AxisConfig
	Cartesian  CartesianConfig
	CoreXY     CoreXYConfig
}

// DefaultAxisConfig returns the axis defaults of the stock machine.
func DefaultAxisConfig() AxisConfig {
	return AxisConfig{
		StepsPerMM:       100,
		Microsteps:       16,
		HomeDir:          -1,
		HomingSpeed:      50,
		HomeCurrent:      650,
		StallSensitivity: 3,
		BumpDistance:     2,
		Travel:           300,
		MinDiff:          -0.2,
		MaxDiff:          0.2,
		BumpDivisor:      1,
		BumpDivisorMin:   1,
		BumpDivisorMax:   3,
	}
}

// DefaultConfig returns the defaults for kinematics.
func DefaultConfig(kinematics string) Config {
	return Config{
		Kinematics: kinematics,
		Axes:       [2]AxisConfig{DefaultAxisConfig(), DefaultAxisConfig()},
		Cartesian: CartesianConfig{
			Tries:              9,
			WindowSize:         9,
			PerfectOffset:      96,
			AcceptableOffset:   288,
			ModalTolerance:     phase.DefaultTolerance,
			DivisorStep:        1.03,
			ProbesPerCandidate: 4,
			BadSensitivityMM:   0.6,
		},
		CoreXY: CoreXYConfig{
			OriginOffset:       5,
			BumpRetries:        6,
			BumpMaxErr:         12,
			HoldingCurrent:     900,
			ValidationPoint:    [2]int64{-1, 3},
			OriginPasses:       4,
			MeasureFeedrate:    50,
			MeasureCurrent:     650,
			MeasureSensitivity: 3,
		},
	}
}

// Validate checks the cross-field constraints that the INI getters cannot.
func (c *Config) Validate() error {
	if c.Kinematics != KinematicsCartesian && c.Kinematics != KinematicsCoreXY {
		return errors.ConfigValidationError("printer", "kinematics",
			fmt.Sprintf("unsupported kinematics %q", c.Kinematics))
	}
	for i, a := range c.Axes {
		sec := "stepper_" + motion.Axis(i).String()
		if a.HomeDir != -1 && a.HomeDir != 1 {
			return errors.ConfigValidationError(sec, "home_dir", "must be -1 or 1")
		}
		if phase.PerMicrostep(a.Microsteps) == 0 || 256%a.Microsteps != 0 {
			return errors.ConfigValidationError(sec, "microsteps", fmt.Sprintf("unsupported value %d", a.Microsteps))
		}
		if a.MinDiff >= a.MaxDiff {
			return errors.ConfigValidationError(sec, "home_min_diff", "must be below home_max_diff")
		}
		if a.BumpDivisorMin > a.BumpDivisorMax ||
			a.BumpDivisor < a.BumpDivisorMin || a.BumpDivisor > a.BumpDivisorMax {
			return errors.ConfigValidationError(sec, "bump_divisor", "must lie within [bump_divisor_min, bump_divisor_max]")
		}
	}
	if c.Kinematics == KinematicsCoreXY {
		if c.Axes[0].StepsPerMM != c.Axes[1].StepsPerMM || c.Axes[0].Microsteps != c.Axes[1].Microsteps {
			return errors.ConfigValidationError("stepper_y", "steps_per_mm",
				"corexy motors must share steps_per_mm and microsteps")
		}
		if r := c.CoreXY.MeasureSensitivityRange; r != nil && r.Min >= r.Max {
			return errors.ConfigValidationError("precise_homing_corexy", "measure_sensitivity_max",
				"must be above measure_sensitivity_min")
		}
	}
	if c.Cartesian.Autotune && c.Cartesian.SensitivityRange.Min > c.Cartesian.SensitivityRange.Max {
		return errors.ConfigValidationError("precise_homing", "sensitivity_max", "must not be below sensitivity_min")
	}
	return nil
}

// ConfigFromINI reads [printer], [stepper_x], [stepper_y], [precise_homing]
// and [precise_homing_corexy]. Missing options keep their defaults.
func ConfigFromINI(cfg *config.Config) (Config, error) {
	printer, err := cfg.GetSection("printer")
	if err != nil {
		return Config{}, err
	}
	kin, err := printer.GetChoice("kinematics", []string{KinematicsCartesian, KinematicsCoreXY})
	if err != nil {
		return Config{}, err
	}
	c := DefaultConfig(kin)

	for i := range c.Axes {
		name := "stepper_" + motion.Axis(i).String()
		sec, err := cfg.GetSection(name)
		if err != nil {
			return Config{}, err
		}
		if err := readAxis(sec, &c.Axes[i]); err != nil {
			return Config{}, err
		}
	}

	if sec := cfg.GetSectionOptional("precise_homing"); sec != nil {
		if err := readCartesian(sec, &c.Cartesian); err != nil {
			return Config{}, err
		}
	}

	// measurement defaults follow the measured motor
	measured := c.Axes[motion.Axis(MeasuredMotor(c.Axes))]
	c.CoreXY.MeasureFeedrate = measured.HomingSpeed
	c.CoreXY.MeasureCurrent = measured.HomeCurrent
	c.CoreXY.MeasureSensitivity = measured.StallSensitivity
	if sec := cfg.GetSectionOptional("precise_homing_corexy"); sec != nil {
		if err := readCoreXY(sec, &c.CoreXY); err != nil {
			return Config{}, err
		}
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func readAxis(sec *config.Section, a *AxisConfig) error {
	var err error
	if a.StepsPerMM, err = sec.GetFloatWithBounds("steps_per_mm", config.FloatBounds{Above: config.Ptr(0.)}, a.StepsPerMM); err != nil {
		return err
	}
	if a.Microsteps, err = sec.GetIntWithBounds("microsteps", config.IntBounds{MinVal: config.Ptr(1), MaxVal: config.Ptr(256)}, a.Microsteps); err != nil {
		return err
	}
	if a.HomeDir, err = sec.GetIntWithBounds("home_dir", config.IntBounds{MinVal: config.Ptr(-1), MaxVal: config.Ptr(1)}, a.HomeDir); err != nil {
		return err
	}
	if a.PositionEndstop, err = sec.GetFloat("position_endstop", a.PositionEndstop); err != nil {
		return err
	}
	if a.HomingSpeed, err = sec.GetFloatWithBounds("homing_speed", config.FloatBounds{Above: config.Ptr(0.)}, a.HomingSpeed); err != nil {
		return err
	}
	if a.HomeCurrent, err = sec.GetIntWithBounds("home_current", config.IntBounds{MinVal: config.Ptr(0)}, a.HomeCurrent); err != nil {
		return err
	}
	if a.StallSensitivity, err = sec.GetInt("stall_sensitivity", a.StallSensitivity); err != nil {
		return err
	}
	if a.BumpDistance, err = sec.GetFloatWithBounds("home_bump_mm", config.FloatBounds{Above: config.Ptr(0.)}, a.BumpDistance); err != nil {
		return err
	}
	if a.Travel, err = sec.GetFloatWithBounds("homing_travel", config.FloatBounds{Above: config.Ptr(0.)}, a.Travel); err != nil {
		return err
	}
	if a.Travel <= a.BumpDistance {
		return errors.ConfigValidationError(sec.GetName(), "homing_travel", "must exceed home_bump_mm")
	}
	if a.HomeGap, err = sec.GetFloat("home_gap", a.HomeGap); err != nil {
		return err
	}
	if a.MinDiff, err = sec.GetFloat("home_min_diff", a.MinDiff); err != nil {
		return err
	}
	if a.MaxDiff, err = sec.GetFloat("home_max_diff", a.MaxDiff); err != nil {
		return err
	}
	positive := config.FloatBounds{Above: config.Ptr(0.)}
	if a.BumpDivisor, err = sec.GetFloatWithBounds("bump_divisor", positive, a.BumpDivisor); err != nil {
		return err
	}
	if a.BumpDivisorMin, err = sec.GetFloatWithBounds("bump_divisor_min", positive, a.BumpDivisorMin); err != nil {
		return err
	}
	if a.BumpDivisorMax, err = sec.GetFloatWithBounds("bump_divisor_max", positive, a.BumpDivisorMax); err != nil {
		return err
	}
	return nil
}

func readCartesian(sec *config.Section, c *CartesianConfig) error {
	var err error
	if c.Tries, err = sec.GetIntWithBounds("tries", config.IntBounds{MinVal: config.Ptr(1)}, c.Tries); err != nil {
		return err
	}
	if c.WindowSize, err = sec.GetIntWithBounds("window_size", config.IntBounds{MinVal: config.Ptr(1), MaxVal: config.Ptr(32)}, c.WindowSize); err != nil {
		return err
	}
	if c.ProbesPerCandidate, err = sec.GetIntWithBounds("probes_per_sensitivity", config.IntBounds{MinVal: config.Ptr(1)}, c.ProbesPerCandidate); err != nil {
		return err
	}
	if c.BadSensitivityMM, err = sec.GetFloatWithBounds("bad_sensitivity_mm", config.FloatBounds{Above: config.Ptr(0.)}, c.BadSensitivityMM); err != nil {
		return err
	}
	if c.DivisorStep, err = sec.GetFloatWithBounds("bump_divisor_step", config.FloatBounds{Above: config.Ptr(1.)}, c.DivisorStep); err != nil {
		return err
	}
	if sec.HasOption("sensitivity_min") || sec.HasOption("sensitivity_max") {
		if c.SensitivityRange.Min, err = sec.GetInt("sensitivity_min"); err != nil {
			return err
		}
		if c.SensitivityRange.Max, err = sec.GetInt("sensitivity_max"); err != nil {
			return err
		}
		c.Autotune = true
	}
	return nil
}

func readCoreXY(sec *config.Section, c *CoreXYConfig) error {
	var err error
	if c.OriginOffset, err = sec.GetFloatWithBounds("origin_offset", config.FloatBounds{Above: config.Ptr(0.)}, c.OriginOffset); err != nil {
		return err
	}
	if c.BumpRetries, err = sec.GetIntWithBounds("bump_retries", config.IntBounds{MinVal: config.Ptr(2)}, c.BumpRetries); err != nil {
		return err
	}
	maxErr, err := sec.GetIntWithBounds("bump_max_err", config.IntBounds{MinVal: config.Ptr(1)}, int(c.BumpMaxErr))
	if err != nil {
		return err
	}
	c.BumpMaxErr = int64(maxErr)
	if c.HoldingCurrent, err = sec.GetIntWithBounds("holding_current", config.IntBounds{MinVal: config.Ptr(0)}, c.HoldingCurrent); err != nil {
		return err
	}
	if c.OriginPasses, err = sec.GetIntWithBounds("origin_passes", config.IntBounds{MinVal: config.Ptr(1)}, c.OriginPasses); err != nil {
		return err
	}
	if c.HomeYBeforeX, err = sec.GetBool("home_y_before_x", c.HomeYBeforeX); err != nil {
		return err
	}
	if c.MeasureFeedrate, err = sec.GetFloatWithBounds("measure_feedrate", config.FloatBounds{Above: config.Ptr(0.)}, c.MeasureFeedrate); err != nil {
		return err
	}
	if c.MeasureCurrent, err = sec.GetIntWithBounds("measure_current", config.IntBounds{MinVal: config.Ptr(0)}, c.MeasureCurrent); err != nil {
		return err
	}
	if c.MeasureSensitivity, err = sec.GetInt("measure_sensitivity", c.MeasureSensitivity); err != nil {
		return err
	}
	if sec.HasOption("measure_sensitivity_min") || sec.HasOption("measure_sensitivity_max") {
		var r Range
		if r.Min, err = sec.GetInt("measure_sensitivity_min"); err != nil {
			return err
		}
		if r.Max, err = sec.GetInt("measure_sensitivity_max"); err != nil {
			return err
		}
		c.MeasureSensitivityRange = &r
	}
	return nil
}
