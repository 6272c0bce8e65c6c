package tmc

import (
	"fmt"
	"math"
	"sync"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

// DefaultSenseResistor is the sense resistor fitted on the stepper boards, in ohms.
const DefaultSenseResistor = 0.110

var microstepMRES = map[int]uint32{
	256: 0,
	128: 1,
	64:  2,
	32:  3,
	16:  4,
	8:   5,
	4:   6,
	2:   7,
	1:   8,
}

// MRES returns the CHOPCONF mres value for a microstep setting.
func MRES(microsteps int) (uint32, error) {
	mres, ok := microstepMRES[microsteps]
	if !ok {
		return 0, fmt.Errorf("invalid microsteps %d", microsteps)
	}
	return mres, nil
}

// currentBits returns the IRUN value and vsense flag closest to mA.
func currentBits(mA int, rsense float64) (uint32, bool) {
	amps := float64(mA) / 1000
	cs := int(math.Round(amps*32*math.Sqrt2*rsense/0.180 - 1))
	if cs <= 31 {
		if cs < 0 {
			cs = 0
		}
		return uint32(cs), true
	}
	cs = int(math.Round(amps*32*math.Sqrt2*rsense/0.325 - 1))
	if cs > 31 {
		cs = 31
	}
	return uint32(cs), false
}

// bitsCurrent is the inverse of currentBits, in mA.
func bitsCurrent(cs uint32, vsense bool, rsense float64) int {
	vref := 0.325
	if vsense {
		vref = 0.180
	}
	return int(math.Round(float64(cs+1) * vref / (32 * math.Sqrt2 * rsense) * 1000))
}

// Driver models the register file of one TMC2209 stepper driver.
type Driver struct {
	mu sync.Mutex

	name       string
	rsense     float64
	microsteps int
	fields     *FieldHelper

	// requested run current; IRUN only approximates it
	runCurrent int
}

// NewDriver creates a driver for a motor running at microsteps.
func NewDriver(name string, microsteps int, rsense float64) (*Driver, error) {
	mres, err := MRES(microsteps)
	if err != nil {
		return nil, err
	}
	if rsense <= 0 {
		rsense = DefaultSenseResistor
	}
	d := &Driver{
		name:       name,
		rsense:     rsense,
		microsteps: microsteps,
		fields:     NewFieldHelper(Registers),
	}
	d.fields.Set("mres", mres)
	d.fields.Set("intpol", 1)
	d.fields.Set("toff", 3)
	return d, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return d.name
}

// Microsteps returns the configured microstep resolution.
func (d *Driver) Microsteps() int {
	return d.microsteps
}

// Phase returns the MSCNT microstep counter.
func (d *Driver) Phase() phase.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return phase.Phase(d.fields.Get("mscnt"))
}

// SetPhase loads the microstep counter, as after a driver reset.
func (d *Driver) SetPhase(p phase.Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields.Set("mscnt", uint32(phase.Wrap(int(p))))
}

// Step advances the microstep counter by n planner steps.
func (d *Driver) Step(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := phase.Phase(d.fields.Get("mscnt"))
	d.fields.Set("mscnt", uint32(cur.Add(n*phase.PerMicrostep(d.microsteps))))
}

// RunCurrent returns the requested run current in mA.
func (d *Driver) RunCurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runCurrent
}

// SetRunCurrent programs IRUN for mA and returns the previous request.
func (d *Driver) SetRunCurrent(mA int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.runCurrent
	cs, vsense := currentBits(mA, d.rsense)
	d.fields.Set("irun", cs)
	d.fields.Set("ihold", cs/2)
	if vsense {
		d.fields.Set("vsense", 1)
	} else {
		d.fields.Set("vsense", 0)
	}
	d.runCurrent = mA
	return prev
}

// ActualCurrent returns the current IRUN really delivers, in mA.
func (d *Driver) ActualCurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bitsCurrent(d.fields.Get("irun"), d.fields.Get("vsense") == 1, d.rsense)
}

// StallThreshold returns SGTHRS.
func (d *Driver) StallThreshold() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.fields.Get("sgthrs"))
}

// SetStallThreshold programs SGTHRS. Higher values stall more easily.
func (d *Driver) SetStallThreshold(v int) error {
	if v < 0 || v > 255 {
		return fmt.Errorf("%s: stall threshold %d out of range [0, 255]", d.name, v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields.Set("sgthrs", uint32(v))
	return nil
}

// Dump returns a formatted line per register.
func (d *Driver) Dump() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []string{}
	for _, reg := range []string{"CHOPCONF", "IHOLD_IRUN", "SGTHRS", "MSCNT"} {
		out = append(out, d.fields.PrettyFormat(reg))
	}
	return out
}
