package homing

import (
	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// BumpController owns the bump feedrate divisor of one axis for the
// duration of a homing call.
type BumpController struct {
	axis     motion.Axis
	min, max float64
	step     float64
	value    float64
	adjusted bool
}

// NewBumpController loads the stored divisor of axis, falling back to the
// configured default when it is missing or out of range.
func NewBumpController(axis motion.Axis, cfg AxisConfig, step float64, s store.Store) *BumpController {
	b := &BumpController{
		axis:  axis,
		min:   cfg.BumpDivisorMin,
		max:   cfg.BumpDivisorMax,
		step:  step,
		value: cfg.BumpDivisor,
	}
	if v, ok := s.BumpDivisor(axis); ok && v >= b.min && v <= b.max {
		b.value = v
	}
	return b
}

// Value returns the current divisor.
func (b *BumpController) Value() float64 {
	return b.value
}

// Adjusted reports whether Increase was called.
func (b *BumpController) Adjusted() bool {
	return b.adjusted
}

// Increase slows the bump down by one step, clamped to the maximum.
func (b *BumpController) Increase() {
	b.value *= b.step
	if b.value > b.max {
		b.value = b.max
	}
	if b.value < b.min {
		b.value = b.min
	}
	b.adjusted = true
	log.WithFields(log.Fields{"axis": b.axis, "divisor": b.value}).Debug("bump divisor increased")
}

// Persist stores the divisor if it changed during this call.
func (b *BumpController) Persist(s store.Store) {
	if b.adjusted {
		s.SetBumpDivisor(b.axis, b.value)
	}
}
