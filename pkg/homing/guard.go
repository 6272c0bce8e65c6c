package homing

import (
	"sync/atomic"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/inputshaper"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
)

// measurementGuard isolates one motor for grid measurements. It drops the
// other motor to its holding current and turns input shaping off on both
// logical axes; Release puts the captured settings back. Guards never nest.
type measurementGuard struct {
	m      motion.Motion
	active *atomic.Bool

	other        motion.Motor
	otherCurrent int
	setCurrent   bool
	shaping      [2]*inputshaper.AxisConfig
}

func acquireMeasurement(m motion.Motion, active *atomic.Bool, other motion.Motor, holdingCurrent int) (*measurementGuard, error) {
	if !active.CompareAndSwap(false, true) {
		return nil, errors.HardwareInvariant("measurement", "nested measurement setup")
	}
	g := &measurementGuard{m: m, active: active, other: other}
	if holdingCurrent > 0 {
		g.otherCurrent = m.SetMotorCurrent(other, holdingCurrent)
		g.setCurrent = true
	}
	for _, axis := range motion.Axes {
		g.shaping[axis] = m.SetMotionShaping(axis, nil)
	}
	return g, nil
}

// Release restores the borrowed settings. It is safe to call twice.
func (g *measurementGuard) Release() {
	if g == nil || g.active == nil {
		return
	}
	if g.setCurrent {
		g.m.SetMotorCurrent(g.other, g.otherCurrent)
	}
	for _, axis := range motion.Axes {
		g.m.SetMotionShaping(axis, g.shaping[axis])
	}
	g.active.Store(false)
	g.active = nil
}
