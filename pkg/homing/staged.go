package homing

import (
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

// staged buffers every write of one homing call on top of the persisted
// store. Nothing reaches the base store until Commit, so an aborted call
// leaves it untouched.
type staged struct {
	base store.Store

	windows     map[motion.Axis]*phase.Window
	divisors    map[motion.Axis]float64
	sensitivity map[motion.Axis]*int // nil value clears
	origin      *store.GridOrigin
	clearOrigin bool
	measure     *store.MeasureParams
}

func newStaged(base store.Store) *staged {
	return &staged{
		base:        base,
		windows:     make(map[motion.Axis]*phase.Window),
		divisors:    make(map[motion.Axis]float64),
		sensitivity: make(map[motion.Axis]*int),
	}
}

var _ store.Store = (*staged)(nil)

func (s *staged) Window(axis motion.Axis, capacity int) *phase.Window {
	if w, ok := s.windows[axis]; ok && w.Cap() == capacity {
		return w.Clone()
	}
	return s.base.Window(axis, capacity)
}

func (s *staged) SetWindow(axis motion.Axis, w *phase.Window) {
	s.windows[axis] = w.Clone()
}

func (s *staged) BumpDivisor(axis motion.Axis) (float64, bool) {
	if v, ok := s.divisors[axis]; ok {
		return v, true
	}
	return s.base.BumpDivisor(axis)
}

func (s *staged) SetBumpDivisor(axis motion.Axis, v float64) {
	s.divisors[axis] = v
}

func (s *staged) Sensitivity(axis motion.Axis) (int, bool) {
	if v, ok := s.sensitivity[axis]; ok {
		if v == nil {
			return 0, false
		}
		return *v, true
	}
	return s.base.Sensitivity(axis)
}

func (s *staged) SetSensitivity(axis motion.Axis, v int) {
	s.sensitivity[axis] = &v
}

func (s *staged) ClearSensitivity(axis motion.Axis) {
	s.sensitivity[axis] = nil
}

func (s *staged) GridOrigin() (store.GridOrigin, bool) {
	if s.origin != nil {
		return *s.origin, true
	}
	if s.clearOrigin {
		return store.GridOrigin{}, false
	}
	return s.base.GridOrigin()
}

func (s *staged) SetGridOrigin(o store.GridOrigin) {
	s.origin = &o
	s.clearOrigin = false
}

func (s *staged) ClearGridOrigin() {
	s.origin = nil
	s.clearOrigin = true
}

func (s *staged) MeasureParams() (store.MeasureParams, bool) {
	if s.measure != nil {
		return *s.measure, true
	}
	return s.base.MeasureParams()
}

func (s *staged) SetMeasureParams(p store.MeasureParams) {
	s.measure = &p
}

func (s *staged) empty() bool {
	return len(s.windows) == 0 && len(s.divisors) == 0 && len(s.sensitivity) == 0 &&
		s.origin == nil && !s.clearOrigin && s.measure == nil
}

// Commit applies the buffered writes to the base store and flushes it.
func (s *staged) Commit() error {
	if s.empty() {
		return nil
	}
	for axis, w := range s.windows {
		s.base.SetWindow(axis, w)
	}
	for axis, v := range s.divisors {
		s.base.SetBumpDivisor(axis, v)
	}
	for axis, v := range s.sensitivity {
		if v == nil {
			s.base.ClearSensitivity(axis)
		} else {
			s.base.SetSensitivity(axis, *v)
		}
	}
	if s.clearOrigin {
		s.base.ClearGridOrigin()
	}
	if s.origin != nil {
		s.base.SetGridOrigin(*s.origin)
	}
	if s.measure != nil {
		s.base.SetMeasureParams(*s.measure)
	}
	return s.base.Commit()
}
