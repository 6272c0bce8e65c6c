package store

import (
	"sync"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

type axisState struct {
	window      *phase.Window
	divisor     *float64
	sensitivity *int
}

// Memory is a Store that lives only in memory, for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	axes    [2]axisState
	origin  *GridOrigin
	measure *MeasureParams

	// Commits counts successful Commit calls.
	Commits int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

// Window returns a copy of the sample window of axis.
func (m *Memory) Window(axis motion.Axis, capacity int) *phase.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.axes[axis].window
	if w == nil || w.Cap() != capacity {
		return phase.NewWindow(capacity)
	}
	return w.Clone()
}

// SetWindow stores a copy of w.
func (m *Memory) SetWindow(axis motion.Axis, w *phase.Window) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.axes[axis].window = w.Clone()
}

// BumpDivisor returns the stored divisor of axis.
func (m *Memory) BumpDivisor(axis motion.Axis) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.axes[axis].divisor; d != nil {
		return *d, true
	}
	return 0, false
}

// SetBumpDivisor stores the divisor of axis.
func (m *Memory) SetBumpDivisor(axis motion.Axis, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.axes[axis].divisor = &v
}

// Sensitivity returns the stored stall sensitivity of axis.
func (m *Memory) Sensitivity(axis motion.Axis) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.axes[axis].sensitivity; s != nil {
		return *s, true
	}
	return 0, false
}

// SetSensitivity stores the stall sensitivity of axis.
func (m *Memory) SetSensitivity(axis motion.Axis, v int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.axes[axis].sensitivity = &v
}

// ClearSensitivity forgets the stall sensitivity of axis.
func (m *Memory) ClearSensitivity(axis motion.Axis) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.axes[axis].sensitivity = nil
}

// GridOrigin returns the stored grid origin.
func (m *Memory) GridOrigin() (GridOrigin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.origin == nil {
		return GridOrigin{}, false
	}
	return *m.origin, true
}

// SetGridOrigin stores the grid origin.
func (m *Memory) SetGridOrigin(o GridOrigin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origin = &o
}

// ClearGridOrigin marks the grid origin uninitialized.
func (m *Memory) ClearGridOrigin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origin = nil
}

// MeasureParams returns the stored measurement parameters.
func (m *Memory) MeasureParams() (MeasureParams, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.measure == nil {
		return MeasureParams{}, false
	}
	return *m.measure, true
}

// SetMeasureParams stores the measurement parameters.
func (m *Memory) SetMeasureParams(p MeasureParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.measure = &p
}

// Commit counts the call; Memory has nothing to flush.
func (m *Memory) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commits++
	return nil
}

// Snapshot returns a deep copy of the store for comparisons in tests.
func (m *Memory) Snapshot() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Memory{Commits: m.Commits}
	for i, a := range m.axes {
		if a.window != nil {
			c.axes[i].window = a.window.Clone()
		}
		if a.divisor != nil {
			v := *a.divisor
			c.axes[i].divisor = &v
		}
		if a.sensitivity != nil {
			v := *a.sensitivity
			c.axes[i].sensitivity = &v
		}
	}
	if m.origin != nil {
		o := *m.origin
		c.origin = &o
	}
	if m.measure != nil {
		p := *m.measure
		c.measure = &p
	}
	return c
}

// Equal reports whether both stores hold the same persisted values.
func (m *Memory) Equal(o *Memory) bool {
	a, b := m.Snapshot(), o.Snapshot()
	for i := range a.axes {
		x, y := a.axes[i], b.axes[i]
		if (x.window == nil) != (y.window == nil) ||
			(x.window != nil && !x.window.Equal(y.window)) {
			return false
		}
		if !equalPtr(x.divisor, y.divisor) || !equalPtr(x.sensitivity, y.sensitivity) {
			return false
		}
	}
	return equalPtr(a.origin, b.origin) && equalPtr(a.measure, b.measure)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
