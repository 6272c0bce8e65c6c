package phase

// Slot is one entry of a sample window. Written is false for slots that were
// never filled since the last erase, whatever their Phase holds.
type Slot struct {
	Phase   Phase
	Written bool
}

// Window is a fixed-capacity ring of phases recorded at accepted homing hits.
type Window struct {
	slots  []Slot
	cursor int
}

// NewWindow creates an empty window holding up to capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{slots: make([]Slot, capacity)}
}

// Restore rebuilds a window from persisted slots and cursor.
// A cursor outside the ring is reset to zero.
func Restore(slots []Slot, cursor int) *Window {
	w := NewWindow(len(slots))
	copy(w.slots, slots)
	if cursor >= 0 && cursor < len(w.slots) {
		w.cursor = cursor
	}
	return w
}

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.slots) }

// Cursor returns the index of the next slot to be written.
func (w *Window) Cursor() int { return w.cursor }

// Push records p at the cursor and advances it, overwriting the oldest sample once full.
func (w *Window) Push(p Phase) {
	w.slots[w.cursor] = Slot{Phase: Wrap(int(p)), Written: true}
	w.cursor = (w.cursor + 1) % len(w.slots)
}

// Erase marks every slot unwritten and rewinds the cursor.
func (w *Window) Erase() {
	for i := range w.slots {
		w.slots[i] = Slot{}
	}
	w.cursor = 0
}

// Len returns the number of written slots.
func (w *Window) Len() int {
	n := 0
	for _, s := range w.slots {
		if s.Written {
			n++
		}
	}
	return n
}

// Calibrated reports whether every slot holds a recorded sample.
func (w *Window) Calibrated() bool {
	return w.Len() == len(w.slots)
}

// Slots returns a copy of the raw slots in storage order.
func (w *Window) Slots() []Slot {
	out := make([]Slot, len(w.slots))
	copy(out, w.slots)
	return out
}

// Samples returns the written phases from oldest to newest.
func (w *Window) Samples() []Phase {
	out := make([]Phase, 0, len(w.slots))
	for i := 0; i < len(w.slots); i++ {
		s := w.slots[(w.cursor+i)%len(w.slots)]
		if s.Written {
			out = append(out, s.Phase)
		}
	}
	return out
}

// Clone returns an independent copy of w.
func (w *Window) Clone() *Window {
	return Restore(w.slots, w.cursor)
}

// Equal reports whether both windows hold the same slots and cursor.
func (w *Window) Equal(o *Window) bool {
	if o == nil || len(w.slots) != len(o.slots) || w.cursor != o.cursor {
		return false
	}
	for i := range w.slots {
		if w.slots[i] != o.slots[i] {
			return false
		}
	}
	return true
}

// Calibration returns the modal phase of the recorded samples and whether the
// window is fully calibrated.
func (w *Window) Calibration(tolerance int) (Phase, bool) {
	return Modal(w.Samples(), tolerance), w.Calibrated()
}

// Offset returns the calibration offset of observed against the window's modal
// phase. It is zero while the window is not calibrated.
func (w *Window) Offset(observed Phase, tolerance int) (int, bool) {
	modal, ok := w.Calibration(tolerance)
	if !ok {
		return 0, false
	}
	return Offset(modal, observed), true
}
