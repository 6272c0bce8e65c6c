// Package endstop provides stall-detection latches for sensorless homing.
package endstop

import (
	"errors"
	"sync"
)

// Common errors
var (
	ErrAlreadyArmed = errors.New("endstop: already armed")
	ErrNotArmed     = errors.New("endstop: not armed")
)

// State represents the current state of an endstop latch.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateTriggered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Endstop latches the first stall reported by a motor driver while armed.
// The latch survives Disarm and is cleared by the next Arm.
type Endstop struct {
	mu sync.Mutex

	name        string
	state       State
	sensitivity int
	triggered   bool
	triggerPos  int64

	onTrigger func(pos int64)
}

// New creates an idle endstop.
func New(name string) *Endstop {
	return &Endstop{name: name}
}

// Name returns the endstop name.
func (e *Endstop) Name() string {
	return e.name
}

// SetTriggerCallback sets the callback run when the latch fires.
func (e *Endstop) SetTriggerCallback(fn func(pos int64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrigger = fn
}

// Arm clears the latch and starts watching for a stall at sensitivity.
func (e *Endstop) Arm(sensitivity int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateArmed {
		return ErrAlreadyArmed
	}
	e.state = StateArmed
	e.sensitivity = sensitivity
	e.triggered = false
	e.triggerPos = 0
	return nil
}

// Disarm stops watching. A fired latch stays readable.
func (e *Endstop) Disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateArmed {
		e.state = StateIdle
	}
}

// Trigger reports a stall at motor position pos. It returns false when the
// endstop is not armed.
func (e *Endstop) Trigger(pos int64) bool {
	e.mu.Lock()
	if e.state != StateArmed {
		e.mu.Unlock()
		return false
	}
	e.state = StateTriggered
	e.triggered = true
	e.triggerPos = pos
	cb := e.onTrigger
	e.mu.Unlock()

	if cb != nil {
		cb(pos)
	}
	return true
}

// State returns the latch state.
func (e *Endstop) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsArmed reports whether the endstop is watching for a stall.
func (e *Endstop) IsArmed() bool {
	return e.State() == StateArmed
}

// Sensitivity returns the sensitivity of the last Arm.
func (e *Endstop) Sensitivity() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sensitivity
}

// Triggered reports whether the latch fired since the last Arm, and where.
func (e *Endstop) Triggered() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggerPos, e.triggered
}

// Group manages the latches of a motor pair.
type Group struct {
	mu       sync.Mutex
	endstops []*Endstop
}

// NewGroup creates an endstop group.
func NewGroup(endstops ...*Endstop) *Group {
	return &Group{endstops: endstops}
}

// DisarmAll disarms every endstop in the group.
func (g *Group) DisarmAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.endstops {
		e.Disarm()
	}
}
