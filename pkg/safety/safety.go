// Package safety holds the machine halt state. Hardware invariant violations
// detected during homing end up here: motors are disabled, listeners are told
// why, and every later homing request is refused until Reset.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ShutdownState represents the machine's halt state.
type ShutdownState int

const (
	StateRunning ShutdownState = iota
	StateShuttingDown
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the machine was halted.
type ShutdownReason string

const (
	ReasonNone              ShutdownReason = ""
	ReasonHardwareInvariant ShutdownReason = "hardware_invariant"
)

// ErrShutdown is returned by CheckOperational once the machine is halted.
var ErrShutdown = errors.New("safety: machine is shut down")

// MotorDisabler can disable motors.
type MotorDisabler interface {
	DisableMotors() error
}

// Manager manages the halt state.
type Manager struct {
	mu sync.RWMutex

	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time

	motors     []MotorDisabler
	onShutdown []func(reason ShutdownReason, msg string)
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{state: StateRunning}
}

// RegisterMotor adds motors to disable on halt.
func (m *Manager) RegisterMotor(motor MotorDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motors = append(m.motors, motor)
}

// OnShutdown registers a callback run after the machine halted.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// GetState returns the current state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsShutdown reports whether the machine is halted.
func (m *Manager) IsShutdown() bool {
	return m.GetState() == StateError
}

// CheckOperational returns ErrShutdown with the halt message once halted.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateRunning {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
}

// HardwareFault halts the machine because the motion system broke one of its
// own guarantees.
func (m *Manager) HardwareFault(err error) {
	m.invokeShutdown(ReasonHardwareInvariant, err.Error())
}

func (m *Manager) invokeShutdown(reason ShutdownReason, msg string) {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = time.Now()

	motors := make([]MotorDisabler, len(m.motors))
	copy(motors, m.motors)
	m.mu.Unlock()

	log.WithFields(log.Fields{"reason": reason}).Error("halting machine: ", msg)
	for _, motor := range motors {
		if err := motor.DisableMotors(); err != nil {
			log.WithError(err).Warn("disable motors")
		}
	}

	m.mu.Lock()
	m.state = StateError
	callbacks := make([]func(ShutdownReason, string), len(m.onShutdown))
	copy(callbacks, m.onShutdown)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason, msg)
	}
}

// Reset clears a halt. It fails while a shutdown is still in progress.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateShuttingDown {
		return errors.New("safety: cannot reset during shutdown")
	}
	m.state = StateRunning
	m.shutdownReason = ReasonNone
	m.shutdownMsg = ""
	m.shutdownTime = time.Time{}
	return nil
}

// Status is a snapshot for reporting.
type Status struct {
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	Message      string    `json:"message,omitempty"`
	ShutdownTime time.Time `json:"shutdown_time,omitempty"`
}

// GetStatus returns a snapshot of the halt state.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:        m.state.String(),
		Reason:       string(m.shutdownReason),
		Message:      m.shutdownMsg,
		ShutdownTime: m.shutdownTime,
	}
}
