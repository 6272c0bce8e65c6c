// Unified error handling for the precise homing engine
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Persisted calibration store
	ErrStore ErrorCode = "STORE"

	// Homing outcomes that reach callers as errors
	ErrHardwareInvariant ErrorCode = "HARDWARE_INVARIANT"

	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type of the engine
type HostError struct {
	Code    ErrorCode
	Message string

	// Section is the config section or the component that failed
	Section string
	Option  string

	Err     error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s", e.Code)
	if e.Section != "" {
		fmt.Fprintf(&b, ":%s", e.Section)
	}
	if e.Option != "" {
		fmt.Fprintf(&b, ":%s", e.Option)
	}
	fmt.Fprintf(&b, "] %s", e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// StoreError wraps a failure of the persisted calibration store
func StoreError(op string, err error) *HostError {
	return Wrap(err, ErrStore, "calibration store "+op+" failed")
}

// Homing errors

// HardwareInvariant reports that the motion system did not do what it was told:
// a motor not back where it was commanded, or phase misaligned after an exact
// move. It is never retried; the caller halts the machine.
func HardwareInvariant(component, reason string) *HostError {
	return New(ErrHardwareInvariant, reason).SetSection(component)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RecoverPanic converts a recovered panic value into an error
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case *HostError:
		return x
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in the chain matches the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}

// IsFatal reports whether err must halt the machine
func IsFatal(err error) bool {
	return Is(err, ErrHardwareInvariant)
}
