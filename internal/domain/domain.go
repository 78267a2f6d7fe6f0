// Package domain defines cross-cutting types shared by the approval, pipeline,
// and orchestrator packages: the error taxonomy and the risk scale.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a machine-readable error classification recorded in audit entries
// and on terminal records.
type Code string

const (
	CodeNone                Code = ""
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeExpired             Code = "EXPIRED"
	CodeStateConflict       Code = "STATE_CONFLICT"
	CodeEndpointUnavailable Code = "ENDPOINT_UNAVAILABLE"
	CodeTransientToolError  Code = "TRANSIENT_TOOL_ERROR"
	CodeTerminalToolError   Code = "TERMINAL_TOOL_ERROR"
	CodeAuditWriteFailed    Code = "AUDIT_WRITE_FAILED"
)

// Sentinels for errors.Is matching against a *Error of the same code.
var (
	ErrValidationFailed    = &Error{Code: CodeValidationFailed}
	ErrExpired             = &Error{Code: CodeExpired}
	ErrStateConflict       = &Error{Code: CodeStateConflict}
	ErrEndpointUnavailable = &Error{Code: CodeEndpointUnavailable}
	ErrTransientTool       = &Error{Code: CodeTransientToolError}
	ErrTerminalTool        = &Error{Code: CodeTerminalToolError}
	ErrAuditWriteFailed    = &Error{Code: CodeAuditWriteFailed}
)

// Error is a classified failure. Two errors match under errors.Is when their
// codes are equal, so callers can test against the sentinels above.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Errorf builds a classified error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. Returns nil when err is nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return string(e.Code) + ": " + e.Message
	case e.Err != nil:
		return string(e.Code) + ": " + e.Err.Error()
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the taxonomy code from err. Unclassified errors map to
// CodeTerminalToolError so they are never retried silently.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeTerminalToolError
}

// Retryable reports whether the code allows automatic retry or replay.
func (c Code) Retryable() bool {
	return c == CodeTransientToolError || c == CodeEndpointUnavailable
}

// RiskLevel classifies the potential impact of an external action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel converts a string to a RiskLevel. Unknown values map to high.
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Valid reports whether r is one of the declared levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// AtMost reports whether r is no riskier than max.
func (r RiskLevel) AtMost(max RiskLevel) bool {
	return r.rank() <= max.rank()
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	default:
		return 3
	}
}
