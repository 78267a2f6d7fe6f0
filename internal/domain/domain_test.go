package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Errorf(CodeStateConflict, "record %s is %s", "abc", "rejected")
	wrapped := fmt.Errorf("claiming: %w", err)

	if !errors.Is(wrapped, ErrStateConflict) {
		t.Fatal("expected wrapped error to match ErrStateConflict")
	}
	if errors.Is(wrapped, ErrExpired) {
		t.Fatal("state conflict must not match ErrExpired")
	}
	if got := err.Error(); got != "STATE_CONFLICT: record abc is rejected" {
		t.Errorf("Error() = %q", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(CodeTransientToolError, nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	inner := errors.New("connection reset")
	err := Wrap(CodeTransientToolError, inner)
	if !errors.Is(err, inner) {
		t.Error("expected Unwrap chain to reach inner error")
	}
	if !errors.Is(err, ErrTransientTool) {
		t.Error("expected code match")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeNone},
		{errors.New("boom"), CodeTerminalToolError},
		{Errorf(CodeExpired, "late"), CodeExpired},
		{fmt.Errorf("outer: %w", Errorf(CodeEndpointUnavailable, "down")), CodeEndpointUnavailable},
	}
	for _, tc := range tests {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestCode_Retryable(t *testing.T) {
	if !CodeTransientToolError.Retryable() || !CodeEndpointUnavailable.Retryable() {
		t.Error("transient and unavailable must be retryable")
	}
	for _, c := range []Code{CodeValidationFailed, CodeExpired, CodeStateConflict, CodeTerminalToolError, CodeAuditWriteFailed} {
		if c.Retryable() {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestParseRiskLevel(t *testing.T) {
	tests := map[string]RiskLevel{
		"low":    RiskLow,
		" LOW ":  RiskLow,
		"medium": RiskMedium,
		"high":   RiskHigh,
		"":       RiskHigh,
		"bogus":  RiskHigh,
	}
	for in, want := range tests {
		if got := ParseRiskLevel(in); got != want {
			t.Errorf("ParseRiskLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
