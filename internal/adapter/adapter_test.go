package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/gatekeeper/internal/domain"
)

type stub struct{ name string }

func (s stub) Name() string   { return s.name }
func (s stub) Domain() string { return "general" }
func (s stub) Execute(context.Context, Call) (*Output, error) {
	return &Output{}, nil
}
func (s stub) HealthCheck(context.Context) Probe { return Probe{Healthy: true} }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 || len(r.All()) != 0 {
		t.Fatal("new registry not empty")
	}
	r.Register(stub{"b"})
	r.Register(stub{"a"})

	if _, ok := r.Get("a"); !ok {
		t.Error("Get(a) missing")
	}
	if _, ok := r.Get("zzz"); ok {
		t.Error("Get(zzz) found")
	}
	all := r.All()
	if len(all) != 2 || all[0].Name() != "a" || all[1].Name() != "b" {
		t.Errorf("All = %v", all)
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	r.Register(stub{"a"})
}

func TestRateLimitError(t *testing.T) {
	reset := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	err := error(&RateLimitError{Limit: RateLimit{ResetAt: reset}, Err: errors.New("429")})
	if !errors.Is(err, domain.ErrTransientTool) {
		t.Errorf("RateLimitError should match transient")
	}
	if domain.CodeOf(err) != domain.CodeTransientToolError {
		t.Errorf("CodeOf = %s", domain.CodeOf(err))
	}
}

func TestClassifiers(t *testing.T) {
	if !errors.Is(Transient(errors.New("x")), domain.ErrTransientTool) {
		t.Error("Transient")
	}
	if !errors.Is(Terminal(errors.New("x")), domain.ErrTerminalTool) {
		t.Error("Terminal")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) != nil")
	}
}
