// Package adapter defines the contract between the execution core and the
// per-integration tool adapters, and the registry the pipeline resolves
// tool_ref values against.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/gatekeeper/internal/domain"
)

// Adapter performs external calls for one endpoint.
type Adapter interface {
	// Name is the tool_ref this adapter answers to.
	Name() string
	// Domain is the domain category the endpoint serves.
	Domain() string
	// Execute performs the action. Errors should be *domain.Error with a
	// transient or terminal tool code; unclassified errors are treated as
	// terminal.
	Execute(ctx context.Context, call Call) (*Output, error)
	// HealthCheck probes the endpoint without side effects.
	HealthCheck(ctx context.Context) Probe
}

// Call is one invocation handed to an adapter.
type Call struct {
	RequestID  string
	Domain     string
	ActionType string
	Target     string
	Parameters map[string]any
}

// Output is the payload returned by a successful call.
type Output struct {
	Payload   map[string]any
	RateLimit *RateLimit // nil when the endpoint reports no quota.
}

// Probe is the result of a health check.
type Probe struct {
	Healthy   bool
	Err       error
	RateLimit *RateLimit
}

// RateLimit is quota bookkeeping parsed from an endpoint response.
type RateLimit struct {
	Remaining int
	ResetAt   time.Time
}

// Exhausted reports whether no calls remain before ResetAt.
func (r *RateLimit) Exhausted(now time.Time) bool {
	return r != nil && r.Remaining <= 0 && now.Before(r.ResetAt)
}

// RateLimitError reports that the endpoint refused a call for quota reasons.
// It matches domain.ErrTransientTool.
type RateLimitError struct {
	Limit RateLimit
	Err   error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("rate limited until %s", e.Limit.ResetAt.UTC().Format(time.RFC3339))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error {
	return &domain.Error{Code: domain.CodeTransientToolError, Message: "rate limited", Err: e.Err}
}

// Transient classifies err as a retryable tool failure.
func Transient(err error) error { return domain.Wrap(domain.CodeTransientToolError, err) }

// Terminal classifies err as a non-retryable tool failure.
func Terminal(err error) error { return domain.Wrap(domain.CodeTerminalToolError, err) }

// Registry manages the set of available adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Panics on duplicate names (programming error).
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		panic("duplicate adapter registration: " + name)
	}
	r.adapters[name] = a
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// All returns all registered adapters sorted by name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
