package approval

import (
	"context"
	"time"

	"github.com/jkaninda/gatekeeper/internal/domain"
)

// StateStore is the durable ground truth for request lifecycles.
// Implementations must enforce the state machine:
//   - Pending -> Approved | Rejected | Expired
//   - Approved -> Executing | Rejected | Expired
//   - Executing -> Done | Failed
//
// Every transition is a compare-and-swap on the current state: when two
// callers race on the same record exactly one succeeds and the other gets a
// STATE_CONFLICT error. Terminal records are immutable.
type StateStore interface {
	// Create persists a new record in its initial state (pending, or approved
	// for records created by policy). Returns ErrDuplicate if the id exists.
	Create(ctx context.Context, req *Request) error
	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, id string) (*Request, error)
	// List returns records in the given state ordered by creation time, then id.
	List(ctx context.Context, status Status) ([]*Request, error)
	// Transition moves id from one state to another, applying ch.
	Transition(ctx context.Context, id string, from, to Status, ch Change) (*Request, error)
	// Claim atomically moves an approved record to executing. A record whose
	// expires_at has passed at now is left approved and an EXPIRED error is
	// returned.
	Claim(ctx context.Context, id string, now time.Time) (*Request, error)
	Close() error
}

// Change carries the fields updated alongside a state transition.
type Change struct {
	DecidedBy    DecidedBy
	DecidedAt    time.Time
	ErrorCode    domain.Code
	ErrorMessage string
	Domain       string
}

// Watcher is implemented by stores that can signal writes as they happen,
// letting pollers react before the next tick.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Status, error)
}

// checkTransition validates the edge before any storage work.
func checkTransition(id string, from, to Status) error {
	if !CanTransition(from, to) {
		return conflict(id, from, to, "illegal transition")
	}
	return nil
}

// CheckTransition is checkTransition for store implementations outside this package.
func CheckTransition(id string, from, to Status) error {
	return checkTransition(id, from, to)
}

// Apply is the exported form of Request.apply for store implementations.
func Apply(r *Request, to Status, ch Change) {
	r.apply(to, ch)
}

// Conflict builds a STATE_CONFLICT error for store implementations.
func Conflict(id string, from, to Status, reason string) error {
	return conflict(id, from, to, reason)
}
