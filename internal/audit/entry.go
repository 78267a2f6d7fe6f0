// Package audit is the append-only, date-partitioned record of every
// execution attempt and lifecycle decision. Entries are sanitized before they
// touch disk and are never rewritten; the only removal path is the retention
// archiver, which archives a partition before deleting it.
package audit

import (
	"time"

	"github.com/jkaninda/gatekeeper/internal/domain"
)

// Result is the outcome recorded on an entry.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	// ResultNote marks informational entries such as low-confidence
	// classifications. They carry no execution outcome.
	ResultNote Result = "note"
)

// Entry is one immutable audit record.
type Entry struct {
	EntryID             string         `json:"entry_id"`
	Timestamp           time.Time      `json:"timestamp"`
	ActionType          string         `json:"action_type"`
	Actor               string         `json:"actor"`
	Target              string         `json:"target"`
	SanitizedParameters map[string]any `json:"sanitized_parameters,omitempty"`
	ApprovalRequestID   string         `json:"approval_request_id"`
	Result              Result         `json:"result"`
	ErrorCode           domain.Code    `json:"error_code,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	DurationMS          int64          `json:"duration_ms"`

	// Domain and ToolRef help reconstruct per-integration history.
	Domain  string `json:"domain,omitempty"`
	ToolRef string `json:"tool_ref,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	// Event names what happened: "execute", "expire", "quarantine", "decide",
	// "replay", "classify".
	Event string `json:"event,omitempty"`
}

// Failed reports whether the entry records a failed outcome.
func (e Entry) Failed() bool { return e.Result == ResultFailure }

// partitionKey is the UTC calendar date an entry belongs to.
func partitionKey(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

const dateLayout = "2006-01-02"
