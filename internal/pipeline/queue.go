package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
	"github.com/jkaninda/gatekeeper/internal/workspace"
)

// ErrNotQueued is returned when no active entry exists for a request.
var ErrNotQueued = errors.New("retry entry not found")

// RetryableRequest is a cached invocation awaiting replay. The payload holds
// sanitized parameters for inspection only; replay reloads the record from
// the state store and checks it against Fingerprint.
type RetryableRequest struct {
	RequestID     string         `json:"request_id"`
	ToolRef       string         `json:"tool_ref"`
	Domain        string         `json:"domain"`
	ActionType    string         `json:"action_type"`
	Payload       map[string]any `json:"payload"`
	Fingerprint   string         `json:"fingerprint"`
	AttemptCount  int            `json:"attempt_count"`
	NextRetryAt   time.Time      `json:"next_retry_at"`
	FirstFailedAt time.Time      `json:"first_failed_at"`
	LastError     string         `json:"last_error"`
	LastErrorCode domain.Code    `json:"last_error_code"`
	ArchivedAt    *time.Time     `json:"archived_at,omitempty"`
}

// RetryQueue persists RetryableRequests. Entries are keyed by request id;
// Put replaces an existing active entry.
type RetryQueue interface {
	Put(ctx context.Context, r RetryableRequest) error
	Get(ctx context.Context, requestID string) (*RetryableRequest, error)
	// Due returns active entries with NextRetryAt <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]RetryableRequest, error)
	// List returns all active entries.
	List(ctx context.Context) ([]RetryableRequest, error)
	Delete(ctx context.Context, requestID string) error
	// Bump records a failed replay attempt.
	Bump(ctx context.Context, requestID string, next time.Time, code domain.Code, lastErr string) error
	// ArchiveOlderThan moves entries first failed before cutoff out of the
	// active set and returns them.
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) ([]RetryableRequest, error)
}

// Fingerprint is the hex SHA-256 of the canonical JSON of the fields a
// replay would send.
func Fingerprint(r *approval.Request) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"id":          r.ID,
		"action_type": r.ActionType,
		"target":      r.Target,
		"tool_ref":    r.ToolRef,
		"parameters":  r.Parameters,
	})
	if err != nil {
		return "", fmt.Errorf("encoding fingerprint input: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing fingerprint input: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// NewRetryable builds the queue entry for req.
func NewRetryable(req *approval.Request, attempts int, next, now time.Time, cause error) (RetryableRequest, error) {
	fp, err := Fingerprint(req)
	if err != nil {
		return RetryableRequest{}, err
	}
	return RetryableRequest{
		RequestID:     req.ID,
		ToolRef:       req.ToolRef,
		Domain:        req.Domain,
		ActionType:    req.ActionType,
		Payload:       sanitize.Map(req.Parameters),
		Fingerprint:   fp,
		AttemptCount:  attempts,
		NextRetryAt:   next,
		FirstFailedAt: now,
		LastError:     errorText(cause),
		LastErrorCode: domain.CodeOf(cause),
	}, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return sanitize.Text(err.Error())
}

// FileQueue stores one JSON document per entry under dir, with archived
// entries under dir/archived.
type FileQueue struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

var _ RetryQueue = (*FileQueue)(nil)

// NewFileQueue opens or creates a file-backed queue.
func NewFileQueue(dir string, logger *slog.Logger) (*FileQueue, error) {
	if err := os.MkdirAll(filepath.Join(dir, "archived"), 0700); err != nil {
		return nil, fmt.Errorf("creating retry dir: %w", err)
	}
	return &FileQueue{dir: dir, logger: logger}, nil
}

func (q *FileQueue) path(id string) string { return filepath.Join(q.dir, id+".json") }

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid request id %q", id)
	}
	return nil
}

func (q *FileQueue) Put(_ context.Context, r RetryableRequest) error {
	if err := checkID(r.RequestID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding retry entry: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return workspace.WriteFileAtomic(q.path(r.RequestID), data, 0600)
}

func (q *FileQueue) Get(_ context.Context, id string) (*RetryableRequest, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.read(q.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotQueued
	}
	return r, err
}

func (q *FileQueue) read(path string) (*RetryableRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r RetryableRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}

func (q *FileQueue) List(_ context.Context) ([]RetryableRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked()
}

func (q *FileQueue) listLocked() ([]RetryableRequest, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("reading retry dir: %w", err)
	}
	var out []RetryableRequest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := q.read(filepath.Join(q.dir, name))
		if err != nil {
			q.logger.Warn("skipping unreadable retry entry", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(out[j].NextRetryAt)
		}
		if !out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out, nil
}

func (q *FileQueue) Due(_ context.Context, now time.Time, limit int) ([]RetryableRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all, err := q.listLocked()
	if err != nil {
		return nil, err
	}
	var out []RetryableRequest
	for _, r := range all {
		if r.NextRetryAt.After(now) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *FileQueue) Delete(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(q.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotQueued
		}
		return fmt.Errorf("removing retry entry: %w", err)
	}
	return workspace.SyncDir(q.dir)
}

func (q *FileQueue) Bump(_ context.Context, id string, next time.Time, code domain.Code, lastErr string) error {
	if err := checkID(id); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.read(q.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotQueued
	}
	if err != nil {
		return err
	}
	r.AttemptCount++
	r.NextRetryAt = next
	r.LastErrorCode = code
	r.LastError = sanitize.Text(lastErr)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding retry entry: %w", err)
	}
	return workspace.WriteFileAtomic(q.path(id), data, 0600)
}

func (q *FileQueue) ArchiveOlderThan(_ context.Context, cutoff time.Time) ([]RetryableRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all, err := q.listLocked()
	if err != nil {
		return nil, err
	}
	var archived []RetryableRequest
	var errs []error
	now := time.Now().UTC()
	for _, r := range all {
		if !r.FirstFailedAt.Before(cutoff) {
			continue
		}
		r.ArchivedAt = &now
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dst := filepath.Join(q.dir, "archived", r.RequestID+".json")
		if err := workspace.WriteFileAtomic(dst, data, 0600); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(q.path(r.RequestID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		archived = append(archived, r)
	}
	return archived, errors.Join(errs...)
}
