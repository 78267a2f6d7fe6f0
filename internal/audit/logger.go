package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit log closed")

const partitionExt = ".jsonl"

// Metrics receives append outcomes. Implemented by the observability collector.
type Metrics interface {
	RecordAuditAppend(result string, ok bool)
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the timestamp source for entries without one.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithMetrics attaches an append observer.
func WithMetrics(m Metrics) Option {
	return func(l *Logger) { l.metrics = m }
}

// Logger writes entries as one JSON object per line into a file per UTC date.
// Appends to the same partition are serialized and fsynced before Append
// returns, so a nil error means the entry is durable.
type Logger struct {
	dir     string
	now     func() time.Time
	logger  *slog.Logger
	metrics Metrics

	mu     sync.Mutex
	parts  map[string]*partition
	closed bool
}

// partition is one open date file. A nil file means the last write failed
// and the handle was dropped; the next append reopens and repairs the tail.
type partition struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool // set by release and Close; the partition is not reopened
}

// append writes data under the partition lock. A failed write or sync may
// leave a torn line behind, so the handle is dropped and the next append
// starts from a repaired tail instead of writing onto the torn bytes.
func (p *partition) append(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.file == nil {
		f, err := openPartition(p.path)
		if err != nil {
			return err
		}
		p.file = f
	}
	if err := writeDurable(p.file, data); err != nil {
		_ = p.file.Close()
		p.file = nil
		return err
	}
	return nil
}

func (p *partition) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// openPartition repairs a torn tail and opens path for appending.
func openPartition(path string) (*os.File, error) {
	if err := repairTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit partition %s: %w", path, err)
	}
	return f, nil
}

// NewLogger opens the audit directory, creating it with 0700 permissions.
func NewLogger(dir string, logger *slog.Logger, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir %s: %w", dir, err)
	}
	l := &Logger{
		dir:    dir,
		now:    time.Now,
		logger: logger,
		parts:  make(map[string]*partition),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the live partition directory.
func (l *Logger) Dir() string { return l.dir }

// Append sanitizes e and appends it to its date partition. Missing EntryID
// and Timestamp are filled in. Any failure is reported as AUDIT_WRITE_FAILED
// so callers can refuse the state change that depended on it.
func (l *Logger) Append(ctx context.Context, e Entry) error {
	if e.EntryID == "" {
		e.EntryID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e = scrub(e)

	data, err := json.Marshal(e)
	if err != nil {
		return l.fail(ctx, e, fmt.Errorf("marshaling audit entry: %w", err))
	}
	data = append(data, '\n')

	p, err := l.partition(partitionKey(e.Timestamp))
	if err != nil {
		return l.fail(ctx, e, err)
	}

	if err := p.append(data); err != nil {
		return l.fail(ctx, e, err)
	}

	if l.metrics != nil {
		l.metrics.RecordAuditAppend(string(e.Result), true)
	}
	l.logger.DebugContext(ctx, "audit entry appended",
		slog.String("entry_id", e.EntryID),
		slog.String("approval_id", e.ApprovalRequestID),
		slog.String("event", e.Event),
		slog.String("result", string(e.Result)),
	)
	return nil
}

func (l *Logger) fail(ctx context.Context, e Entry, err error) error {
	if l.metrics != nil {
		l.metrics.RecordAuditAppend(string(e.Result), false)
	}
	l.logger.ErrorContext(ctx, "audit append failed",
		slog.String("approval_id", e.ApprovalRequestID),
		slog.String("error", err.Error()),
	)
	return domain.Wrap(domain.CodeAuditWriteFailed, err)
}

// scrub applies the sanitizer to every free-form field.
func scrub(e Entry) Entry {
	e.SanitizedParameters = sanitize.Map(e.SanitizedParameters)
	e.Target = sanitize.String(e.Target)
	e.ErrorMessage = sanitize.Text(e.ErrorMessage)
	return e
}

func writeDurable(f *os.File, data []byte) error {
	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing audit partition: %w", err)
	}
	return nil
}

func (l *Logger) partition(key string) (*partition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if p, ok := l.parts[key]; ok {
		return p, nil
	}
	path := l.partitionPath(key)
	f, err := openPartition(path)
	if err != nil {
		return nil, err
	}
	p := &partition{path: path, file: f}
	l.parts[key] = p
	return p, nil
}

func (l *Logger) partitionPath(key string) string {
	return filepath.Join(l.dir, key+partitionExt)
}

// repairTail truncates a torn final line left by a crash mid-append, so the
// next entry starts on a fresh line.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening audit partition %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading audit partition %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := f.Truncate(int64(keep)); err != nil {
		return fmt.Errorf("truncating torn audit entry in %s: %w", path, err)
	}
	return f.Sync()
}

// release closes the handle for a partition so the archiver can remove it.
func (l *Logger) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.parts[key]; ok {
		_ = p.close()
		delete(l.parts, key)
	}
}

// Close closes all open partitions. Further appends fail with ErrClosed.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	var errs []error
	for key, p := range l.parts {
		if err := p.close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.parts, key)
	}
	return errors.Join(errs...)
}

// Partitions returns the live partition dates, oldest first.
func (l *Logger) Partitions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("listing audit partitions: %w", err)
	}
	var keys []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, partitionExt) {
			continue
		}
		key := strings.TrimSuffix(name, partitionExt)
		if _, err := time.Parse(dateLayout, key); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// RecentEntries returns up to n entries, newest first, reading partitions
// from the most recent date backwards.
func (l *Logger) RecentEntries(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	keys, err := l.Partitions()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		entries, err := readPartition(l.partitionPath(keys[i]))
		if err != nil {
			return nil, err
		}
		for j := len(entries) - 1; j >= 0 && len(out) < n; j-- {
			out = append(out, entries[j])
		}
	}
	return out, nil
}

// Entries returns every entry in one partition in append order.
func (l *Logger) Entries(date time.Time) ([]Entry, error) {
	entries, err := readPartition(l.partitionPath(partitionKey(date)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

func readPartition(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit partition: %w", err)
	}
	defer func() { _ = f.Close() }()
	return decodeEntries(f)
}

// decodeEntries parses JSONL, skipping lines that do not decode. A torn tail
// from an interrupted append is therefore never surfaced.
func decodeEntries(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit entries: %w", err)
	}
	return out, nil
}
