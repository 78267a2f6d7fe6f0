package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jkaninda/gatekeeper/internal/domain"
)

const (
	recordExt = ".md"
	tmpDir    = ".tmp"
	movingDir = ".moving"
	idsDir    = ".ids"
)

// FileStore keeps one directory per state under root. The directory a record
// lives in is its state; moving the file is the transition.
//
// A transition first renames the record out of its source directory into
// .moving/<id>.<target>. Only one caller can win that rename, which makes the
// move a compare-and-swap. The updated document is then written into the
// target directory and the claim file removed. Claims left behind by a crash
// are completed when the store is reopened.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore opens (and creates) a file store rooted at root.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	s := &FileStore{root: root, logger: logger}
	dirs := []string{tmpDir, movingDir, idsDir}
	for _, st := range AllStatuses {
		dirs = append(dirs, string(st))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0700); err != nil {
			return nil, fmt.Errorf("creating state dir %s: %w", d, err)
		}
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) path(st Status, id string) string {
	return filepath.Join(s.root, string(st), id+recordExt)
}

func (s *FileStore) movingPath(id string, to Status) string {
	return filepath.Join(s.root, movingDir, id+"."+string(to))
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return domain.Errorf(domain.CodeValidationFailed, "invalid record id %q", id)
	}
	return nil
}

// Create writes a new record into the directory of its status. The id is
// first reserved with an exclusive create under .ids, so two creates of the
// same id cannot both succeed even when they target different states.
// Records dropped into a state directory by a producer carry no reservation
// and are caught by the lookup that follows.
func (s *FileStore) Create(_ context.Context, req *Request) error {
	if err := checkID(req.ID); err != nil {
		return err
	}
	if req.Status != StatusPending && req.Status != StatusApproved {
		return fmt.Errorf("creating %s: initial status must be pending or approved, got %q", req.ID, req.Status)
	}
	if err := s.reserve(req.ID); err != nil {
		return err
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(s.idPath(req.ID))
		}
	}()
	if _, err := s.locate(req.ID); err == nil {
		keep = true
		return fmt.Errorf("%w: %s", ErrDuplicate, req.ID)
	}

	data, err := Encode(req)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	dst := s.path(req.Status, req.ID)
	if err := os.Link(tmp, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			keep = true
			return fmt.Errorf("%w: %s", ErrDuplicate, req.ID)
		}
		return fmt.Errorf("linking record %s: %w", req.ID, err)
	}
	keep = true
	syncDir(filepath.Dir(dst))

	s.logger.Debug("record created",
		slog.String("approval_id", req.ID),
		slog.String("status", string(req.Status)),
	)
	return nil
}

// Get finds the record in whichever state directory holds it.
func (s *FileStore) Get(_ context.Context, id string) (*Request, error) {
	if err := checkID(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// A record mid-transition is briefly in neither directory; look twice.
	for attempt := 0; attempt < 3; attempt++ {
		st, err := s.locate(id)
		if err != nil {
			time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
			continue
		}
		req, err := s.read(s.path(st, id), st)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return req, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *FileStore) idPath(id string) string {
	return filepath.Join(s.root, idsDir, id)
}

// reserve claims id for a new record. Only one caller can create the marker.
func (s *FileStore) reserve(id string) error {
	f, err := os.OpenFile(s.idPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if err != nil {
		return fmt.Errorf("reserving record id %s: %w", id, err)
	}
	return f.Close()
}

func (s *FileStore) locate(id string) (Status, error) {
	for _, st := range AllStatuses {
		if _, err := os.Stat(s.path(st, id)); err == nil {
			return st, nil
		}
	}
	return "", ErrNotFound
}

// read decodes a record file. Undecodable documents come back as stubs with
// DecodeError set rather than as errors, so callers can quarantine them.
func (s *FileStore) read(path string, st Status) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	req, err := Decode(data)
	if err != nil {
		id := strings.TrimSuffix(filepath.Base(path), recordExt)
		return &Request{ID: id, Status: st, DecodeError: err}, nil
	}
	if req.ID == "" {
		req.ID = strings.TrimSuffix(filepath.Base(path), recordExt)
	}
	req.Status = st
	return req, nil
}

// List returns the records in one state ordered by creation time, then id.
func (s *FileStore) List(_ context.Context, status Status) ([]*Request, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, string(status)))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", status, err)
	}
	out := make([]*Request, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), recordExt) {
			continue
		}
		req, err := s.read(filepath.Join(s.root, string(status), de.Name()), status)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", de.Name(), err)
		}
		out = append(out, req)
	}
	sortRequests(out)
	return out, nil
}

func sortRequests(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// Transition moves id from one state directory to another.
func (s *FileStore) Transition(_ context.Context, id string, from, to Status, ch Change) (*Request, error) {
	if err := checkTransition(id, from, to); err != nil {
		return nil, err
	}
	claim, err := s.take(id, from, to)
	if err != nil {
		return nil, err
	}
	return s.complete(claim, id, to, &ch)
}

// Claim moves an approved record to executing unless it has expired.
func (s *FileStore) Claim(_ context.Context, id string, now time.Time) (*Request, error) {
	claim, err := s.take(id, StatusApproved, StatusExecuting)
	if err != nil {
		return nil, err
	}
	req, err := s.read(claim, StatusApproved)
	if err != nil {
		return nil, s.restore(claim, id, fmt.Errorf("reading claimed record: %w", err))
	}
	if req.DecodeError == nil && req.Expired(now) {
		return nil, s.restore(claim, id, domain.Errorf(domain.CodeExpired, "approval %s expired at %s", id, req.ExpiresAt.Format(time.RFC3339)))
	}
	return s.complete(claim, id, StatusExecuting, &Change{})
}

// take performs the exclusive rename out of the source directory.
func (s *FileStore) take(id string, from, to Status) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	claim := s.movingPath(id, to)
	if err := os.Rename(s.path(from, id), claim); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("moving %s: %w", id, err)
		}
		current, lerr := s.locate(id)
		if lerr != nil {
			return "", conflict(id, from, to, "record is not "+string(from)+" (in flight or missing)")
		}
		return "", conflict(id, from, to, "record is "+string(current))
	}
	return claim, nil
}

// restore puts a claimed record back into the approved directory.
func (s *FileStore) restore(claim, id string, cause error) error {
	if err := os.Rename(claim, s.path(StatusApproved, id)); err != nil {
		s.logger.Error("failed to restore claimed record",
			slog.String("approval_id", id),
			slog.String("error", err.Error()),
		)
		return errors.Join(cause, err)
	}
	return cause
}

// complete rewrites the claimed document with its new state into the target
// directory, then drops the claim file.
func (s *FileStore) complete(claim, id string, to Status, ch *Change) (*Request, error) {
	raw, err := os.ReadFile(claim)
	if err != nil {
		return nil, fmt.Errorf("reading claimed record %s: %w", id, err)
	}
	req, decodeErr := Decode(raw)
	if decodeErr != nil {
		req = &Request{ID: id, DecodeError: decodeErr}
	}
	if req.ID == "" {
		req.ID = id
	}
	req.apply(to, *ch)

	data, err := Encode(req)
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		data = append(data, []byte("\n## Original record\n\n~~~\n"+string(raw)+"\n~~~\n")...)
	}

	tmp, err := s.writeTemp(data)
	if err != nil {
		return nil, err
	}
	dst := s.path(to, id)
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("writing %s record %s: %w", to, id, err)
	}
	syncDir(filepath.Dir(dst))
	if err := os.Remove(claim); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove claim file", slog.String("approval_id", id), slog.String("error", err.Error()))
	}
	syncDir(filepath.Join(s.root, movingDir))

	s.logger.Debug("record transitioned",
		slog.String("approval_id", id),
		slog.String("status", string(to)),
	)
	return req, nil
}

func (s *FileStore) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "record-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp record: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("writing temp record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("syncing temp record: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("closing temp record: %w", err)
	}
	return name, nil
}

// recover finishes transitions interrupted between the claim rename and
// the final write, and clears temp files.
func (s *FileStore) recover() error {
	entries, err := os.ReadDir(filepath.Join(s.root, movingDir))
	if err != nil {
		return fmt.Errorf("reading claim dir: %w", err)
	}
	for _, de := range entries {
		name := de.Name()
		dot := strings.LastIndexByte(name, '.')
		if dot <= 0 {
			continue
		}
		id, to := name[:dot], Status(name[dot+1:])
		if !to.Valid() {
			continue
		}
		claim := filepath.Join(s.root, movingDir, name)
		if _, err := os.Stat(s.path(to, id)); err == nil {
			_ = os.Remove(claim)
			continue
		}
		if _, err := s.complete(claim, id, to, &Change{}); err != nil {
			return fmt.Errorf("recovering %s: %w", name, err)
		}
		s.logger.Warn("completed interrupted transition",
			slog.String("approval_id", id),
			slog.String("status", string(to)),
		)
	}

	// A crash between reservation and link leaves a marker with no record.
	ids, err := os.ReadDir(filepath.Join(s.root, idsDir))
	if err != nil {
		return fmt.Errorf("reading id dir: %w", err)
	}
	for _, de := range ids {
		if _, err := s.locate(de.Name()); err != nil {
			_ = os.Remove(s.idPath(de.Name()))
		}
	}

	tmps, err := os.ReadDir(filepath.Join(s.root, tmpDir))
	if err != nil {
		return fmt.Errorf("reading temp dir: %w", err)
	}
	for _, de := range tmps {
		_ = os.Remove(filepath.Join(s.root, tmpDir, de.Name()))
	}
	return nil
}

// Watch reports the state whose directory received a new record. Events are
// coalesced: a slow reader misses duplicates, never the latest state.
func (s *FileStore) Watch(ctx context.Context) (<-chan Status, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	dirs := make(map[string]Status, len(AllStatuses))
	for _, st := range AllStatuses {
		dir := filepath.Join(s.root, string(st))
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		dirs[filepath.Clean(dir)] = st
	}

	out := make(chan Status, len(AllStatuses))
	go func() {
		defer close(out)
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
					continue
				}
				st, ok := dirs[filepath.Dir(ev.Name)]
				if !ok || !strings.HasSuffix(ev.Name, recordExt) {
					continue
				}
				select {
				case out <- st:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("record watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the file store holds no open handles.
func (s *FileStore) Close() error { return nil }

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
