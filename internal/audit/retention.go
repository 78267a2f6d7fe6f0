package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/gatekeeper/internal/workspace"
)

const archiveExt = ".jsonl.zst"

// Sink receives a copy of every compressed partition before the live file is
// removed. A sink error keeps the partition in place for the next run.
type Sink interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
}

// Archiver moves partitions older than the retention horizon into zstd
// archives. A partition is removed from the live directory only after its
// archive is durable locally and every sink accepted it.
type Archiver struct {
	log        *Logger
	archiveDir string
	retention  time.Duration
	sinks      []Sink
	logger     *slog.Logger
	now        func() time.Time
}

// NewArchiver creates an archiver for the partitions owned by log.
func NewArchiver(log *Logger, archiveDir string, retention time.Duration, logger *slog.Logger, sinks ...Sink) *Archiver {
	return &Archiver{
		log:        log,
		archiveDir: archiveDir,
		retention:  retention,
		sinks:      sinks,
		logger:     logger,
		now:        log.now,
	}
}

// Run archives every eligible partition and returns the dates archived.
// A failing partition is logged and skipped; the joined errors are returned.
func (a *Archiver) Run(ctx context.Context) ([]string, error) {
	keys, err := a.log.Partitions()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.archiveDir, 0700); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}

	cutoff := a.now().UTC().Add(-a.retention).Format(dateLayout)
	var (
		archived []string
		errs     []error
	)
	for _, key := range keys {
		if key >= cutoff {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := a.archive(ctx, key); err != nil {
			a.logger.ErrorContext(ctx, "audit partition archive failed",
				slog.String("partition", key),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("partition %s: %w", key, err))
			continue
		}
		archived = append(archived, key)
		a.logger.InfoContext(ctx, "audit partition archived", slog.String("partition", key))
	}
	return archived, errors.Join(errs...)
}

func (a *Archiver) archive(ctx context.Context, key string) error {
	live := a.log.partitionPath(key)
	raw, err := os.ReadFile(live)
	if err != nil {
		return fmt.Errorf("reading partition: %w", err)
	}
	compressed, err := compress(raw)
	if err != nil {
		return err
	}

	name := key + archiveExt
	if err := workspace.WriteFileAtomic(filepath.Join(a.archiveDir, name), compressed, 0600); err != nil {
		return err
	}
	for _, s := range a.sinks {
		if err := s.Put(ctx, name, compressed); err != nil {
			return fmt.Errorf("sink %s: %w", s.Name(), err)
		}
	}

	a.log.release(key)
	if err := os.Remove(live); err != nil {
		return fmt.Errorf("removing archived partition: %w", err)
	}
	return nil
}

// Start runs the archiver on a cron schedule until the returned stop
// function is called or ctx is cancelled.
func (a *Archiver) Start(ctx context.Context, schedule string) (func(), error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid archive schedule %q: %w", schedule, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC), cron.WithParser(parser))
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := a.Run(ctx); err != nil {
			a.logger.WarnContext(ctx, "audit retention run incomplete", slog.String("error", err.Error()))
		}
	}))
	c.Start()

	a.logger.InfoContext(ctx, "audit retention scheduled",
		slog.String("schedule", schedule),
		slog.String("retention", a.retention.String()),
	)

	return func() {
		cancel()
		<-c.Stop().Done()
	}, nil
}

// ReadArchive decodes the entries of one compressed partition.
func ReadArchive(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing archive: %w", err)
	}
	return decodeEntries(bytes.NewReader(raw))
}

func compress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd writer: %w", err)
	}
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll(raw, nil), nil
}
