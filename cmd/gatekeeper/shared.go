package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/audit"
	"github.com/jkaninda/gatekeeper/internal/classifier"
	"github.com/jkaninda/gatekeeper/internal/config"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/events"
	"github.com/jkaninda/gatekeeper/internal/observability"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
	"github.com/jkaninda/gatekeeper/internal/storage"
	"github.com/jkaninda/gatekeeper/internal/workspace"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	SQL       *storage.Store // Health snapshots always; approvals and retries when storage.state=sql.

	State      approval.StateStore
	Queue      pipeline.RetryQueue
	Audit      *audit.Logger
	Obs        *observability.Observability
	Events     *events.Bus
	Validator  *approval.Validator
	Classifier *classifier.Classifier
	Manager    *approval.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by --config or GATEKEEPER_CONFIG.
// A missing file at the default path yields the default configuration.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("GATEKEEPER_CONFIG", configPath)
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger builds the JSON logger on stderr. The --log-level flag wins over
// the config file.
func newLogger(cfg *config.Config) *slog.Logger {
	name := cfg.Level()
	if logLevel != "" {
		name = logLevel
	}
	var level slog.Level
	switch name {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initShared performs the initialization shared by serve and the one-shot
// commands. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sc *SharedComponents, err error) {
	sc = &SharedComponents{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			sc.Cleanup()
		}
	}()

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedDataDir())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.CleanTemp(); err != nil {
		logger.Warn("cleaning workspace temp files", slog.String("error", err.Error()))
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// SQL store.
	sqlStore, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.SQLDriver(), err)
	}
	sc.SQL = sqlStore
	sc.addCleanup(func() { _ = sqlStore.Close() })
	logger.Debug("sql store initialized", slog.String("driver", sqlStore.Driver()))

	// Approval state and retry queue.
	switch cfg.Storage.StateBackend() {
	case "sql":
		sc.State = sqlStore.Approvals()
		sc.Queue = sqlStore.RetryQueue()
	default:
		fs, err := approval.NewFileStore(ws.RecordsDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening file state store: %w", err)
		}
		fq, err := pipeline.NewFileQueue(ws.RetryDir(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening retry queue: %w", err)
		}
		sc.State = fs
		sc.Queue = fq
	}
	sc.addCleanup(func() { _ = sc.State.Close() })
	logger.Debug("state store initialized", slog.String("backend", cfg.Storage.StateBackend()))

	// Audit log.
	auditDir := cfg.Audit.Dir
	if auditDir == "" {
		auditDir = ws.AuditDir()
	}
	var auditOpts []audit.Option
	if m := obs.MetricsOrNil(); m != nil {
		auditOpts = append(auditOpts, audit.WithMetrics(m))
	}
	al, err := audit.NewLogger(auditDir, logger, auditOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	sc.Audit = al
	sc.addCleanup(func() { _ = al.Close() })

	// Validation, classification, events.
	sc.Validator, err = approval.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("compiling record schema: %w", err)
	}
	sc.Classifier = classifier.FromConfig(&cfg.Classifier, logger)
	sc.Events = events.NewBus(64)

	// Approval manager.
	opts := []approval.ManagerOption{
		approval.WithTagger(sc.Classifier),
		approval.WithEvents(sc.Events),
	}
	if aa := cfg.Approval.AutoApproval; aa != nil && aa.Enabled {
		maxRisk := domain.ParseRiskLevel(aa.MaxRisk)
		if aa.MaxRisk == "" {
			maxRisk = domain.RiskLow
		}
		policy, err := approval.NewPolicyApprover(aa.Rules, maxRisk, logger)
		if err != nil {
			return nil, fmt.Errorf("compiling auto-approval rules: %w", err)
		}
		opts = append(opts, approval.WithPolicy(policy))
		logger.Debug("auto-approval enabled", slog.Int("rules", len(aa.Rules)), slog.String("max_risk", string(maxRisk)))
	}
	sc.Manager = approval.NewManager(sc.State, sc.Audit, sc.Validator, cfg.Approval.TTL(), logger, opts...)

	return sc, nil
}
