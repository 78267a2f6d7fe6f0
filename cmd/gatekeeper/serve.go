package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/adapter/mcp"
	"github.com/jkaninda/gatekeeper/internal/adapter/webhook"
	"github.com/jkaninda/gatekeeper/internal/audit"
	"github.com/jkaninda/gatekeeper/internal/config"
	"github.com/jkaninda/gatekeeper/internal/gateway"
	"github.com/jkaninda/gatekeeper/internal/gateway/httpapi"
	"github.com/jkaninda/gatekeeper/internal/gateway/ws"
	"github.com/jkaninda/gatekeeper/internal/health"
	"github.com/jkaninda/gatekeeper/internal/notification"
	"github.com/jkaninda/gatekeeper/internal/observability"
	"github.com/jkaninda/gatekeeper/internal/orchestrator"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
	"github.com/jkaninda/gatekeeper/internal/ratelimit"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pollers, the replay worker and the HTTP API",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `gatekeeper --port` and
	// `gatekeeper serve --port` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts every long-running component and blocks until a signal
// arrives.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateway.ListenAddr = servePort
	}
	logger := newLogger(cfg)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	logger.Info("starting gatekeeper",
		slog.String("data_dir", sc.Workspace.Root),
		slog.String("state", cfg.Storage.StateBackend()),
		slog.String("sql_driver", sc.SQL.Driver()),
	)

	metrics := sc.Obs.MetricsOrNil()

	// Tool adapters.
	reg, closeAdapters, err := buildAdapters(cfg, sc.Obs, logger)
	if err != nil {
		return err
	}
	defer closeAdapters()
	if reg.Len() == 0 {
		logger.Warn("no tool adapters configured; every approved request will fail with an unknown tool_ref")
	}

	// Endpoint health.
	monOpts := []health.Option{
		health.WithStore(sc.SQL.Endpoints()),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout()),
	}
	if metrics != nil {
		monOpts = append(monOpts, health.WithMetrics(metrics))
	}
	monitor := health.NewMonitor(reg, health.Thresholds{
		DegradedAfter: cfg.Health.DegradedAfter(),
		DownAfter:     cfg.Health.DownAfter(),
		RecoverAfter:  cfg.Health.RecoverAfter(),
	}, logger, monOpts...)
	if err := monitor.Restore(ctx); err != nil {
		logger.Warn("restoring endpoint status", slog.String("error", err.Error()))
	}
	stopMonitor := monitor.Start(ctx, cfg.Health.Interval())
	defer stopMonitor()

	// Invocation pipeline.
	pipeOpts := []pipeline.Option{
		pipeline.WithTagger(sc.Classifier),
		pipeline.WithTracer(sc.Obs.SpanTracer()),
	}
	if metrics != nil {
		pipeOpts = append(pipeOpts, pipeline.WithMetrics(metrics))
	}
	pipe := pipeline.New(reg, monitor, sc.Queue, pipeline.Config{
		Schedule:    cfg.Retry.Schedule(),
		MaxAttempts: cfg.Retry.MaxAttempts(),
		CallTimeout: cfg.Retry.CallTimeout(),
	}, logger, pipeOpts...)

	// Failure notifications.
	var notifier orchestrator.Notifier
	if nc := cfg.Notification; nc != nil && nc.Enabled {
		dispatcher, err := buildDispatcher(nc, sc.Workspace.NotificationsDir(), logger)
		if err != nil {
			return err
		}
		notifier = dispatcher
	}

	// Orchestrator.
	orchOpts := []orchestrator.Option{
		orchestrator.WithEvents(sc.Events),
		orchestrator.WithRetryLookup(sc.Queue),
	}
	if notifier != nil {
		orchOpts = append(orchOpts, orchestrator.WithNotifier(notifier))
	}
	if metrics != nil {
		orchOpts = append(orchOpts, orchestrator.WithMetrics(metrics))
	}
	orch := orchestrator.New(sc.State, pipe, sc.Audit, sc.Validator, orchestrator.Config{
		Concurrency: cfg.Orchestrator.Concurrency(),
		Actor:       cfg.Orchestrator.ActorName(),
	}, logger, orchOpts...)

	// Replay worker finalizes through the orchestrator so its outcomes get
	// the same audit-before-transition treatment.
	replayOpts := []pipeline.ReplayOption{}
	if metrics != nil {
		replayOpts = append(replayOpts, pipeline.WithQueueMetrics(metrics))
	}
	replayer := pipeline.NewReplayer(pipe, sc.State, pipeline.ReplayConfig{
		Interval:  cfg.Retry.ReplayInterval(),
		PerSecond: cfg.Retry.ReplayRate(),
		MaxAge:    cfg.Retry.MaxAge(),
	}, orch.Complete, logger, replayOpts...)

	handle := orch.Start(cfg.Orchestrator.PollInterval())
	stopReplay := replayer.Start(ctx)

	// Audit retention.
	archiver, err := buildArchiver(ctx, cfg, sc, logger)
	if err != nil {
		return err
	}
	stopArchiver, err := archiver.Start(ctx, cfg.Audit.ArchiveSchedule())
	if err != nil {
		return err
	}
	defer stopArchiver()

	// Readiness.
	if sc.Obs != nil && sc.Obs.Health != nil {
		sc.Obs.Health.AddCheck("sql_store", sc.SQL.Ping)
		sc.Obs.Health.AddCheck("audit_dir", func(context.Context) error {
			_, err := os.Stat(sc.Audit.Dir())
			return err
		})
	}

	// Gateways.
	var gateways []gateway.Gateway
	if gc := cfg.Gateway; gc != nil && gc.Enabled {
		gateways = append(gateways, buildHTTPGateway(gc, sc, monitor, logger))
	}
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline. Gateways go first so no new decisions
	// arrive while the pollers drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	stopReplay()
	if err := handle.Stop(); err != nil {
		logger.Error("stopping orchestrator", slog.String("error", err.Error()))
	}
	if n := orch.Unfinished(); n > 0 {
		logger.Warn("executions awaiting their final transition at shutdown; restart recovery will fail them",
			slog.Int("count", n),
		)
	}
	return nil
}

// buildAdapters registers every configured adapter, wrapped with metrics and
// tracing. The returned function closes MCP sessions.
func buildAdapters(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (*adapter.Registry, func(), error) {
	reg := adapter.NewRegistry()
	var mcps []*mcp.Adapter
	closeAll := func() {
		for _, a := range mcps {
			_ = a.Close()
		}
	}

	seen := make(map[string]bool)
	register := func(a adapter.Adapter) error {
		if seen[a.Name()] {
			return fmt.Errorf("duplicate adapter name %q", a.Name())
		}
		seen[a.Name()] = true
		reg.Register(observability.NewInstrumentedAdapter(a, obs.MetricsOrNil(), obs.TracerOrNil()))
		logger.Debug("adapter registered", slog.String("name", a.Name()), slog.String("domain", a.Domain()))
		return nil
	}

	for _, mc := range cfg.Adapters.MCP {
		a := mcp.New(mc, logger)
		mcps = append(mcps, a)
		if err := register(a); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	for _, wc := range cfg.Adapters.Webhooks {
		if err := register(webhook.New(wc, logger)); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	return reg, closeAll, nil
}

// buildDispatcher creates the failure notification dispatcher.
func buildDispatcher(nc *config.NotificationConfig, defaultDir string, logger *slog.Logger) (*notification.Dispatcher, error) {
	dir := nc.Dir
	if dir == "" {
		dir = defaultDir
	}
	fileSender, err := notification.NewFileSender(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing notification directory: %w", err)
	}
	d := notification.NewDispatcher(logger, fileSender)
	if nc.WebhookURL != "" {
		d.RegisterSender(notification.NewWebhookSender(nc.WebhookURL, logger))
	}
	if sl := nc.Slack; sl != nil && sl.BotToken != "" {
		d.RegisterSender(notification.NewSlackSender(sl.BotToken, sl.ChannelID, logger))
	}
	logger.Debug("notification dispatcher initialized", slog.Int("senders", d.Len()))
	return d, nil
}

// buildArchiver creates the audit retention archiver with its optional S3
// sink.
func buildArchiver(ctx context.Context, cfg *config.Config, sc *SharedComponents, logger *slog.Logger) (*audit.Archiver, error) {
	archiveDir := cfg.Audit.ArchiveDir
	if archiveDir == "" {
		archiveDir = sc.Workspace.ArchiveDir()
	}
	var sinks []audit.Sink
	if s3c := cfg.Audit.S3; s3c != nil {
		sink, err := audit.NewS3Sink(ctx, audit.S3SinkConfig{
			Bucket:   s3c.Bucket,
			Region:   s3c.Region,
			Endpoint: s3c.Endpoint,
			Prefix:   s3c.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing s3 archive sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return audit.NewArchiver(sc.Audit, archiveDir, cfg.Audit.Retention(), logger, sinks...), nil
}

// buildHTTPGateway creates the HTTP API with the event stream mounted.
func buildHTTPGateway(gc *config.HTTPGatewayConfig, sc *SharedComponents, monitor *health.Monitor, logger *slog.Logger) gateway.Gateway {
	keys := map[string]string{}
	if gc.APIKey != "" {
		keys[gc.APIKey] = gc.ApproverName()
	}
	apiCfg := httpapi.Config{
		ListenAddr: gc.Addr(),
		EnableDocs: gc.EnableDocs,
		APIKeys:    keys,
	}
	if obs := sc.Obs; obs != nil {
		apiCfg.HealthChecker = obs.Health
		apiCfg.Metrics = obs.Metrics
		apiCfg.Tracer = obs.SpanTracer()
		if obs.Metrics != nil {
			apiCfg.MetricsRegistry = obs.Metrics.Registry
			if oc := sc.Config.Observability; oc != nil && oc.Metrics != nil {
				apiCfg.MetricsPath = oc.Metrics.Path
			}
		}
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: gc.RateLimit.RequestsPerMinute,
		BurstSize:         gc.RateLimit.BurstSize,
	})
	gw := httpapi.NewGateway(apiCfg, sc.Manager, sc.Audit, monitor, limiter, logger).WithEvents(sc.Events)
	if gc.Events {
		gw.WithHandler("/v1/events", ws.NewServer(sc.Events, gc.APIKey, logger).Handler())
		logger.Debug("websocket event stream enabled", slog.String("path", "/v1/events"))
	}
	return gw
}
