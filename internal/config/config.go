// Package config handles loading and validating gatekeeper configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for gatekeeper.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Default: ~/.gatekeeper. Override: GATEKEEPER_DATA_DIR env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info, warn, error. Default: info.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = file state store + SQLite under data_dir.
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Orchestrator  OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Retry         RetryConfig          `json:"retry" yaml:"retry"`
	Health        HealthConfig         `json:"health" yaml:"health"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Classifier    ClassifierConfig     `json:"classifier" yaml:"classifier"`
	Adapters      AdaptersConfig       `json:"adapters" yaml:"adapters"`
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = failure side records only in the log.
	Gateway       *HTTPGatewayConfig   `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = HTTP API disabled.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled.
}

// StorageConfig configures the persistence backends.
type StorageConfig struct {
	State    string                 `json:"state" yaml:"state"`                           // "file" (default) or "sql".
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StateBackend returns the approval state backend, defaulting to "file".
func (s *StorageConfig) StateBackend() string {
	if s != nil && s.State != "" {
		return s.State
	}
	return "file"
}

// SQLDriver returns the SQL driver name, defaulting to "sqlite".
func (s *StorageConfig) SQLDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/gatekeeper.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // Default: "wal"
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: GATEKEEPER_DATABASE_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ApprovalConfig configures the approval lifecycle.
type ApprovalConfig struct {
	TTLSeconds   int                 `json:"ttl_seconds" yaml:"ttl_seconds"` // How long a pending record stays decidable. 0 = 24h.
	AutoApproval *AutoApprovalConfig `json:"auto_approval,omitempty" yaml:"auto_approval,omitempty"`
}

// TTL returns the approval time-to-live.
func (a *ApprovalConfig) TTL() time.Duration {
	if a != nil && a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

// AutoApprovalConfig controls policy-based approval of pending records.
// Rules are CEL expressions over the variable "request"; any match approves.
type AutoApprovalConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	MaxRisk string   `json:"max_risk" yaml:"max_risk"` // Highest risk level eligible. Default: "low".
	Rules   []string `json:"rules" yaml:"rules"`
}

// OrchestratorConfig configures the pollers.
type OrchestratorConfig struct {
	PollIntervalSeconds float64 `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 5.
	MaxConcurrent       int     `json:"max_concurrent" yaml:"max_concurrent"`               // Executions per pass. Default: 4.
	Actor               string  `json:"actor" yaml:"actor"`                                 // Audit actor name. Default: "orchestrator".
}

// PollInterval returns the poll interval for the approval and expiration pollers.
func (o *OrchestratorConfig) PollInterval() time.Duration {
	if o != nil && o.PollIntervalSeconds > 0 {
		return seconds(o.PollIntervalSeconds)
	}
	return 5 * time.Second
}

// Concurrency returns the maximum concurrent executions per poll pass.
func (o *OrchestratorConfig) Concurrency() int {
	if o != nil && o.MaxConcurrent > 0 {
		return o.MaxConcurrent
	}
	return 4
}

// ActorName returns the actor recorded on orchestrator audit entries.
func (o *OrchestratorConfig) ActorName() string {
	if o != nil && o.Actor != "" {
		return o.Actor
	}
	return "orchestrator"
}

// RetryConfig configures immediate retries and the replay worker.
type RetryConfig struct {
	ScheduleSeconds       []float64 `json:"schedule_seconds" yaml:"schedule_seconds"`               // Delay before each retry. Default: [1, 2, 4].
	Attempts              int       `json:"max_attempts" yaml:"max_attempts"`                       // Total immediate attempts. Default: 3.
	ReplayIntervalSeconds float64   `json:"replay_interval_seconds" yaml:"replay_interval_seconds"` // Default: 30.
	ReplayPerSecond       float64   `json:"replay_per_second" yaml:"replay_per_second"`             // Replay pacing. Default: 5.
	MaxAgeHours           int       `json:"max_age_hours" yaml:"max_age_hours"`                     // Archive cached requests older than this. Default: 168.
	CallTimeoutSeconds    float64   `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`       // Per adapter call. Default: 30.
}

// Schedule returns the backoff delays between immediate attempts.
func (r *RetryConfig) Schedule() []time.Duration {
	if r != nil && len(r.ScheduleSeconds) > 0 {
		out := make([]time.Duration, len(r.ScheduleSeconds))
		for i, s := range r.ScheduleSeconds {
			out[i] = seconds(s)
		}
		return out
	}
	return []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
}

// MaxAttempts returns the total number of immediate attempts per invocation.
func (r *RetryConfig) MaxAttempts() int {
	if r != nil && r.Attempts > 0 {
		return r.Attempts
	}
	return 3
}

// ReplayInterval returns how often the replay worker scans the retry queue.
func (r *RetryConfig) ReplayInterval() time.Duration {
	if r != nil && r.ReplayIntervalSeconds > 0 {
		return seconds(r.ReplayIntervalSeconds)
	}
	return 30 * time.Second
}

// ReplayRate returns the maximum replays per second.
func (r *RetryConfig) ReplayRate() float64 {
	if r != nil && r.ReplayPerSecond > 0 {
		return r.ReplayPerSecond
	}
	return 5
}

// MaxAge returns the age after which cached requests are archived.
func (r *RetryConfig) MaxAge() time.Duration {
	if r != nil && r.MaxAgeHours > 0 {
		return time.Duration(r.MaxAgeHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// CallTimeout returns the per-call adapter timeout.
func (r *RetryConfig) CallTimeout() time.Duration {
	if r != nil && r.CallTimeoutSeconds > 0 {
		return seconds(r.CallTimeoutSeconds)
	}
	return 30 * time.Second
}

// HealthConfig configures endpoint health probing.
type HealthConfig struct {
	IntervalSeconds    float64 `json:"interval_seconds" yaml:"interval_seconds"`           // Default: 60.
	DegradedThreshold  int     `json:"degraded_after" yaml:"degraded_after"`               // Consecutive failures. Default: 2.
	DownThreshold      int     `json:"down_after" yaml:"down_after"`                       // Consecutive failures. Default: 5.
	RecoveryThreshold  int     `json:"recover_after" yaml:"recover_after"`                 // Consecutive successes. Default: 2.
	ProbeTimeoutSecond float64 `json:"probe_timeout_seconds" yaml:"probe_timeout_seconds"` // Default: 10.
}

// Interval returns the probe interval.
func (h *HealthConfig) Interval() time.Duration {
	if h != nil && h.IntervalSeconds > 0 {
		return seconds(h.IntervalSeconds)
	}
	return 60 * time.Second
}

// DegradedAfter returns the failure count that marks an endpoint degraded.
func (h *HealthConfig) DegradedAfter() int {
	if h != nil && h.DegradedThreshold > 0 {
		return h.DegradedThreshold
	}
	return 2
}

// DownAfter returns the failure count that marks an endpoint down.
func (h *HealthConfig) DownAfter() int {
	if h != nil && h.DownThreshold > 0 {
		return h.DownThreshold
	}
	return 5
}

// RecoverAfter returns the success count needed to return to healthy.
func (h *HealthConfig) RecoverAfter() int {
	if h != nil && h.RecoveryThreshold > 0 {
		return h.RecoveryThreshold
	}
	return 2
}

// ProbeTimeout returns the timeout for a single health probe.
func (h *HealthConfig) ProbeTimeout() time.Duration {
	if h != nil && h.ProbeTimeoutSecond > 0 {
		return seconds(h.ProbeTimeoutSecond)
	}
	return 10 * time.Second
}

// AuditConfig configures the audit log and its retention.
type AuditConfig struct {
	Dir           string           `json:"dir,omitempty" yaml:"dir,omitempty"`                 // Default: <data_dir>/audit
	ArchiveDir    string           `json:"archive_dir,omitempty" yaml:"archive_dir,omitempty"` // Default: <data_dir>/archive
	RetentionDays int              `json:"retention_days" yaml:"retention_days"`               // Default: 90.
	Schedule      string           `json:"archive_schedule" yaml:"archive_schedule"`           // 5-field cron. Default: "15 3 * * *".
	S3            *S3ArchiveConfig `json:"s3,omitempty" yaml:"s3,omitempty"`                   // nil = local archives only.
}

// Retention returns the audit retention horizon.
func (a *AuditConfig) Retention() time.Duration {
	if a != nil && a.RetentionDays > 0 {
		return time.Duration(a.RetentionDays) * 24 * time.Hour
	}
	return 90 * 24 * time.Hour
}

// ArchiveSchedule returns the cron expression for the retention archiver.
func (a *AuditConfig) ArchiveSchedule() string {
	if a != nil && a.Schedule != "" {
		return a.Schedule
	}
	return "15 3 * * *"
}

// S3ArchiveConfig configures upload of compressed audit archives.
type S3ArchiveConfig struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // MinIO, LocalStack.
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// ClassifierConfig is the domain classification rule table.
// Rules are evaluated in declaration order for tie-breaking.
type ClassifierConfig struct {
	Default string           `json:"default" yaml:"default"` // Default: "general".
	Rules   []ClassifierRule `json:"rules" yaml:"rules"`
}

// ClassifierRule maps sources and keywords to a domain.
type ClassifierRule struct {
	Domain   string   `json:"domain" yaml:"domain"`
	Sources  []string `json:"sources,omitempty" yaml:"sources,omitempty"`   // Exact tool_ref / target matches.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"` // Positive keywords, case-insensitive.
}

// DefaultDomain returns the fallback domain.
func (c *ClassifierConfig) DefaultDomain() string {
	if c != nil && c.Default != "" {
		return c.Default
	}
	return "general"
}

// RuleTable returns the configured rules, or the built-in table when none are set.
func (c *ClassifierConfig) RuleTable() []ClassifierRule {
	if c != nil && len(c.Rules) > 0 {
		return c.Rules
	}
	return []ClassifierRule{
		{Domain: "communication", Keywords: []string{"email", "message", "send", "reply", "mail", "sms", "whatsapp"}},
		{Domain: "social", Keywords: []string{"post", "tweet", "linkedin", "publish", "social", "facebook", "instagram"}},
		{Domain: "accounting", Keywords: []string{"invoice", "payment", "expense", "ledger", "bill", "receipt", "odoo"}},
	}
}

// AdaptersConfig lists the tool adapters to register at startup.
type AdaptersConfig struct {
	MCP      []MCPServerConfig      `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	Webhooks []WebhookAdapterConfig `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
}

// MCPServerConfig defines a single external MCP server used as a tool adapter.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Adapter name referenced by tool_ref.
	Domain    string            `json:"domain" yaml:"domain"`                       // Domain this endpoint serves.
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers. Values support ${VAR} expansion.
	Tools     map[string]string `json:"tools,omitempty" yaml:"tools,omitempty"`     // action_type -> MCP tool name. Unmapped action types call the tool of the same name.
}

// WebhookAdapterConfig defines a plain HTTP JSON endpoint used as a tool adapter.
type WebhookAdapterConfig struct {
	Name           string            `json:"name" yaml:"name"`
	Domain         string            `json:"domain" yaml:"domain"`
	URL            string            `json:"url" yaml:"url"`
	HealthURL      string            `json:"health_url,omitempty" yaml:"health_url,omitempty"` // Default: URL with GET.
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`       // Values support ${VAR} expansion.
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`           // Default: 30.
}

// NotificationConfig configures failure side records.
type NotificationConfig struct {
	Enabled    bool                     `json:"enabled" yaml:"enabled"`
	Dir        string                   `json:"dir,omitempty" yaml:"dir,omitempty"`                 // Default: <data_dir>/notifications
	WebhookURL string                   `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"` // Optional follow-up webhook.
	Slack      *SlackNotificationConfig `json:"slack,omitempty" yaml:"slack,omitempty"`             // nil = no Slack messages.
}

// SlackNotificationConfig posts failure messages to a Slack channel.
type SlackNotificationConfig struct {
	BotToken  string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"` // Override: GATEKEEPER_SLACK_BOT_TOKEN env var.
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

// HTTPGatewayConfig configures the HTTP API.
type HTTPGatewayConfig struct {
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	EnableDocs bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr string          `json:"listen_addr" yaml:"listen_addr"`             // Default: ":8080"
	APIKey     string          `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: GATEKEEPER_API_KEY env var.
	Approver   string          `json:"approver" yaml:"approver"`                   // Name recorded as decider. Default: "human".
	Events     bool            `json:"events" yaml:"events"`                       // Enable the WebSocket event stream.
	RateLimit  RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address.
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// ApproverName returns the decider recorded for API decisions.
func (h *HTTPGatewayConfig) ApproverName() string {
	if h != nil && h.Approver != "" {
		return h.Approver
	}
	return "human"
}

// RateLimitConfig configures API rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "gatekeeper"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// DefaultConfigPath returns the default config file path (~/.gatekeeper/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/gatekeeper.yaml"
	}
	return filepath.Join(home, ".gatekeeper", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes config bytes in the format implied by ext, applies
// environment overrides, and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEKEEPER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GATEKEEPER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GATEKEEPER_API_KEY"); v != "" {
		if c.Gateway == nil {
			c.Gateway = &HTTPGatewayConfig{}
		}
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("GATEKEEPER_SLACK_BOT_TOKEN"); v != "" && c.Notification != nil && c.Notification.Slack != nil {
		c.Notification.Slack.BotToken = v
	}
	if v := os.Getenv("GATEKEEPER_DATABASE_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

// Default returns an empty configuration with environment overrides applied.
// Every setting falls back to its accessor default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".gatekeeper")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "gatekeeper.db")
}

// Level returns the configured slog level name, defaulting to "info".
func (c *Config) Level() string {
	if c.LogLevel == "" {
		return "info"
	}
	return strings.ToLower(c.LogLevel)
}

func (c *Config) validate() error {
	switch c.Level() {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported", c.LogLevel)
	}
	if c.Storage != nil {
		switch c.Storage.StateBackend() {
		case "file", "sql":
		default:
			return fmt.Errorf("storage.state %q is not supported (use file or sql)", c.Storage.State)
		}
		switch c.Storage.SQLDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required when storage.driver=postgres")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Approval.TTLSeconds < 0 {
		return fmt.Errorf("approval.ttl_seconds must not be negative")
	}
	if aa := c.Approval.AutoApproval; aa != nil && aa.Enabled && len(aa.Rules) == 0 {
		return fmt.Errorf("approval.auto_approval.rules must not be empty when enabled")
	}
	for i, s := range c.Retry.ScheduleSeconds {
		if s < 0 {
			return fmt.Errorf("retry.schedule_seconds[%d] must not be negative", i)
		}
	}
	if c.Health.DownAfter() <= c.Health.DegradedAfter() {
		return fmt.Errorf("health.down_after (%d) must be greater than health.degraded_after (%d)",
			c.Health.DownAfter(), c.Health.DegradedAfter())
	}
	for i, r := range c.Classifier.Rules {
		if r.Domain == "" {
			return fmt.Errorf("classifier.rules[%d].domain is required", i)
		}
		if len(r.Sources) == 0 && len(r.Keywords) == 0 {
			return fmt.Errorf("classifier.rules[%d] (%s) needs sources or keywords", i, r.Domain)
		}
	}
	names := make(map[string]bool)
	for _, m := range c.Adapters.MCP {
		if m.Name == "" {
			return fmt.Errorf("adapters.mcp: name is required")
		}
		if names[m.Name] {
			return fmt.Errorf("adapters: duplicate adapter name %q", m.Name)
		}
		names[m.Name] = true
		switch m.Transport {
		case "stdio":
			if m.Command == "" {
				return fmt.Errorf("adapters.mcp.%s: command is required for stdio transport", m.Name)
			}
		case "sse", "streamable_http":
			if m.URL == "" {
				return fmt.Errorf("adapters.mcp.%s: url is required for %s transport", m.Name, m.Transport)
			}
		default:
			return fmt.Errorf("adapters.mcp.%s: transport %q is not supported", m.Name, m.Transport)
		}
	}
	for _, w := range c.Adapters.Webhooks {
		if w.Name == "" || w.URL == "" {
			return fmt.Errorf("adapters.webhooks: name and url are required")
		}
		if names[w.Name] {
			return fmt.Errorf("adapters: duplicate adapter name %q", w.Name)
		}
		names[w.Name] = true
	}
	if c.Audit.S3 != nil && c.Audit.S3.Bucket == "" {
		return fmt.Errorf("audit.s3.bucket is required when audit.s3 is set")
	}
	if c.Gateway != nil && c.Gateway.Enabled && c.Gateway.APIKey == "" {
		return fmt.Errorf("gateway.api_key (or GATEKEEPER_API_KEY) is required when the HTTP API is enabled")
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
