// Package webhook implements an adapter.Adapter that posts actions as JSON
// to a plain HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/config"
)

const maxBody = 1 << 20

// Adapter posts each call to a fixed URL.
//
// Response classification: 2xx succeeds, 429 is a rate-limit error, 408 and
// 5xx are transient, every other status is terminal. Network failures are
// transient.
type Adapter struct {
	name      string
	domain    string
	url       string
	healthURL string
	headers   map[string]string
	client    *http.Client
	now       func() time.Time
	logger    *slog.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates a webhook adapter from config.
func New(cfg config.WebhookAdapterConfig, logger *slog.Logger) *Adapter {
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	health := cfg.HealthURL
	if health == "" {
		health = cfg.URL
	}
	return &Adapter{
		name:      cfg.Name,
		domain:    cfg.Domain,
		url:       cfg.URL,
		healthURL: health,
		headers:   headers,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now:    time.Now,
		logger: logger,
	}
}

func (a *Adapter) Name() string   { return a.name }
func (a *Adapter) Domain() string { return a.domain }

type requestBody struct {
	RequestID  string         `json:"request_id"`
	Domain     string         `json:"domain"`
	ActionType string         `json:"action_type"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters"`
}

// Execute posts the call and classifies the response.
func (a *Adapter) Execute(ctx context.Context, call adapter.Call) (*adapter.Output, error) {
	body, err := json.Marshal(requestBody{
		RequestID:  call.RequestID,
		Domain:     call.Domain,
		ActionType: call.ActionType,
		Target:     call.Target,
		Parameters: call.Parameters,
	})
	if err != nil {
		return nil, adapter.Terminal(fmt.Errorf("encoding parameters: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, adapter.Terminal(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Gatekeeper-Webhook/1.0")
	req.Header.Set("Idempotency-Key", call.RequestID)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, adapter.Transient(fmt.Errorf("sending request: %w", err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	rl := parseRateLimit(resp.Header, a.now())
	if resp.StatusCode >= 300 {
		a.logger.WarnContext(ctx, "webhook call rejected",
			slog.String("adapter", a.name),
			slog.String("approval_id", call.RequestID),
			slog.Int("status", resp.StatusCode),
		)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &adapter.Output{Payload: decodePayload(raw, resp.StatusCode), RateLimit: rl}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		limit := adapter.RateLimit{ResetAt: a.now().Add(time.Minute)}
		if rl != nil {
			limit = *rl
		}
		return nil, &adapter.RateLimitError{Limit: limit, Err: statusError(resp.StatusCode, raw)}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return nil, adapter.Transient(statusError(resp.StatusCode, raw))
	default:
		return nil, adapter.Terminal(statusError(resp.StatusCode, raw))
	}
}

// HealthCheck issues a GET against the health URL. Any status below 500
// other than 429 counts as reachable.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Probe {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.healthURL, nil)
	if err != nil {
		return adapter.Probe{Err: err}
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.Probe{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))

	p := adapter.Probe{RateLimit: parseRateLimit(resp.Header, a.now())}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		p.Err = fmt.Errorf("health check returned %d", resp.StatusCode)
		return p
	}
	p.Healthy = true
	return p
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		return fmt.Errorf("endpoint returned %d", code)
	}
	return fmt.Errorf("endpoint returned %d: %s", code, msg)
}

func decodePayload(raw []byte, status int) map[string]any {
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &out) == nil && out != nil {
		return out
	}
	out = map[string]any{"status_code": status}
	if len(raw) > 0 {
		out["body"] = string(raw)
	}
	return out
}

// parseRateLimit reads X-RateLimit-Remaining with X-RateLimit-Reset (unix
// seconds, or seconds from now when small) or Retry-After. Returns nil when
// the response carries no quota information.
func parseRateLimit(h http.Header, now time.Time) *adapter.RateLimit {
	remaining, hasRemaining := intHeader(h, "X-RateLimit-Remaining")
	var reset time.Time
	if v, ok := intHeader(h, "X-RateLimit-Reset"); ok {
		if v > 1_000_000_000 {
			reset = time.Unix(int64(v), 0)
		} else {
			reset = now.Add(time.Duration(v) * time.Second)
		}
	}
	if ra := strings.TrimSpace(h.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			reset = now.Add(time.Duration(secs) * time.Second)
		} else if t, err := http.ParseTime(ra); err == nil {
			reset = t
		}
		if !hasRemaining {
			remaining, hasRemaining = 0, true
		}
	}
	if !hasRemaining && reset.IsZero() {
		return nil
	}
	return &adapter.RateLimit{Remaining: remaining, ResetAt: reset}
}

func intHeader(h http.Header, key string) (int, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
