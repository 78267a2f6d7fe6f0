package classifier

import (
	"bytes"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/config"
)

func testRules() []Rule {
	return []Rule{
		{Domain: "communication", Sources: []string{"gmail-mcp"}, Keywords: []string{"email", "send", "message"}},
		{Domain: "social", Sources: []string{"x-mcp"}, Keywords: []string{"post", "publish", "send"}},
		{Domain: "accounting", Sources: []string{"odoo"}, Keywords: []string{"invoice", "payment"}},
	}
}

func TestClassify(t *testing.T) {
	c := New(testRules(), "general", nil)

	tests := []struct {
		name       string
		req        approval.Request
		domain     string
		confidence Confidence
	}{
		{
			name:       "source allowlist beats keywords",
			req:        approval.Request{ActionType: "send_invoice", ToolRef: "x-mcp"},
			domain:     "social",
			confidence: ConfidenceExact,
		},
		{
			name:       "producer source",
			req:        approval.Request{ActionType: "anything", Source: "odoo"},
			domain:     "accounting",
			confidence: ConfidenceExact,
		},
		{
			name:       "keyword scoring",
			req:        approval.Request{ActionType: "create_invoice", Parameters: map[string]any{"note": "payment due"}},
			domain:     "accounting",
			confidence: ConfidenceKeyword,
		},
		{
			name:       "tie broken by declaration order",
			req:        approval.Request{ActionType: "send"},
			domain:     "communication",
			confidence: ConfidenceKeyword,
		},
		{
			name:       "higher score wins over order",
			req:        approval.Request{ActionType: "publish_post", Target: "send"},
			domain:     "social",
			confidence: ConfidenceKeyword,
		},
		{
			name:       "nested parameters count",
			req:        approval.Request{ActionType: "sync", Parameters: map[string]any{"lines": []any{map[string]any{"kind": "invoice"}}}},
			domain:     "accounting",
			confidence: ConfidenceKeyword,
		},
		{
			name:       "default",
			req:        approval.Request{ActionType: "reticulate_splines"},
			domain:     "general",
			confidence: ConfidenceLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(&tt.req)
			if got.Domain != tt.domain || got.Confidence != tt.confidence {
				t.Errorf("Classify = %s/%s, want %s/%s", got.Domain, got.Confidence, tt.domain, tt.confidence)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := New(testRules(), "general", nil)
	req := &approval.Request{
		ActionType: "send_message",
		Parameters: map[string]any{"post": "x", "email": "y", "invoice": "z", "payment": "w"},
	}
	first := c.Classify(req)
	for i := 0; i < 50; i++ {
		if got := c.Classify(req); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestTag_LogsLowConfidence(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	c := New(testRules(), "", logger)

	if got := c.Tag(&approval.Request{ID: "r1", ActionType: "mystery"}); got != "general" {
		t.Errorf("Tag = %s, want general", got)
	}
	if !strings.Contains(buf.String(), "low-confidence classification") {
		t.Errorf("no warning logged: %q", buf.String())
	}

	buf.Reset()
	c.Tag(&approval.Request{ActionType: "send_email"})
	if buf.Len() != 0 {
		t.Errorf("confident classification logged: %q", buf.String())
	}
}

func TestFromConfig_DefaultTable(t *testing.T) {
	c := FromConfig(&config.ClassifierConfig{}, nil)
	if c.Default() != "general" {
		t.Errorf("Default = %s", c.Default())
	}
	got := c.Classify(&approval.Request{ActionType: "tweet", Parameters: map[string]any{"text": "publish this"}})
	if got.Domain != "social" {
		t.Errorf("domain = %s, want social", got.Domain)
	}
}
