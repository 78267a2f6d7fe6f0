package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/domain"
)

type fakeClient struct {
	mu      sync.Mutex
	calls   []mcp.CallToolRequest
	result  *mcp.CallToolResult
	callErr error
	pingErr error
	closed  bool
}

func (f *fakeClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func (f *fakeClient) Ping(context.Context) error { return f.pingErr }

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newTestAdapter(c *fakeClient, dials *int) *Adapter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithDialer("mail", "communication", map[string]string{"message_send": "send_email"},
		func(context.Context) (Client, error) {
			*dials++
			return c, nil
		}, logger)
}

func textResult(text string, isErr bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isErr,
	}
}

func TestExecute_MapsToolAndTarget(t *testing.T) {
	c := &fakeClient{result: textResult("queued 42", false)}
	dials := 0
	a := newTestAdapter(c, &dials)

	out, err := a.Execute(context.Background(), adapter.Call{
		RequestID:  "r1",
		ActionType: "message_send",
		Target:     "ops@example.com",
		Parameters: map[string]any{"subject": "hi"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Payload["text"] != "queued 42" {
		t.Errorf("payload = %v", out.Payload)
	}
	if len(c.calls) != 1 || c.calls[0].Params.Name != "send_email" {
		t.Fatalf("calls = %+v", c.calls)
	}
	args := c.calls[0].GetArguments()
	if args["target"] != "ops@example.com" || args["subject"] != "hi" {
		t.Errorf("arguments = %v", args)
	}

	if _, err := a.Execute(context.Background(), adapter.Call{ActionType: "other"}); err != nil {
		t.Fatal(err)
	}
	if c.calls[1].Params.Name != "other" {
		t.Errorf("unmapped tool = %s, want other", c.calls[1].Params.Name)
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestExecute_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
		want   error
	}{
		{"tool error", &fakeClient{result: textResult("invalid recipient", true)}, domain.ErrTerminalTool},
		{"tool rate limit", &fakeClient{result: textResult("Rate limit exceeded", true)}, domain.ErrTransientTool},
		{"transport", &fakeClient{callErr: errors.New("broken pipe")}, domain.ErrTransientTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dials := 0
			a := newTestAdapter(tt.client, &dials)
			_, err := a.Execute(context.Background(), adapter.Call{ActionType: "message_send"})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExecute_ReconnectsAfterTransportFailure(t *testing.T) {
	c := &fakeClient{callErr: errors.New("eof")}
	dials := 0
	a := newTestAdapter(c, &dials)

	_, _ = a.Execute(context.Background(), adapter.Call{ActionType: "x"})
	if !c.closed {
		t.Error("failed client not closed")
	}
	c.callErr = nil
	c.result = textResult("ok", false)
	if _, err := a.Execute(context.Background(), adapter.Call{ActionType: "x"}); err != nil {
		t.Fatal(err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestExecute_DialFailureIsTransient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewWithDialer("x", "general", nil, func(context.Context) (Client, error) {
		return nil, errors.New("connection refused")
	}, logger)
	if _, err := a.Execute(context.Background(), adapter.Call{ActionType: "x"}); !errors.Is(err, domain.ErrTransientTool) {
		t.Errorf("err = %v, want transient", err)
	}
	if p := a.HealthCheck(context.Background()); p.Healthy || p.Err == nil {
		t.Errorf("probe = %+v, want unhealthy", p)
	}
}

func TestHealthCheck(t *testing.T) {
	c := &fakeClient{}
	dials := 0
	a := newTestAdapter(c, &dials)
	if p := a.HealthCheck(context.Background()); !p.Healthy {
		t.Errorf("probe = %+v, want healthy", p)
	}
	c.pingErr = errors.New("no pong")
	if p := a.HealthCheck(context.Background()); p.Healthy {
		t.Error("probe healthy after ping failure")
	}
}
