package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/gatekeeper/internal/events"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestStreamDeliversEvents(t *testing.T) {
	bus := events.NewBus(8)
	srv := httptest.NewServer(NewServer(bus, "secret", discard()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for bus.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("server never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	bus.Publish(events.Event{Type: "transition", ApprovalID: "a-1", From: "approved", To: "executing"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ApprovalID != "a-1" || got.To != "executing" {
		t.Errorf("event = %+v", got)
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(NewServer(events.NewBus(1), "secret", discard()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv)+"?token=wrong", nil)
	if err == nil {
		t.Fatal("dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}
