// Package ws streams lifecycle events to WebSocket clients. Each connection
// receives every transition published after it connects, one JSON object per
// message.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/gatekeeper/internal/events"
)

// Subprotocol is negotiated when the client offers it.
const Subprotocol = "gatekeeper-events-v1"

// Source hands out event subscriptions.
type Source interface {
	Subscribe() (<-chan events.Event, func())
}

// Server upgrades connections and forwards events.
type Server struct {
	source       Source
	token        string
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewServer creates an event stream server. An empty token disables
// authentication.
func NewServer(source Source, token string, logger *slog.Logger) *Server {
	return &Server{
		source:       source,
		token:        token,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	s.stream(r.Context(), conn)
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn) {
	sub, cancel := s.source.Subscribe()
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx = conn.CloseRead(ctx)
	s.logger.Info("event stream opened")

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("event stream closed")
			return
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				s.logger.Warn("event stream ping failed", slog.String("error", err.Error()))
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, s.writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				s.logger.Warn("event stream write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
