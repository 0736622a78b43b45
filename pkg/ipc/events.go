package ipc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/skiffworks/skiff/pkg/bus"
	"github.com/skiffworks/skiff/pkg/session"
)

// handleEvents streams a session's event feed from the bus to the browser.
// Events are forwarded as-is; they are already JSON on the wire.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		httpError(w, "session id required", http.StatusBadRequest)
		return
	}
	if err := s.authorize(r, sessionID); err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}
	if _, ok := s.sessions.Get(sessionID); !ok {
		httpError(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logServer("events_accept_failed", err.Error(), nil)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)
	metricEventConns.Inc()
	defer metricEventConns.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn)

	feed := make(chan []byte, 64)
	sub, err := s.busConn.Subscribe(ctx, session.EventSubject(sessionID), func(msg *bus.Message) []byte {
		select {
		case feed <- msg.Data:
		default:
			// Slow consumer; drop rather than block the bus.
		}
		return nil
	})
	if err != nil {
		_ = conn.Write(ctx, websocket.MessageText, marshalPTYError(err))
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer sub.Unsubscribe()

	// Drain inbound frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, readErr := conn.Read(ctx); readErr != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "event stream closed")
			return
		case data := <-feed:
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			writeErr := conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if writeErr != nil {
				return
			}
		}
	}
}
