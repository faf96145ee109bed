package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emily-flambe/orca-sub000/internal/events"
)

// sseKeepAlive bounds how long a silent SSE connection goes without a
// comment frame, so intermediaries do not drop it as idle.
const sseKeepAlive = 25 * time.Second

// handleSSE serves GET /api/events as a server-sent event stream. The
// optional issueId query parameter narrows the feed to one task;
// otherwise every event is relayed.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeBadRequest(w, "streaming is not supported on this connection")
		return
	}

	issueID := r.URL.Query().Get("issueId")
	if issueID == "" {
		issueID = events.GlobalIssueID
	}
	sub := s.bus.Subscribe(issueID)
	defer s.bus.Unsubscribe(issueID, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback; browser clients connect through it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket serves GET /ws, relaying the global event feed as JSON
// messages. Client messages are drained and ignored except for close.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.bus.Subscribe(events.GlobalIssueID)
	defer s.bus.Unsubscribe(events.GlobalIssueID, sub)

	// Reader goroutine: surfaces client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
