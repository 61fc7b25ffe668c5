package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogs serves real-time log output.
//   - WebSocket clients: upgrade to ws and stream log lines as text messages,
//     or structured records as JSON objects with ?format=json.
//   - Plain HTTP clients: chunked transfer with text/plain, flushed per line.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if r.URL.Query().Get("format") == "json" && s.logHub != nil {
			s.handleRecordsWS(w, r)
			return
		}
		s.handleLogsWS(w, r)
		return
	}
	s.handleLogsHTTP(w, r)
}

// readPump drains the connection; done closes when the client goes away.
func readPump(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

func (s *APIServer) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	if s.logBroadcaster == nil {
		http.Error(w, "log streaming disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ch := s.logBroadcaster.Subscribe()
	defer s.logBroadcaster.Unsubscribe(ch)
	done := readPump(conn)

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *APIServer) handleRecordsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	id, ch := s.logHub.Subscribe()
	defer s.logHub.Unsubscribe(id)
	done := readPump(conn)

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(recordJSON(rec)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func recordJSON(r slog.Record) map[string]any {
	out := map[string]any{
		"time":  r.Time.UnixMilli(),
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	attrs := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, a)
		return true
	})
	if len(attrs) > 0 {
		out["attrs"] = attrs
	}
	return out
}

func addAttr(dst map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		group := map[string]any{}
		for _, ga := range v.Group() {
			addAttr(group, ga)
		}
		if a.Key == "" {
			for k, gv := range group {
				dst[k] = gv
			}
			return
		}
		dst[a.Key] = group
		return
	}
	if err, ok := v.Any().(error); ok {
		dst[a.Key] = err.Error()
		return
	}
	dst[a.Key] = v.Any()
}

func (s *APIServer) handleLogsHTTP(w http.ResponseWriter, r *http.Request) {
	if s.logBroadcaster == nil {
		http.Error(w, "log streaming disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.logBroadcaster.Subscribe()
	defer s.logBroadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
