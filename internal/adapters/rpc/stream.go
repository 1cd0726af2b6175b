package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"panthalassa/go-core/internal/upstream"
)

const heartbeatInterval = 20 * time.Second

// handleStream serves one upstream channel as server-sent events. The
// cursor query parameter or Last-Event-ID resumes after a sequence number.
func (s *Server) handleStream(hub *upstream.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.applyCORS(w, r) {
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !s.authorize(w, r) {
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		release, allowed := s.streams.acquire(rateLimitKey(r, extractToken(r)))
		if !allowed {
			http.Error(w, "too many stream subscriptions", http.StatusTooManyRequests)
			return
		}
		defer release()
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming is not supported", http.StatusInternalServerError)
			return
		}
		cursor, err := streamCursor(r)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		replay, live, cancel := hub.Subscribe(cursor)
		defer cancel()
		for _, evt := range replay {
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
		}
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-live:
				if !ok {
					return
				}
				if err := writeSSEEvent(w, evt); err != nil {
					return
				}
				flusher.Flush()
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	}
}

func streamCursor(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid cursor %q", raw)
	}
	return v, nil
}

// writeSSEEvent frames one upstream payload. Data is the exact string the
// core sent, wrapped with its channel and sequence number.
func writeSSEEvent(w http.ResponseWriter, evt upstream.Event) error {
	frame := struct {
		Seq       int64           `json:"seq"`
		Channel   string          `json:"channel"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data,omitempty"`
		Raw       string          `json:"raw,omitempty"`
	}{Seq: evt.Seq, Channel: evt.Channel, Timestamp: evt.Timestamp}
	if json.Valid([]byte(evt.Data)) {
		frame.Data = json.RawMessage(evt.Data)
	} else {
		frame.Raw = evt.Data
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", evt.Seq); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
