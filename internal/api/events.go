package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/graaaaa/livecast/internal/session"
)

// snapshotEvent is the SSE event name of the initial state.
const snapshotEvent = "snapshot"

// handleEvents handles GET /api/v1/streams/{id}/events (SSE). The stream
// opens with a full snapshot and then sends one event per update, each
// carrying the complete state, so a reconnecting client needs no replay.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}
	sess, _ := s.streamSession(w, r)
	if sess == nil {
		return
	}

	ctx := r.Context()
	sub, err := sess.Subscribe(ctx)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var seq uint64
	writeSSE(w, seq, snapshotEvent, session.Update{Type: snapshotEvent, Snapshot: sess.Snapshot()})
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case u, ok := <-sub.Events():
			if !ok {
				return
			}
			seq++
			writeSSE(w, seq, u.Type, u)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprint(w, ":\n\n")
			flusher.Flush()

		case <-ctx.Done():
			return

		case <-sub.Done():
			return
		}
	}
}

// writeSSE writes one event in SSE format.
func writeSSE(w http.ResponseWriter, id uint64, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\n", id)
	fmt.Fprintf(w, "event: %s\n", name)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
