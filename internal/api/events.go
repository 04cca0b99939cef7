package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkarel/storyforge/internal/model"
	"github.com/mkarel/storyforge/internal/store"
)

// handleStreamEvents streams task state snapshots over SSE until the task
// reaches a terminal state or the client disconnects. Every snapshot is
// state already committed to the store; the stream is a mirror, not a
// source of truth, and a client that reconnects just re-reads the task.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.manager.GetStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Already terminal: emit the final snapshot and close immediately.
	if model.TerminalStatus(t.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSESnapshot(w, t)
		_ = writeSSEEvent(w, "done", t.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before sending the initial snapshot. This is safe even if
	// the task finished between the status check above and this call —
	// Subscribe on a closed topic returns a closed channel, causing the
	// loop below to exit after re-reading the terminal state.
	ch, unsub := s.manager.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	last := *t
	if err := writeSSESnapshot(w, t); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case u, ok := <-ch:
			if !ok {
				// Task finished; fetch the committed terminal state so the
				// stream always ends on it even if the last update was
				// dropped.
				final := last
				if got, err := s.manager.GetStatus(r.Context(), id); err == nil {
					final = *got
				}
				_ = writeSSESnapshot(w, &final)
				_ = writeSSEEvent(w, "done", final.Status)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			last = u
			if err := writeSSESnapshot(w, &u); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSESnapshot writes one task snapshot as an SSE data event.
func writeSSESnapshot(w http.ResponseWriter, t *model.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
