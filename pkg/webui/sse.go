package webui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"coderunner/pkg/proto"
)

// handleEvents streams a job's event log as Server-Sent Events: the full
// backlog first, then live events as they happen, with comment heartbeats to
// keep intermediaries from idling out the connection. The stream ends when
// the job reaches a terminal status or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	backlog, live, cancel, err := s.bcast.Subscribe(r.Context(), jobID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for i := range backlog {
		if !s.writeEvent(w, &backlog[i]) {
			return
		}
	}
	flusher.Flush()

	interval := s.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-live:
			if !open {
				// Channel closed: the job settled and CloseJob ran. The done
				// event was delivered before the close.
				return
			}
			if !s.writeEvent(w, &event) {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent frames one event in SSE format. Returns false when the client
// connection is gone.
func (s *Server) writeEvent(w http.ResponseWriter, event *proto.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to encode event %s for job %s: %v", event.Type, event.JobID, err)
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return false
	}
	return true
}
