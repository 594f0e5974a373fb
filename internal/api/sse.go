package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/nodeflow/internal/xjson"
)

// handleStream replays an execution's events and then follows it live via
// Server-Sent Events. Resumes after Last-Event-ID or ?since=.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil {
			since = n
		}
	}

	id := r.PathValue("id")
	ch, err := s.svc.StreamExecutionEvents(r.Context(), id, int64(since))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range ch {
		data, err := xjson.Marshal(event)
		if err != nil {
			s.logger.WarnContext(r.Context(), "SSE encode failed", "execution_id", id, "error", err)
			continue
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
		flusher.Flush()
	}
}
