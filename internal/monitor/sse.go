package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/maraver/planline/internal/streaming"
)

// handleSSEGlobal streams all documents to the client via Server-Sent Events.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.DocFilter{})
}

// handleSSERun streams documents for a specific run.
func (s *Server) handleSSERun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	s.serveSSE(w, r, streaming.DocFilter{RunID: runID})
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.DocFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case doc, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(doc)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", doc.Type, data)
			flusher.Flush()
		}
	}
}
