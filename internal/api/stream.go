package api

import (
	"net/http"
	"strconv"
)

// handleStream serves the session event queue over SSE. Reconnecting clients
// resume from Last-Event-ID (or ?last_seq=); replay covers whatever the ring
// still holds.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		resp := newResponder(s.clock, "/api/face/stream")
		resp.badRequest(w, "", "session_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastSeq uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastSeq, _ = strconv.ParseUint(v, 10, 64)
	} else if v := r.URL.Query().Get("last_seq"); v != "" {
		lastSeq, _ = strconv.ParseUint(v, 10, 64)
	}

	sub, err := s.manager.Subscribe(sessionID, lastSeq)
	if err != nil {
		resp := newResponder(s.clock, "/api/face/stream")
		resp.fail(w, sessionID, err, nil)
		return
	}
	defer s.manager.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			block, err := ev.SSE()
			if err != nil {
				continue
			}
			if _, err := w.Write(block); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
