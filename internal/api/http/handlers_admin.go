package apihttp

import (
	"net/http"
	"strings"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "streams not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.streams.Stats())
}

type cleanupResponse struct {
	Success string `json:"success"`
	Entries int    `json:"evictedEntries"`
	Bytes   int64  `json:"evictedBytes"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "streams not configured")
		return
	}
	res := s.streams.ClearBuffers()
	writeJSON(w, http.StatusOK, cleanupResponse{Success: "ok", Entries: res.Entries, Bytes: res.Bytes})
}

// handleStreamByID serves POST /streams/{sessionId}/drain.
func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/streams/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "drain" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "streams not configured")
		return
	}
	if err := s.streams.DrainSession(parts[0]); err != nil {
		writeStreamError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
