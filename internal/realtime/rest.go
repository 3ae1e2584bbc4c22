package realtime

import (
	"encoding/json"
	"net/http"

	"runstream/internal/protocol"
)

// replayer is implemented by processes that keep their raw output tail.
type replayer interface {
	Replay() []byte
}

type healthResponse struct {
	Status   string `json:"status"`
	Streams  int    `json:"streams"`
	Sessions int    `json:"sessions"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Streams:  len(s.hub.Streams()),
		Sessions: len(s.registry.List()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if !s.registry.Remove(owner) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleSessionOutput(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	entry, ok := s.registry.Get(owner)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	rp, ok := entry.Process.(replayer)
	if !ok {
		writeError(w, http.StatusNotImplemented, "session keeps no raw output")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(rp.Replay())
}

func (s *Server) handleStreamHistory(w http.ResponseWriter, r *http.Request) {
	history := s.hub.History(r.PathValue("id"))
	if history == nil {
		history = []protocol.Envelope{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	if !s.cancelStream(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
