package api

import (
	"net/http"
	"sort"
)

// handleHealth reports liveness and basic node stats.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"devices": len(s.node.DeviceIDs()),
	})
}

// handleListDevices reports the attached device ids.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	ids := s.node.DeviceIDs()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": ids,
		"count":   len(ids),
	})
}
