package api

import (
	"net/http"

	"github.com/VenkatGGG/testswarm/internal/browser"
	"github.com/VenkatGGG/testswarm/pkg/httpx"
)

func (s *Server) handleBrowsers(w http.ResponseWriter, _ *http.Request) {
	profiles := []browser.Profile{}
	if s.browsers != nil {
		profiles = s.browsers.List()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"browsers": profiles})
}

// handleWorkers lists connected workers grouped by profile id, with
// unmatched workers under worker.UnknownProfile.
func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.workers == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"workers": map[string]any{}})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"workers": s.workers.Snapshot(),
		"total":   len(s.workers.List()),
	})
}
