package api

import (
	_ "embed"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if path, ok := resolvedDashboardDir(s.dashboardDir); ok {
		http.ServeFile(w, r, filepath.Join(path, "index.html"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

func (s *Server) handleDashboardAsset(w http.ResponseWriter, r *http.Request) {
	path, ok := resolvedDashboardDir(s.dashboardDir)
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.FileServer(http.Dir(path)).ServeHTTP(w, r)
}

func resolvedDashboardDir(configured string) (string, bool) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return "", false
	}
	abs, err := filepath.Abs(configured)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(filepath.Join(abs, "index.html"))
	if err != nil || info.IsDir() {
		return "", false
	}
	return abs, true
}

//go:embed assets/dashboard.html
var dashboardHTML string
