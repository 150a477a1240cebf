package api

import (
	"net/http"
	"time"

	"relay/internal/buildinfo"
)

// DebugJSON reports build info and the effective configuration. Secrets are
// excluded by the config types' json tags.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	cfg := *s.Config
	cfg.Database.URL = redact(cfg.Database.URL)
	cfg.Redis.URL = redact(cfg.Redis.URL)
	cfg.NATS.URL = redact(cfg.NATS.URL)
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": cfg,
	})
}

func redact(url string) string {
	if url == "" {
		return ""
	}
	return "set"
}
