package server

import (
	"net/http"
	"time"

	"turntable/internal/cache"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Uptime      string                 `json:"uptime"`
	Cache       string                 `json:"cache"`
	CacheStats  *cache.Stats           `json:"cacheStats,omitempty"`
	Library     string                 `json:"library"`
	Tracks      int                    `json:"trackCount"`
	Sessions    int                    `json:"activeSessions"`
	Subscribers int                    `json:"stateSubscribers"`
	PublicURL   string                 `json:"publicUrl,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (cs *ConsoleServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Uptime:      time.Since(cs.startedAt).Round(time.Second).String(),
		Cache:       "ok",
		Library:     "disabled",
		Subscribers: cs.console.Store().SubscriberCount(),
		PublicURL:   cs.tunnel.PublicURL(),
		Details:     make(map[string]interface{}),
	}

	stats, err := cs.console.CacheStats(r.Context())
	if err != nil {
		health.Status = "unhealthy"
		health.Cache = "error"
		health.Details["cache_error"] = err.Error()
	} else {
		health.CacheStats = &stats
	}

	if cs.library != nil {
		health.Library = "ok"
		tracks, err := cs.library.List(r.Context())
		if err != nil {
			health.Status = "unhealthy"
			health.Library = "error"
			health.Details["library_error"] = err.Error()
		} else {
			health.Tracks = len(tracks)
		}
	}

	if sessions := cs.authService.Sessions(); sessions != nil {
		health.Sessions = sessions.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	cs.respondJSON(w, health)
}
