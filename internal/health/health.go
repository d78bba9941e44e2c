package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/nightvault/huddle/internal/broker"
	"github.com/nightvault/huddle/internal/gateway"
	"github.com/nightvault/huddle/internal/logring"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status         string   `json:"status"`
	Uptime         string   `json:"uptime"`
	ActiveSessions int      `json:"active_sessions"`
	Rooms          int      `json:"rooms"`
	Version        string   `json:"version,omitempty"`
	Timestamp      string   `json:"timestamp"`
	Details        *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64             `json:"total_connections"`
	TotalMessages    int64             `json:"total_messages"`
	MemoryMB         float64           `json:"memory_mb"`
	RecentProblems   []logring.LogEntry `json:"recent_problems,omitempty"`
}

// Handler serves the health check endpoint.
//
// The health listener binds to loopback, separate from the relay
// listener, so local monitoring (systemd, Prometheus, Nagios) can poll
// it without being exposed to clients.
type Handler struct {
	startTime time.Time
	broker    *broker.Broker
	tracker   *gateway.Tracker
	ring      *logring.RingBuffer // optional, recent warn/error records
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(b *broker.Broker, t *gateway.Tracker, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		broker:    b,
		tracker:   t,
		version:   version,
		detailed:  detailed,
	}
}

// SetLogRing wires the ring buffer exposing recent warn/error records.
func (h *Handler) SetLogRing(ring *logring.RingBuffer) {
	h.ring = ring
}

// ServeHTTP handles health check requests. The relay has no upstream
// dependency, so status is "ok" whenever the process answers.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status:         "ok",
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
		ActiveSessions: h.tracker.SessionCount(),
		Rooms:          h.broker.RoomCount(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.tracker.TotalConnections(),
			TotalMessages:    h.tracker.TotalMessages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
		if h.ring != nil {
			resp.Details.RecentProblems = h.ring.Entries(20, slog.LevelWarn, time.Time{})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
