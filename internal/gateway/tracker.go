package gateway

import (
	"sync"
	"sync/atomic"
)

// Tracker counts live connections globally and per client IP so the
// gateway can enforce admission caps before upgrading a socket.
type Tracker struct {
	activeSessions   atomic.Int64
	totalConnections atomic.Int64
	totalMessages    atomic.Int64

	ipMu          sync.Mutex
	ipConnections map[string]int
}

// NewTracker creates an empty connection tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ipConnections: make(map[string]int),
	}
}

// SessionCount returns the current number of connected sessions.
func (t *Tracker) SessionCount() int {
	return int(t.activeSessions.Load())
}

// SessionCountForIP returns the active session count for one IP.
func (t *Tracker) SessionCountForIP(ip string) int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	return t.ipConnections[ip]
}

// TotalConnections returns the lifetime connection count.
func (t *Tracker) TotalConnections() int64 {
	return t.totalConnections.Load()
}

// TotalMessages returns the lifetime count of relayed messages.
func (t *Tracker) TotalMessages() int64 {
	return t.totalMessages.Load()
}

// CountMessage records one relayed message.
func (t *Tracker) CountMessage() {
	t.totalMessages.Add(1)
}

// TryAdmit atomically checks both caps and claims a connection slot.
// Returns "" on success, or the limit that was hit. The check and the
// increment happen under one lock so two racing upgrades cannot both
// squeeze past a full cap.
func (t *Tracker) TryAdmit(ip string, maxGlobal, maxPerIP int) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	if int(t.activeSessions.Load()) >= maxGlobal {
		return "max_connections"
	}
	if t.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	t.activeSessions.Add(1)
	t.totalConnections.Add(1)
	t.ipConnections[ip]++
	return ""
}

// Release returns a previously admitted connection's slot.
func (t *Tracker) Release(ip string) {
	t.activeSessions.Add(-1)
	t.ipMu.Lock()
	t.ipConnections[ip]--
	if t.ipConnections[ip] <= 0 {
		delete(t.ipConnections, ip)
	}
	t.ipMu.Unlock()
}
