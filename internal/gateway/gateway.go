// Package gateway is the WebSocket front door of the relay: it admits
// client connections, turns each into a broker session, and shuttles
// protocol frames between the socket and the broker.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nightvault/huddle/internal/broker"
	"github.com/nightvault/huddle/internal/config"
	"github.com/nightvault/huddle/internal/metrics"
	"github.com/nightvault/huddle/internal/protocol"
	"github.com/nightvault/huddle/internal/security"
)

// Handler accepts WebSocket connections and serves the relay protocol
// on each. One goroutine per connection reads command frames; pushed
// events ride the same socket (coder/websocket serializes concurrent
// writes internally).
type Handler struct {
	Broker      *broker.Broker
	Tracker     *Tracker
	RateLimiter *security.RateLimiter
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	ShutdownCtx context.Context  // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining; active
	// connections watch it to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects cfg during hot-reload.
	mu  sync.RWMutex
	cfg *config.Config
}

// NewHandler creates a gateway handler.
func NewHandler(cfg *config.Config, b *broker.Broker, rl *security.RateLimiter, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Broker:      b,
		Tracker:     NewTracker(),
		RateLimiter: rl,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		cfg:         cfg,
	}
}

// StartDrain signals all active connections to begin graceful shutdown.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// Atomic check-and-increment to prevent a TOCTOU race on the caps.
	if reason := h.Tracker.TryAdmit(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Tracker.SessionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Tracker.SessionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	defer h.Tracker.Release(clientIP)

	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveSessions.Inc()
		defer h.Metrics.ActiveSessions.Dec()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("failed to accept WebSocket", "client_ip", clientIP, "error", err)
		return
	}
	conn.SetReadLimit(cfg.Server.MaxMessageSize)

	sess := broker.NewSession(&wsSender{conn: conn, timeout: cfg.Server.WriteTimeout})
	slog.Info("session connected", "session", sess.ID(), "client_ip", clientIP)

	// connCtx ends with the connection; the drain watcher uses it to
	// stop once the session is gone.
	connCtx, connCancel := context.WithCancel(h.ShutdownCtx)
	defer connCancel()

	go func() {
		select {
		case <-h.drainCtx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
		}
	}()

	h.serveSession(connCtx, conn, sess)

	// Cleanup must not inherit connCtx: event delivery to the other
	// members still needs a live context.
	h.Broker.Disconnect(h.ShutdownCtx, sess)
	conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("session disconnected", "session", sess.ID(), "client_ip", clientIP)
}

// serveSession runs the per-connection command loop until the client
// goes away or the server shuts down.
func (h *Handler) serveSession(ctx context.Context, conn *websocket.Conn, sess *broker.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("read failed", "session", sess.ID(), "error", err)
			}
			return
		}

		resp := h.dispatch(ctx, sess, data)

		buf, err := json.Marshal(resp)
		if err != nil {
			slog.Error("response marshal failed", "session", sess.ID(), "error", err)
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, h.GetConfig().Server.WriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, buf)
		cancel()
		if err != nil {
			slog.Debug("response write failed", "session", sess.ID(), "error", err)
			return
		}
	}
}

// dispatch decodes one frame and applies it to the broker. Every
// failure, validation or semantic, collapses to ok=false on the wire;
// causes are only visible in logs and metrics.
func (h *Handler) dispatch(ctx context.Context, sess *broker.Session, data []byte) protocol.Response {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.RejectionsTotal.WithLabelValues("validation").Inc()
		}
		slog.Debug("malformed request", "session", sess.ID(), "error", err)
		var seq int64
		if req != nil {
			seq = req.Seq
		}
		return protocol.Response{Seq: seq, OK: false}
	}

	var result any
	switch req.Cmd {
	case protocol.CmdJoin:
		var records []protocol.SyncRecord
		records, err = h.Broker.Join(ctx, sess, req.ChatID, req.AuthorLabel, req.Fingerprint, req.KnownMessageIDs)
		if records == nil {
			records = []protocol.SyncRecord{}
		}
		result = records
	case protocol.CmdUsers:
		result, err = h.Broker.Users(sess, req.ChatID)
	case protocol.CmdMessages:
		var msgs []protocol.Message
		msgs, err = h.Broker.Messages(sess, req.ChatID)
		if msgs == nil {
			msgs = []protocol.Message{}
		}
		result = msgs
	case protocol.CmdExit:
		err = h.Broker.Exit(ctx, sess, req.ChatID)
	case protocol.CmdDeleteChat:
		err = h.Broker.DeleteChat(ctx, sess, req.ChatID)
	case protocol.CmdSend:
		err = h.Broker.Send(ctx, sess, req.ChatID, req.MessageID, req.Payload)
		if err == nil {
			h.Tracker.CountMessage()
		}
	case protocol.CmdDeleteMessage:
		err = h.Broker.DeleteMessage(ctx, sess, req.ChatID, req.MessageID)
	}

	if err != nil {
		slog.Debug("command rejected", "session", sess.ID(), "cmd", req.Cmd, "room", req.ChatID, "reason", broker.RejectReason(err))
		return protocol.Response{Seq: req.Seq, OK: false}
	}
	return protocol.Response{Seq: req.Seq, OK: true, Result: result}
}

// wsSender pushes broker events over the session's own socket.
type wsSender struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSender) SendEvent(ctx context.Context, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}
