//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/nightvault/huddle/internal/broker"
	"github.com/nightvault/huddle/internal/config"
	"github.com/nightvault/huddle/internal/gateway"
	"github.com/nightvault/huddle/internal/health"
	"github.com/nightvault/huddle/internal/security"
)

// newTestSetup wires a broker, gateway and health endpoint the way the
// serve command does, on httptest listeners.
func newTestSetup(t *testing.T, modCfg func(*config.Config)) (*httptest.Server, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Security.RateLimit.Enabled = false
	cfg.Server.WriteTimeout = 5 * time.Second

	if modCfg != nil {
		modCfg(cfg)
	}

	b := broker.New()
	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		t.Cleanup(rl.Stop)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	handler := gateway.NewHandler(cfg, b, rl, ctx)
	relay := httptest.NewServer(handler)

	healthHandler := health.NewHandler(b, handler.Tracker, "test", true)
	healthMux := http.NewServeMux()
	healthMux.Handle("/health", healthHandler)
	healthSrv := httptest.NewServer(healthMux)

	t.Cleanup(func() {
		relay.Close()
		healthSrv.Close()
	})

	return relay, healthSrv
}

type request struct {
	Seq             int64           `json:"seq"`
	Cmd             string          `json:"cmd"`
	ChatID          string          `json:"chatId,omitempty"`
	AuthorLabel     []byte          `json:"authorLabel,omitempty"`
	Fingerprint     []byte          `json:"fingerprint,omitempty"`
	KnownMessageIDs map[string]bool `json:"knownMessageIds,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	Payload         []byte          `json:"payload,omitempty"`
}

type response struct {
	Seq    int64           `json:"seq"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
}

type event struct {
	Event     string `json:"event"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// client is a relay connection that separates command responses from
// pushed events.
type client struct {
	t      *testing.T
	conn   *websocket.Conn
	seq    int64
	events []event
}

func dialRelay(t *testing.T, ctx context.Context, srv *httptest.Server) *client {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return &client{t: t, conn: c}
}

// roundTrip sends one command and reads until its response arrives,
// buffering any events that come in first.
func (c *client) roundTrip(ctx context.Context, req request) response {
	c.t.Helper()
	c.seq++
	req.Seq = c.seq

	buf, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, buf); err != nil {
		c.t.Fatalf("write %s: %v", req.Cmd, err)
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("read after %s: %v", req.Cmd, err)
		}
		var probe struct {
			Event string `json:"event"`
		}
		json.Unmarshal(data, &probe)
		if probe.Event != "" {
			var ev event
			json.Unmarshal(data, &ev)
			c.events = append(c.events, ev)
			continue
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.t.Fatalf("decode response: %v", err)
		}
		return resp
	}
}

// nextEvent returns the next buffered or incoming event.
func (c *client) nextEvent(ctx context.Context) event {
	c.t.Helper()
	if len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		return ev
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read event: %v", err)
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestRelayRoomLifecycle(t *testing.T) {
	relay, _ := newTestSetup(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fp := []byte("shared-fingerprint")

	alice := dialRelay(t, ctx, relay)
	resp := alice.roundTrip(ctx, request{Cmd: "join", ChatID: "standup", AuthorLabel: []byte("alice"), Fingerprint: fp})
	if !resp.OK {
		t.Fatal("alice join should succeed")
	}

	bob := dialRelay(t, ctx, relay)
	resp = bob.roundTrip(ctx, request{Cmd: "join", ChatID: "standup", AuthorLabel: []byte("bob"), Fingerprint: fp})
	if !resp.OK {
		t.Fatal("bob join should succeed")
	}

	// Alice sees bob arrive
	ev := alice.nextEvent(ctx)
	if ev.Event != "member-joined" || ev.ChatID != "standup" {
		t.Fatalf("alice got %+v, want member-joined for standup", ev)
	}

	// Bob sends; alice receives the fan-out, bob does not hear himself
	resp = bob.roundTrip(ctx, request{Cmd: "send", ChatID: "standup", MessageID: "m1", Payload: []byte("ciphertext")})
	if !resp.OK {
		t.Fatal("send should succeed")
	}
	ev = alice.nextEvent(ctx)
	if ev.Event != "message" || ev.MessageID != "m1" {
		t.Fatalf("alice got %+v, want message m1", ev)
	}
	if len(bob.events) != 0 {
		t.Errorf("bob should not receive his own message, buffered %d events", len(bob.events))
	}

	// History is visible to members
	resp = alice.roundTrip(ctx, request{Cmd: "messages", ChatID: "standup"})
	if !resp.OK {
		t.Fatal("messages should succeed")
	}
	var msgs []struct {
		ID string `json:"id"`
	}
	json.Unmarshal(resp.Result, &msgs)
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("history = %+v, want [m1]", msgs)
	}

	// Wrong fingerprint is rejected with a bare ok:false
	eve := dialRelay(t, ctx, relay)
	resp = eve.roundTrip(ctx, request{Cmd: "join", ChatID: "standup", AuthorLabel: []byte("eve"), Fingerprint: []byte("wrong")})
	if resp.OK {
		t.Fatal("join with wrong fingerprint should fail")
	}
	if len(resp.Result) != 0 {
		t.Errorf("rejection should carry no result, got %s", resp.Result)
	}
}

func TestRelayRejoinSync(t *testing.T) {
	relay, _ := newTestSetup(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fp := []byte("fp")

	alice := dialRelay(t, ctx, relay)
	alice.roundTrip(ctx, request{Cmd: "join", ChatID: "room", AuthorLabel: []byte("alice"), Fingerprint: fp})
	alice.roundTrip(ctx, request{Cmd: "send", ChatID: "room", MessageID: "m1", Payload: []byte("one")})
	alice.roundTrip(ctx, request{Cmd: "send", ChatID: "room", MessageID: "m2", Payload: []byte("two")})

	// Bob was offline holding m1 plus a message that no longer exists.
	bob := dialRelay(t, ctx, relay)
	resp := bob.roundTrip(ctx, request{
		Cmd: "join", ChatID: "room", AuthorLabel: []byte("bob"), Fingerprint: fp,
		KnownMessageIDs: map[string]bool{"m1": true, "mOld": true},
	})
	if !resp.OK {
		t.Fatal("rejoin should succeed")
	}

	var records []struct {
		ID         string   `json:"id"`
		Deleted    bool     `json:"deleted"`
		DeletedIDs []string `json:"deletedMessages"`
	}
	json.Unmarshal(resp.Result, &records)
	if len(records) != 2 {
		t.Fatalf("sync records = %+v, want missed m2 plus tombstone", records)
	}
	if records[0].ID != "m2" {
		t.Errorf("first record = %+v, want missed m2", records[0])
	}
	if !records[1].Deleted || len(records[1].DeletedIDs) != 1 || records[1].DeletedIDs[0] != "mOld" {
		t.Errorf("tombstone = %+v, want deletedMessages [mOld]", records[1])
	}
}

func TestRelayConnectionLimits(t *testing.T) {
	relay, _ := newTestSetup(t, func(cfg *config.Config) {
		cfg.Security.MaxConnections = 2
		cfg.Security.MaxConnectionsPerIP = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(relay.URL, "http")

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		c, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, c)
	}

	// Next connection is refused at the upgrade
	_, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected error when max connections reached")
	}

	// Freeing a slot admits again
	conns[0].CloseNow()
	time.Sleep(50 * time.Millisecond)

	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial after close: %v", err)
	}
	c.CloseNow()

	for _, conn := range conns[1:] {
		conn.CloseNow()
	}
}

func TestRelayRateLimiting(t *testing.T) {
	relay, _ := newTestSetup(t, func(cfg *config.Config) {
		cfg.Security.RateLimit.Enabled = true
		cfg.Security.RateLimit.ConnectionsPerMinute = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(relay.URL, "http")

	c1, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("first connection: %v", err)
	}
	c1.CloseNow()

	c2, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("second connection: %v", err)
	}
	c2.CloseNow()

	// Third exceeds the burst
	_, _, err = websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected rate limit error")
	}
}

func TestRelayHealthEndpoint(t *testing.T) {
	relay, healthSrv := newTestSetup(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialRelay(t, ctx, relay)
	alice.roundTrip(ctx, request{Cmd: "join", ChatID: "room", AuthorLabel: []byte("alice"), Fingerprint: []byte("fp")})

	resp, err := http.Get(healthSrv.URL + "/health")
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	var hr health.Response
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if hr.Status != "ok" {
		t.Errorf("health status = %q, want %q", hr.Status, "ok")
	}
	if hr.Version != "test" {
		t.Errorf("version = %q, want %q", hr.Version, "test")
	}
	if hr.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", hr.ActiveSessions)
	}
	if hr.Rooms != 1 {
		t.Errorf("rooms = %d, want 1", hr.Rooms)
	}
}
