// WebSocket load testing tool for the Huddle relay.
// Every connection joins one of -rooms rooms and sends encrypted-sized
// junk payloads; fan-out traffic from roommates counts as received.
// Usage: go run test/loadtest/ws-loadtest.go -url ws://127.0.0.1:9190 -conns 100 -duration 60s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type frame struct {
	Seq             int64           `json:"seq"`
	Cmd             string          `json:"cmd"`
	ChatID          string          `json:"chatId,omitempty"`
	AuthorLabel     []byte          `json:"authorLabel,omitempty"`
	Fingerprint     []byte          `json:"fingerprint,omitempty"`
	KnownMessageIDs map[string]bool `json:"knownMessageIds,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	Payload         []byte          `json:"payload,omitempty"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:9190", "WebSocket URL to connect to")
	conns := flag.Int("conns", 10, "Number of concurrent connections")
	rooms := flag.Int("rooms", 4, "Number of rooms to spread connections over")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	msgInterval := flag.Duration("interval", 1*time.Second, "Message send interval per connection")
	payloadSize := flag.Int("payload", 512, "Payload size in bytes")
	flag.Parse()

	fmt.Printf("Huddle Relay Load Test\n")
	fmt.Printf("  URL:          %s\n", *url)
	fmt.Printf("  Connections:  %d\n", *conns)
	fmt.Printf("  Rooms:        %d\n", *rooms)
	fmt.Printf("  Duration:     %s\n", *duration)
	fmt.Printf("  Msg interval: %s\n", *msgInterval)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var (
		connected    atomic.Int64
		joined       atomic.Int64
		sent         atomic.Int64
		received     atomic.Int64
		rejected     atomic.Int64
		errCount     atomic.Int64
		connectFails atomic.Int64
	)

	runID := uuid.NewString()[:8]
	payload := make([]byte, *payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			c, _, err := websocket.Dial(ctx, *url, nil)
			if err != nil {
				connectFails.Add(1)
				return
			}
			connected.Add(1)
			defer c.CloseNow()

			room := fmt.Sprintf("loadtest-%s-%d", runID, id%*rooms)
			join := frame{
				Seq:         1,
				Cmd:         "join",
				ChatID:      room,
				AuthorLabel: []byte(fmt.Sprintf("conn-%d", id)),
				Fingerprint: []byte("loadtest-" + runID),
			}
			buf, _ := json.Marshal(join)
			if err := c.Write(ctx, websocket.MessageText, buf); err != nil {
				errCount.Add(1)
				return
			}
			joined.Add(1)

			// Read goroutine: drains responses and fan-out events.
			// ok:false responses count as rejections.
			go func() {
				for {
					_, data, err := c.Read(ctx)
					if err != nil {
						return
					}
					received.Add(1)
					var resp struct {
						Seq int64 `json:"seq"`
						OK  *bool `json:"ok"`
					}
					if json.Unmarshal(data, &resp) == nil && resp.OK != nil && !*resp.OK {
						rejected.Add(1)
					}
				}
			}()

			// Write loop
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			seq := int64(1)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					seq++
					send := frame{
						Seq:       seq,
						Cmd:       "send",
						ChatID:    room,
						MessageID: uuid.NewString(),
						Payload:   payload,
					}
					buf, _ := json.Marshal(send)
					if err := c.Write(ctx, websocket.MessageText, buf); err != nil {
						errCount.Add(1)
						return
					}
					sent.Add(1)
				}
			}
		}(i)
	}

	// Progress reporting
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d joined=%d sent=%d recv=%d rejected=%d errors=%d connect_fails=%d\n",
					elapsed, connected.Load(), joined.Load(), sent.Load(), received.Load(), rejected.Load(), errCount.Load(), connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Connected:       %d / %d\n", connected.Load(), *conns)
	fmt.Printf("  Connect fails:   %d\n", connectFails.Load())
	fmt.Printf("  Messages sent:   %d\n", sent.Load())
	fmt.Printf("  Frames recv:     %d\n", received.Load())
	fmt.Printf("  Rejected:        %d\n", rejected.Load())
	fmt.Printf("  Errors:          %d\n", errCount.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Send rate:       %.1f msg/s\n", float64(sent.Load())/elapsed.Seconds())
		fmt.Printf("  Recv rate:       %.1f frame/s\n", float64(received.Load())/elapsed.Seconds())
	}

	if connectFails.Load() > 0 || errCount.Load() > 0 || rejected.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
}
