package logring

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func entry(msg string, level slog.Level) LogEntry {
	return LogEntry{Message: msg, Level: level, Time: time.Now()}
}

func TestRingBufferOrder(t *testing.T) {
	rb := NewRingBuffer(5)

	if rb.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", rb.Len())
	}
	if rb.Cap() != 5 {
		t.Fatalf("Cap() = %d, want 5", rb.Cap())
	}

	rb.Add(entry("first", slog.LevelInfo))
	rb.Add(entry("second", slog.LevelInfo))

	if rb.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rb.Len())
	}

	got := rb.Entries(0, slog.LevelDebug, time.Time{})
	if len(got) != 2 {
		t.Fatalf("Entries() returned %d, want 2", len(got))
	}
	// Newest first
	if got[0].Message != "second" || got[1].Message != "first" {
		t.Errorf("order = [%q, %q], want newest first", got[0].Message, got[1].Message)
	}
}

func TestRingBufferEviction(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 1; i <= 5; i++ {
		rb.Add(entry(fmt.Sprintf("msg%d", i), slog.LevelInfo))
	}

	if rb.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", rb.Len())
	}

	got := rb.Entries(0, slog.LevelDebug, time.Time{})
	want := []string{"msg5", "msg4", "msg3"}
	if len(got) != len(want) {
		t.Fatalf("Entries() returned %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Message != want[i] {
			t.Errorf("entries[%d].Message = %q, want %q", i, got[i].Message, want[i])
		}
	}
}

func TestRingBufferLevelFilter(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Add(entry("debug", slog.LevelDebug))
	rb.Add(entry("info", slog.LevelInfo))
	rb.Add(entry("warn", slog.LevelWarn))
	rb.Add(entry("error", slog.LevelError))

	got := rb.Entries(0, slog.LevelWarn, time.Time{})
	if len(got) != 2 {
		t.Fatalf("Entries(minLevel=Warn) returned %d, want 2", len(got))
	}
	if got[0].Message != "error" || got[1].Message != "warn" {
		t.Errorf("got [%q, %q], want [error, warn]", got[0].Message, got[1].Message)
	}
}

func TestRingBufferSinceFilter(t *testing.T) {
	rb := NewRingBuffer(10)

	now := time.Now()
	rb.Add(LogEntry{Message: "old", Level: slog.LevelInfo, Time: now.Add(-10 * time.Second)})
	rb.Add(LogEntry{Message: "mid", Level: slog.LevelInfo, Time: now.Add(-5 * time.Second)})
	rb.Add(LogEntry{Message: "new", Level: slog.LevelInfo, Time: now})

	got := rb.Entries(0, slog.LevelDebug, now.Add(-6*time.Second))
	if len(got) != 2 {
		t.Fatalf("Entries(since=-6s) returned %d, want 2", len(got))
	}
	if got[0].Message != "new" {
		t.Errorf("entries[0].Message = %q, want %q", got[0].Message, "new")
	}
}

func TestRingBufferLimit(t *testing.T) {
	rb := NewRingBuffer(10)

	for i := 0; i < 10; i++ {
		rb.Add(entry("msg", slog.LevelInfo))
	}

	if got := rb.Entries(3, slog.LevelDebug, time.Time{}); len(got) != 3 {
		t.Fatalf("Entries(limit=3) returned %d, want 3", len(got))
	}
}

func TestRingBufferConcurrent(t *testing.T) {
	rb := NewRingBuffer(100)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Add(entry("msg", slog.LevelInfo))
			}
		}()
	}
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rb.Entries(10, slog.LevelDebug, time.Time{})
			}
		}()
	}
	wg.Wait()

	if rb.Len() > rb.Cap() {
		t.Errorf("Len() = %d exceeds Cap() = %d", rb.Len(), rb.Cap())
	}
}
