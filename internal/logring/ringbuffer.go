package logring

import (
	"log/slog"
	"sync"
	"time"
)

// LogEntry is a single captured log record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingBuffer keeps the most recent log records in a fixed-size circular
// buffer. Old records are overwritten once capacity is reached. Safe for
// concurrent use.
type RingBuffer struct {
	mu    sync.RWMutex
	buf   []LogEntry
	next  int // next write position
	count int // number of valid entries, at most len(buf)
}

// NewRingBuffer creates a buffer holding up to capacity records.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]LogEntry, capacity)}
}

// Add stores a record, evicting the oldest when full.
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.buf[rb.next] = entry
	rb.next = (rb.next + 1) % len(rb.buf)
	if rb.count < len(rb.buf) {
		rb.count++
	}
	rb.mu.Unlock()
}

// Entries returns records at or above minLevel and not before since,
// newest first. A limit of 0 or less means no limit.
func (rb *RingBuffer) Entries(limit int, minLevel slog.Level, since time.Time) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []LogEntry
	for i := 0; i < rb.count; i++ {
		if limit > 0 && len(result) >= limit {
			break
		}
		idx := (rb.next - 1 - i + len(rb.buf)) % len(rb.buf)
		e := rb.buf[idx]
		if e.Level < minLevel {
			continue
		}
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Len returns the number of records currently held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}
