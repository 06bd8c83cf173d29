package logging

import (
	"sync"
	"time"
)

// LogEntry is one log line kept for the API.
type LogEntry struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the most recent log entries. Entries are numbered as they
// are written so readers can resume where they stopped.
type RingBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	seq     uint64
	mu      sync.RWMutex
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Write stores entry, overwriting the oldest one when full, and returns it
// with its sequence number set.
func (rb *RingBuffer) Write(entry LogEntry) LogEntry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.seq++
	entry.Seq = rb.seq
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	}
	return entry
}

// ReadAll returns all entries, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Since(0)
}

// Since returns the entries with a sequence number above seq, oldest first.
func (rb *RingBuffer) Since(seq uint64) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return nil
	}

	start := rb.head - rb.count
	if start < 0 {
		start += rb.size
	}
	var result []LogEntry
	for i := range rb.count {
		e := rb.entries[(start+i)%rb.size]
		if e.Seq > seq {
			result = append(result, e)
		}
	}
	return result
}

// Count returns the number of entries held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
