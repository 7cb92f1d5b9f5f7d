package advisor

import (
	"sync"
	"time"

	"github.com/MrWong99/boardobserver/internal/clock"
)

// Entry is one remembered caption line.
type Entry struct {
	Speaker string
	Text    string
	At      time.Time
}

// ContextBuffer keeps the recent transcript of one meeting. It enforces both
// a maximum entry count and a maximum age; entries exceeding either limit are
// evicted on every [ContextBuffer.Add].
//
// All methods are safe for concurrent use.
type ContextBuffer struct {
	mu      sync.RWMutex
	clk     clock.Clock
	entries []Entry
	maxSize int
	maxAge  time.Duration
}

// NewContextBuffer creates a buffer that retains at most maxSize entries and
// evicts entries older than maxAge.
func NewContextBuffer(maxSize int, maxAge time.Duration, clk clock.Clock) *ContextBuffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &ContextBuffer{
		clk:     clk,
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// Add appends entries and evicts what no longer fits.
func (b *ContextBuffer) Add(entries ...Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entries...)
	b.evict()
}

// Recent returns up to max entries within the age limit, oldest first.
func (b *ContextBuffer) Recent(max int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := b.clk.Now().Add(-b.maxAge)
	start := len(b.entries)
	for start > 0 && len(b.entries)-start < max && !b.entries[start-1].At.Before(cutoff) {
		start--
	}
	out := make([]Entry, len(b.entries)-start)
	copy(out, b.entries[start:])
	return out
}

// Len reports the number of retained entries.
func (b *ContextBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// evict must be called with b.mu held. Survivors are copied to a fresh
// backing array so evicted entries can be collected.
func (b *ContextBuffer) evict() {
	cutoff := b.clk.Now().Add(-b.maxAge)

	start := 0
	for start < len(b.entries) && b.entries[start].At.Before(cutoff) {
		start++
	}
	keep := b.entries[start:]
	if len(keep) > b.maxSize {
		keep = keep[len(keep)-b.maxSize:]
	}
	if len(keep) < len(b.entries) {
		fresh := make([]Entry, len(keep), b.maxSize)
		copy(fresh, keep)
		b.entries = fresh
	}
}
