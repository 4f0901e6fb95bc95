// Package segment holds audio that arrives while a session is busy so it
// can be replayed when listening resumes.
package segment

import (
	"sync"
	"time"
)

// DefaultCapacity is the bound used when none is configured.
const DefaultCapacity = 50

// Segment is one inbound audio chunk.
type Segment struct {
	Seq  uint64
	Data []byte
	// Voiced is set when the chunk arrived inside a speech span.
	Voiced bool
	At     time.Time
}

// Buffer is a bounded FIFO. Overflow evicts the oldest segment.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    []Segment
	dropped  uint64
}

// NewBuffer returns a Buffer holding at most capacity segments.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, items: make([]Segment, 0, capacity)}
}

// Append stores a segment. It never blocks and never fails; it reports
// whether an older segment was evicted to make room.
func (b *Buffer) Append(s Segment) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == b.capacity {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		b.dropped++
		evicted = true
	}
	b.items = append(b.items, s)
	return evicted
}

// DrainAndClear returns every buffered segment in arrival order and empties
// the buffer.
func (b *Buffer) DrainAndClear() []Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	out := make([]Segment, len(b.items))
	copy(out, b.items)
	b.items = b.items[:0]
	return out
}

// Len returns the number of buffered segments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns how many segments were evicted since creation.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// AnyVoiced reports whether any segment in segs is voiced.
func AnyVoiced(segs []Segment) bool {
	for _, s := range segs {
		if s.Voiced {
			return true
		}
	}
	return false
}

// Payloads returns the raw bytes of segs in order.
func Payloads(segs []Segment) [][]byte {
	out := make([][]byte, len(segs))
	for i, s := range segs {
		out[i] = s.Data
	}
	return out
}
