package streaming

import (
	"sync"
	"sync/atomic"

	"github.com/snow-ghost/dispatch/core"
)

// DefaultBuffer is the progress buffer used when callers pass 0.
const DefaultBuffer = 16

// Stream is a bounded, cancel-safe conduit for progress chunks between a
// provider adapter and a consumer. Memory stays bounded: when a consumer
// falls behind, the oldest buffered chunk is dropped rather than stalling
// the provider read loop. The final output never depends on the stream;
// it travels with the task result.
type Stream struct {
	mu      sync.RWMutex
	ch      chan core.Chunk
	closed  bool
	dropped atomic.Int64
}

// NewStream creates a stream with the given buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{ch: make(chan core.Chunk, buffer)}
}

// Publish offers a chunk without blocking. A full buffer evicts the
// oldest chunk. Publishing to a closed stream is a no-op.
func (s *Stream) Publish(chunk core.Chunk) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- chunk:
			return
		default:
		}
		// buffer full: evict the oldest, then retry the send
		select {
		case <-s.ch:
			s.dropped.Add(1)
		case s.ch <- chunk:
			return
		}
	}
}

// Chunks is the consumer side. The channel closes when the stream closes.
func (s *Stream) Chunks() <-chan core.Chunk {
	return s.ch
}

// Close ends the stream; buffered chunks remain readable until drained.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Dropped returns how many chunks were evicted under consumer lag.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
