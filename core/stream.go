package core

import (
	"context"
	"sync"
)

// Chunk is an incremental piece of task output carried on a Stream.
type Chunk struct {
	TaskID  string `json:"task_id"`
	Index   int    `json:"index"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// BackpressurePolicy selects the producer behavior when a stream buffer is full.
type BackpressurePolicy int

const (
	// BackpressureBlock makes Publish wait until the consumer drains a slot,
	// the context is canceled or the stream is closed.
	BackpressureBlock BackpressurePolicy = iota
	// BackpressureDropOldest discards the oldest buffered chunk to make room.
	BackpressureDropOldest
)

// Stream is an explicit bounded channel of output chunks for one task. The
// producer side applies the configured backpressure policy when the consumer
// is slow; the consumer ranges over Chunks until the stream is closed.
//
// Publish and Close are safe to call from different goroutines: Close wakes
// any publisher parked on a full buffer and waits for in-flight sends before
// terminating the consumer channel.
type Stream struct {
	ch      chan Chunk
	done    chan struct{}
	policy  BackpressurePolicy
	mu      sync.Mutex
	sending sync.WaitGroup
	closed  bool
	dropped int
}

// NewStream creates a stream with the given buffer size (minimum 1).
func NewStream(buffer int, policy BackpressurePolicy) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{ch: make(chan Chunk, buffer), done: make(chan struct{}), policy: policy}
}

// Publish delivers a chunk to the stream subject to the backpressure policy.
// Publishing to a closed stream is a no-op returning nil so late producers
// after cancellation do not error out.
func (s *Stream) Publish(ctx context.Context, c Chunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.policy == BackpressureDropOldest {
		// Producers are serialized on s.mu, so the slot freed by the evict
		// cannot be stolen before the send.
		select {
		case s.ch <- c:
		default:
			select {
			case <-s.ch:
				s.dropped++
			default:
			}
			s.ch <- c
		}
		s.mu.Unlock()
		return nil
	}
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case s.ch <- c:
		return nil
	}
}

// PublishFinal delivers a terminal chunk without ever blocking: it evicts the
// oldest buffered chunk to make room and counts the chunk as dropped if a
// racing publisher refills the buffer first. Close follows immediately in
// every caller, so the consumer still observes end of stream.
func (s *Stream) PublishFinal(c Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- c:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- c:
	default:
		s.dropped++
	}
}

// Chunks returns the consumer side of the stream.
func (s *Stream) Chunks() <-chan Chunk { return s.ch }

// Close terminates the stream; safe to call more than once. Publishers parked
// on a full buffer return nil once the stream closes.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.sending.Wait()
	close(s.ch)
}

// Dropped reports how many chunks the drop-oldest policy discarded.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
