package httpcore

import (
	"context"
	"errors"
	"sync"
)

// ErrOverflow is returned by a Sink's Push when the subscriber cannot keep
// up with production; the caller must Release the rejected Buffer rather
// than retry (§4.1 ingress algorithm, step 3; Testable Property 2).
var ErrOverflow = errors.New("httpcore: sink overflow")

// A Sink is a single-subscription, demand-driven consumer of Buffers,
// backing RequestBody and Part byte streams. It generalizes the teacher's
// hand-rolled channel-based Connection.Read/Write pattern
// (StreamableServerTransport in mcp/streamable.go) from JSON-RPC messages to
// raw wire chunks.
type Sink struct {
	mu        sync.Mutex
	ch        chan *Buffer
	done      chan struct{}
	err       error
	closeOnce sync.Once
	capacity  int
}

// NewSink creates a Sink buffering up to capacity pending chunks before Push
// starts returning ErrOverflow.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = 1
	}
	return &Sink{
		ch:       make(chan *Buffer, capacity),
		done:     make(chan struct{}),
		capacity: capacity,
	}
}

// Push attempts to enqueue buf for the subscriber. It returns ErrOverflow if
// the sink's buffer is full or the sink has already been completed/errored;
// the caller must Release buf itself in that case (it is never consumed by
// Push on failure).
func (s *Sink) Push(buf *Buffer) error {
	select {
	case <-s.done:
		return ErrOverflow
	default:
	}
	select {
	case s.ch <- buf:
		return nil
	default:
		return ErrOverflow
	}
}

// Complete marks the sink as finished: subsequent Next calls drain any
// buffered chunks and then return (nil, io.EOF)-shaped completion via ok=false.
func (s *Sink) Complete() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// Error marks the sink as failed with err; pending and future Next calls
// observe it once the buffered chunks (if any) are drained.
func (s *Sink) Error(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// Cancel signals that the subscriber no longer wants chunks; any
// currently-buffered, unconsumed Buffers are released. It is the producer's
// responsibility to stop calling Push after Cancel (§5 cancellation
// semantics).
func (s *Sink) Cancel() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.closeOnce.Do(func() {
		close(s.ch)
	})
	for buf := range s.ch {
		buf.Release()
	}
}

// Next blocks until a chunk is available, the sink completes, errors, or ctx
// is cancelled. ok is false once the sink is drained and complete/errored;
// the caller should check Err() to distinguish normal completion from
// failure.
func (s *Sink) Next(ctx context.Context) (buf *Buffer, ok bool) {
	select {
	case b, more := <-s.ch:
		return b, more
	case <-ctx.Done():
		return nil, false
	}
}

// Err returns the terminal error passed to Error, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribed reports whether a consumer is actively draining the sink. In
// this implementation a Sink always accepts a single logical subscriber
// from construction, so Subscribed mirrors "not yet cancelled/completed".
func (s *Sink) Subscribed() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
