package httpcore

import "sync/atomic"

// A Buffer is a reference-counted slice of wire bytes handed from a
// Connection to a body Sink (RequestBody, Part). Every path that accepts a
// Buffer must either Consume it exactly once or Release it exactly once;
// doing both, or neither, is a bug (Testable Property 2).
type Buffer struct {
	data     []byte
	refs     atomic.Int32
	released atomic.Bool
}

// NewBuffer wraps data in a Buffer with one outstanding reference.
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{data: data}
	b.refs.Store(1)
	return b
}

// Bytes returns the underlying slice. It is only valid to call Bytes before
// the buffer has been released.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Retain increments the reference count and returns the buffer, so a caller
// handing the buffer to more than one consumer (e.g. a transform that also
// logs the chunk) can keep it alive across both.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference. Once the reference count reaches zero the
// buffer's backing array is no longer touched by httpcore. Release is
// idempotent per logical reference: calling it more times than Retain+1 is a
// caller bug, but calling Release on an already fully-released buffer is
// harmless (it reports false and does nothing).
func (b *Buffer) Release() bool {
	if b.refs.Add(-1) == 0 {
		b.released.Store(true)
		b.data = nil
		return true
	}
	return false
}

// Consume is an alias for Release used at call sites where the semantic
// point is "this sink took ownership of the chunk", to make the
// consume-exactly-once-or-release discipline legible at the call site.
func (b *Buffer) Consume() {
	b.Release()
}

// Released reports whether the buffer's final reference has been dropped.
func (b *Buffer) Released() bool {
	return b.released.Load()
}
