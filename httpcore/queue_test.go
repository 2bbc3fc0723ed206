package httpcore

import (
	"context"
	"testing"
)

// fakeResponder is a no-op responder satisfying the interface for queue and
// exchange tests that never need to actually write wire bytes.
type fakeResponder struct{}

func (fakeResponder) sendHeaders(ex *AbstractExchange, status int, headers *Headers, endStream bool) error {
	return nil
}
func (fakeResponder) sendData(ex *AbstractExchange, buf *Buffer, endStream bool) error { return nil }
func (fakeResponder) exchangeStarted(ex *AbstractExchange)                             {}
func (fakeResponder) exchangeCompleted(ex *AbstractExchange)                           {}
func (fakeResponder) exchangeErrored(ex *AbstractExchange, err error)                  {}
func (fakeResponder) exchangeReset(ex *AbstractExchange, err error)                    {}
func (fakeResponder) upgradeToWebSocket(ex *AbstractExchange, pending *PendingWebSocket) error {
	return nil
}

func newTestExchange(t *testing.T) *AbstractExchange {
	t.Helper()
	headers := NewRequestHeaders(MethodGet, "/", "http", "example.test", nil)
	return NewAbstractExchange(context.Background(), Http1_1, headers, false, true, NewCodecRegistry(), fakeResponder{}, nil)
}

func TestExchangeQueueAppendReportsWasEmpty(t *testing.T) {
	q := NewExchangeQueue()
	a := newTestExchange(t)
	if wasEmpty := q.Append(a); !wasEmpty {
		t.Fatal("Append into an empty queue should report wasEmpty=true")
	}
	b := newTestExchange(t)
	if wasEmpty := q.Append(b); wasEmpty {
		t.Fatal("Append behind a responding exchange should report wasEmpty=false")
	}
	if q.Requesting() != b {
		t.Fatal("Requesting should be the most recently appended exchange")
	}
	if q.Responding() != a {
		t.Fatal("Responding should still be the first appended exchange")
	}
}

func TestExchangeQueueAdvanceOrdering(t *testing.T) {
	q := NewExchangeQueue()
	a, b := newTestExchange(t), newTestExchange(t)
	q.Append(a)
	q.Append(b)

	next, empty := q.Advance()
	if empty {
		t.Fatal("queue should not be empty after advancing past the first of two")
	}
	if next != b {
		t.Fatal("Advance should promote the second exchange to responding")
	}
	if q.Responding() != b {
		t.Fatal("Responding should reflect the promoted exchange")
	}

	next, empty = q.Advance()
	if !empty || next != nil {
		t.Fatal("Advance past the last exchange should report empty with a nil next")
	}
	if !q.Empty() {
		t.Fatal("Empty should report true once drained")
	}
}

func TestExchangeQueueAdvanceOnEmpty(t *testing.T) {
	q := NewExchangeQueue()
	next, empty := q.Advance()
	if next != nil || !empty {
		t.Fatal("Advance on an empty queue should return (nil, true)")
	}
}

func TestExchangeQueueDrainTailDisposesAll(t *testing.T) {
	q := NewExchangeQueue()
	a, b := newTestExchange(t), newTestExchange(t)
	q.Append(a)
	q.Append(b)

	cause := errString("teardown")
	q.DrainTail(cause)

	if !a.Disposed() || !b.Disposed() {
		t.Fatal("DrainTail should dispose every exchange from the head onward")
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after DrainTail")
	}
}
