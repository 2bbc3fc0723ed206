package httpcore

import "sync"

// ExchangeQueue is the HTTP/1.x per-connection singly-linked FIFO of
// pending exchanges (§3). requesting is the tail (receiving request body);
// responding is the head (sending response). The invariant "requesting is
// always at or after responding in the chain; exactly one exchange is
// responding at a time" is maintained entirely by Append/Advance below.
//
// This generalizes the teacher's outgoingMessages/streamRequests bookkeeping
// maps in StreamableServerTransport (mcp/streamable.go) — which track
// "logical streams" keyed by an integer id — into the explicit linked list
// spec.md names.
type ExchangeQueue struct {
	mu         sync.Mutex
	requesting *AbstractExchange
	responding *AbstractExchange
}

// NewExchangeQueue returns an empty queue.
func NewExchangeQueue() *ExchangeQueue {
	return &ExchangeQueue{}
}

// Append adds ex to the tail of the queue. It returns true if the queue was
// empty before the append (meaning ex should be started immediately, §4.1
// step 2), false if it was appended behind an exchange already responding.
func (q *ExchangeQueue) Append(ex *AbstractExchange) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty := q.requesting == nil
	if wasEmpty {
		q.requesting = ex
		q.responding = ex
	} else {
		q.requesting.next = ex
		q.requesting = ex
	}
	return wasEmpty
}

// Requesting returns the exchange currently receiving request body chunks
// (the tail of reads), or nil if the queue is empty.
func (q *ExchangeQueue) Requesting() *AbstractExchange {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requesting
}

// Responding returns the exchange currently allowed to send response bytes
// (the head of writes), or nil if the queue is empty.
func (q *ExchangeQueue) Responding() *AbstractExchange {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.responding
}

// Advance implements the head-of-queue completion step (§3 "On complete of
// the head"): it drops the head and promotes its successor to responding.
// It returns the new head (nil if the queue is now empty) and reports
// whether the queue is now empty.
func (q *ExchangeQueue) Advance() (next *AbstractExchange, empty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.responding == nil {
		return nil, true
	}
	q.responding = q.responding.next
	if q.responding == nil {
		q.requesting = nil
		return nil, true
	}
	return q.responding, false
}

// DrainTail disposes every exchange from the current head (inclusive)
// onward with cause, used both for the "!keep_alive: dispose the remaining
// tail" path (§4.1 exchange_complete) and for connection-wide teardown
// (§4.1 "Inactive channel: dispose all exchanges in the chain").
func (q *ExchangeQueue) DrainTail(cause error) {
	q.mu.Lock()
	head := q.responding
	q.requesting = nil
	q.responding = nil
	q.mu.Unlock()

	for ex := head; ex != nil; {
		n := ex.next
		ex.dispose(cause)
		ex = n
	}
}

// Empty reports whether the queue currently holds no exchanges.
func (q *ExchangeQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requesting == nil
}
