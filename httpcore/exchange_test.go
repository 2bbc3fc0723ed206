package httpcore

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

// recordingResponder captures which lifecycle callbacks AbstractExchange
// invokes, along with the headers/status/body bytes it was asked to send.
type recordingResponder struct {
	mu sync.Mutex

	status       int
	headers      *Headers
	data         []byte
	completed    bool
	erroredCause error
	resetCause   error
}

func (r *recordingResponder) sendHeaders(ex *AbstractExchange, status int, headers *Headers, endStream bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.headers = headers
	return nil
}

func (r *recordingResponder) sendData(ex *AbstractExchange, buf *Buffer, endStream bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf != nil {
		r.data = append(r.data, buf.Bytes()...)
		buf.Release()
	}
	return nil
}

func (r *recordingResponder) exchangeStarted(ex *AbstractExchange) {}

func (r *recordingResponder) exchangeCompleted(ex *AbstractExchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
}

func (r *recordingResponder) exchangeErrored(ex *AbstractExchange, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.erroredCause = err
}

func (r *recordingResponder) exchangeReset(ex *AbstractExchange, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCause = err
}

func (r *recordingResponder) upgradeToWebSocket(ex *AbstractExchange, pending *PendingWebSocket) error {
	return nil
}

func (r *recordingResponder) snapshot() (status int, data []byte, completed bool, erroredCause, resetCause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, append([]byte(nil), r.data...), r.completed, r.erroredCause, r.resetCause
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestAbstractExchangeSuccessfulCompletion(t *testing.T) {
	host := &recordingResponder{}
	headers := NewRequestHeaders(MethodGet, "/", "http", "example.test", nil)
	ex := NewAbstractExchange(context.Background(), Http1_1, headers, false, true, NewCodecRegistry(), host, nil)

	ctrl := ControllerFunc(func(ctx context.Context, e Exchange) error {
		e.Response().Body().Raw([]byte("ok"))
		return nil
	})
	ex.Start(ctrl)

	waitUntil(t, func() bool { _, _, completed, _, _ := host.snapshot(); return completed })
	status, data, completed, erroredCause, _ := host.snapshot()
	if !completed || erroredCause != nil {
		t.Fatalf("expected clean completion, got completed=%v err=%v", completed, erroredCause)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if string(data) != "ok" {
		t.Fatalf("data = %q, want %q", data, "ok")
	}
	if !ex.Disposed() {
		t.Fatal("exchange should be disposed after completion")
	}
}

func TestAbstractExchangeHandlerErrorRunsGenericFallback(t *testing.T) {
	host := &recordingResponder{}
	headers := NewRequestHeaders(MethodGet, "/missing", "http", "example.test", nil)
	ex := NewAbstractExchange(context.Background(), Http1_1, headers, false, true, NewCodecRegistry(), host, nil)

	ctrl := ControllerFunc(func(ctx context.Context, e Exchange) error {
		return NewNotFoundError(e.Request().Path())
	})
	ex.Start(ctrl)

	waitUntil(t, func() bool { status, _, _, _, _ := host.snapshot(); return status != 0 })
	status, _, completed, erroredCause, _ := host.snapshot()
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if !completed || erroredCause != nil {
		t.Fatalf("generic error handler should complete normally, got completed=%v err=%v", completed, erroredCause)
	}
}

func TestAbstractExchangeResetIsIdempotentAndSuppressesResponse(t *testing.T) {
	host := &recordingResponder{}
	headers := NewRequestHeaders(MethodGet, "/", "http", "example.test", nil)
	ex := NewAbstractExchange(context.Background(), Http1_1, headers, false, true, NewCodecRegistry(), host, nil)

	cause := &ResetError{Code: 8}
	ex.Reset(cause)
	ex.Reset(cause) // idempotent: must not panic or double-invoke the host

	_, _, _, _, resetCause := host.snapshot()
	if resetCause != error(cause) {
		t.Fatalf("resetCause = %v, want %v", resetCause, cause)
	}
	if !ex.IsReset() {
		t.Fatal("IsReset should be true after Reset")
	}
	if !ex.Disposed() {
		t.Fatal("Reset should dispose the exchange")
	}
}

func TestAbstractExchangeWebSocketRejectedOnHTTP2(t *testing.T) {
	host := &recordingResponder{}
	headers := NewRequestHeaders(MethodGet, "/ws", "https", "example.test", nil)
	ex := NewAbstractExchange(context.Background(), Http2, headers, false, true, NewCodecRegistry(), host, nil)

	if _, err := ex.WebSocket(); err == nil {
		t.Fatal("WebSocket should be rejected on HTTP/2 exchanges")
	}
}

func TestAbstractExchangeStateTracksLifecycle(t *testing.T) {
	host := &recordingResponder{}
	headers := NewRequestHeaders(MethodGet, "/", "http", "example.test", nil)
	ex := NewAbstractExchange(context.Background(), Http1_1, headers, false, true, NewCodecRegistry(), host, nil)

	if got := ex.state(); got != stateCreated {
		t.Fatalf("state before Start = %v, want %v", got, stateCreated)
	}

	ctrl := ControllerFunc(func(ctx context.Context, e Exchange) error {
		e.Response().Body().Raw([]byte("ok"))
		return nil
	})
	ex.Start(ctrl)

	waitUntil(t, func() bool { return ex.state() == stateCompleted })
}

func TestAbstractExchangeStateReachesErrorExchangeStarted(t *testing.T) {
	host := &recordingResponder{}
	headers := NewRequestHeaders(MethodGet, "/missing", "http", "example.test", nil)
	ex := NewAbstractExchange(context.Background(), Http1_1, headers, false, true, NewCodecRegistry(), host, nil)

	ctrl := ControllerFunc(func(ctx context.Context, e Exchange) error {
		return NewNotFoundError(e.Request().Path())
	})
	ex.Start(ctrl)

	waitUntil(t, func() bool { status, _, _, _, _ := host.snapshot(); return status != 0 })
	// The generic error handler runs on ex.errorExchange, a distinct
	// *AbstractExchange sharing ex's request/response/host (§4.3/§4.4), and
	// it runs the full send-response sequence on itself, ending up Completed.
	if ex.errorExchange == nil {
		t.Fatal("HandleError should have created an errorExchange")
	}
	waitUntil(t, func() bool { return ex.errorExchange.state() == stateCompleted })
	if ex.errorExchange.kind != kindError {
		t.Fatalf("errorExchange.kind = %v, want kindError", ex.errorExchange.kind)
	}
}
