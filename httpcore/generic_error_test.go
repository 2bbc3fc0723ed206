package httpcore

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func newBareExchange(t *testing.T, cause error) *AbstractExchange {
	t.Helper()
	headers := NewRequestHeaders(MethodGet, "/", "http", "example.test", nil)
	ex := NewAbstractExchange(context.Background(), Http1_1, headers, false, true, NewCodecRegistry(), fakeResponder{}, nil)
	ex.cause = cause
	return ex
}

func TestGenericErrorExchangeHandlerHTTPError(t *testing.T) {
	ex := newBareExchange(t, NewNotFoundError("/missing"))
	if err := genericErrorExchangeHandler(ex); err != nil {
		t.Fatalf("genericErrorExchangeHandler: %v", err)
	}
	if got := ex.Response().Headers().Status(); got != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", got)
	}
}

func TestGenericErrorExchangeHandlerMethodNotAllowedSetsAllow(t *testing.T) {
	ex := newBareExchange(t, NewMethodNotAllowedError("GET", "HEAD"))
	if err := genericErrorExchangeHandler(ex); err != nil {
		t.Fatalf("genericErrorExchangeHandler: %v", err)
	}
	if got := ex.Response().Headers().Headers().Get("Allow"); got != "GET, HEAD" {
		t.Fatalf("Allow header = %q, want %q", got, "GET, HEAD")
	}
}

func TestGenericErrorExchangeHandlerServiceUnavailableSetsRetryAfter(t *testing.T) {
	ex := newBareExchange(t, NewServiceUnavailableError(3*time.Second))
	if err := genericErrorExchangeHandler(ex); err != nil {
		t.Fatalf("genericErrorExchangeHandler: %v", err)
	}
	if got := ex.Response().Headers().Headers().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After header = %q, want %q", got, "3")
	}
}

func TestGenericErrorExchangeHandlerProtocolErrorUsesItsOwnStatus(t *testing.T) {
	ex := newBareExchange(t, NewProtocolError(431, "header block too large"))
	if err := genericErrorExchangeHandler(ex); err != nil {
		t.Fatalf("genericErrorExchangeHandler: %v", err)
	}
	if got := ex.Response().Headers().Status(); got != 431 {
		t.Fatalf("status = %d, want 431 (ProtocolError implements HTTPError and carries its own status)", got)
	}
}

func TestGenericErrorExchangeHandlerUnknownErrorMapsTo500(t *testing.T) {
	ex := newBareExchange(t, errors.New("boom"))
	if err := genericErrorExchangeHandler(ex); err != nil {
		t.Fatalf("genericErrorExchangeHandler: %v", err)
	}
	if got := ex.Response().Headers().Status(); got != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", got)
	}
}

func TestGenericErrorExchangeHandlerHeadersAlreadyWritten(t *testing.T) {
	ex := newBareExchange(t, errors.New("boom"))
	ex.Response().Headers().MarkWritten()
	if err := genericErrorExchangeHandler(ex); err != ErrHeaderAlreadyWritten {
		t.Fatalf("err = %v, want ErrHeaderAlreadyWritten", err)
	}
}

func TestFormatRetryAfterDateIsHTTPDate(t *testing.T) {
	at := time.Date(2026, time.July, 31, 12, 0, 0, 0, time.UTC)
	got := FormatRetryAfterDate(at)
	want := at.Format(http.TimeFormat)
	if got != want {
		t.Fatalf("FormatRetryAfterDate = %q, want %q", got, want)
	}
}
