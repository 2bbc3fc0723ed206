package httpcore

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
)

// HTTPError is implemented by errors that carry a status code to send to the
// client, mirroring the source's HttpException hierarchy (§5.4 of
// SPEC_FULL.md).
type HTTPError interface {
	error
	StatusCode() int
}

// httpError is the concrete HTTPError used by NewHTTPError and its
// constructors below.
type httpError struct {
	status  int
	msg     string
	allow   []string      // for MethodNotAllowed
	retry   time.Duration // for ServiceUnavailable, 0 means unset
	wrapped error
}

func (e *httpError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("%d %s", e.status, http.StatusText(e.status))
}

func (e *httpError) StatusCode() int { return e.status }

func (e *httpError) Unwrap() error { return e.wrapped }

// NewHTTPError builds a plain HTTPError carrying the given status code.
func NewHTTPError(status int, msg string) HTTPError {
	return &httpError{status: status, msg: msg}
}

// NewNotFoundError builds the canonical 404 HttpException.
func NewNotFoundError(path string) HTTPError {
	return &httpError{status: http.StatusNotFound, msg: fmt.Sprintf("no route for %q", path)}
}

// NewMethodNotAllowedError builds a 405 HttpException carrying the set of
// methods that are valid for the resource, used by GenericErrorExchangeHandler
// to populate the Allow header (§4.4).
func NewMethodNotAllowedError(allowed ...string) HTTPError {
	return &httpError{status: http.StatusMethodNotAllowed, allow: allowed}
}

// NewServiceUnavailableError builds a 503 HttpException optionally carrying a
// retry-after duration, used by GenericErrorExchangeHandler to populate the
// Retry-After header (§4.4). A zero retryAfter omits the header.
func NewServiceUnavailableError(retryAfter time.Duration) HTTPError {
	return &httpError{status: http.StatusServiceUnavailable, retry: retryAfter}
}

// AllowedMethods returns the method list carried by a MethodNotAllowed error,
// or nil.
func AllowedMethods(err error) []string {
	var he *httpError
	if errors.As(err, &he) {
		return he.allow
	}
	return nil
}

// RetryAfter returns the retry duration carried by a ServiceUnavailable
// error, and whether one was set.
func RetryAfter(err error) (time.Duration, bool) {
	var he *httpError
	if errors.As(err, &he) && he.retry > 0 {
		return he.retry, true
	}
	return 0, false
}

// ProtocolError represents a malformed frame or message detected by the
// WireFramer: a request-line/URI too long, headers too large, or a
// malformed multipart body. Maps to a 4xx response; if response headers were
// already written when it's detected, it is escalated to a connection
// shutdown instead (§7).
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (status %d)", e.Reason, e.Status)
}

func (e *ProtocolError) StatusCode() int { return e.Status }

// NewProtocolError builds a ProtocolError with the given status and reason.
func NewProtocolError(status int, reason string) *ProtocolError {
	return &ProtocolError{Status: status, Reason: reason}
}

// ErrHeaderAlreadyWritten is returned when code attempts to mutate
// ResponseHeaders, or send a second response, after headers have left the
// outbound encoder. It is always fatal to the exchange: no recovery is
// possible mid-stream (§4.3 handle_error, §7).
var ErrHeaderAlreadyWritten = errors.New("httpcore: response headers already written")

// ErrConnectionClosed is the synthetic cause used to dispose in-flight
// exchanges when their connection is torn down (§7 ConnectionClosed, S6).
var ErrConnectionClosed = errors.New("httpcore: connection was closed")

// ResetError is the HTTP/2-only "stream reset" cause (§7 Reset). On
// HTTP/1.x, a reset is modeled as a fatal connection error because 1.x has
// no notion of resetting a single exchange independently of the connection.
type ResetError struct {
	Code uint32
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("httpcore: stream reset, code %d", e.Code)
}

// WebSocketHandshakeError wraps a failure during the WebSocket upgrade
// handshake. It is delegated to the WebSocket handler path and does not, by
// itself, shut the HTTP connection down (§7).
type WebSocketHandshakeError struct {
	Reason string
	Cause  error
}

func (e *WebSocketHandshakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("websocket handshake failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("websocket handshake failed: %s", e.Reason)
}

func (e *WebSocketHandshakeError) Unwrap() error { return e.Cause }

// CorruptedFrameError wraps a WebSocket framing violation detected after a
// successful handshake (bad opcode, oversized frame, unmasked client frame
// when masking is required, …). Like WebSocketHandshakeError it is handled
// by the WebSocket protocol handler, not by tearing down the HTTP
// connection (§7).
type CorruptedFrameError struct {
	Reason string
}

func (e *CorruptedFrameError) Error() string {
	return fmt.Sprintf("corrupted websocket frame: %s", e.Reason)
}

// combineFatal aggregates a primary cause with a secondary failure that
// occurred while trying to recover from it (e.g. the last-resort
// ErrorExchange itself erroring). Both are preserved and observable on the
// connection's terminal log line, per §8 of SPEC_FULL.md.
func combineFatal(primary, secondary error) error {
	if secondary == nil {
		return primary
	}
	if primary == nil {
		return secondary
	}
	return multierr.Append(primary, secondary)
}
