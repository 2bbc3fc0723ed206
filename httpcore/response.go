package httpcore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/atomic"
)

// ResponseHeaders is mutable until Written() becomes true — the moment
// headers leave the outbound encoder (§3). After that, every mutator
// returns ErrHeaderAlreadyWritten.
type ResponseHeaders struct {
	status  int
	headers *Headers
	written atomic.Bool
}

// NewResponseHeaders returns a 200 OK ResponseHeaders with empty headers.
func NewResponseHeaders() *ResponseHeaders {
	return &ResponseHeaders{status: http.StatusOK, headers: NewHeaders()}
}

// Status returns the current status code.
func (h *ResponseHeaders) Status() int { return h.status }

// SetStatus sets the status code, failing once headers are written.
func (h *ResponseHeaders) SetStatus(status int) error {
	if h.written.Load() {
		return ErrHeaderAlreadyWritten
	}
	h.status = status
	return nil
}

// Headers returns the mutable header multimap. Callers must not mutate it
// after Written() is true; doing so is a caller bug that this type cannot
// prevent at the field level (mirroring the source's "mutations fail" rule
// being enforced at the setter, not the getter).
func (h *ResponseHeaders) Headers() *Headers { return h.headers }

// Set sets a header value, failing once headers are written.
func (h *ResponseHeaders) Set(name, value string) error {
	if h.written.Load() {
		return ErrHeaderAlreadyWritten
	}
	h.headers.Set(name, value)
	return nil
}

// Add appends a header value, failing once headers are written.
func (h *ResponseHeaders) Add(name, value string) error {
	if h.written.Load() {
		return ErrHeaderAlreadyWritten
	}
	h.headers.Add(name, value)
	return nil
}

// ContentType is a semantic accessor/mutator pair over Content-Type.
func (h *ResponseHeaders) ContentType() string { return h.headers.ContentType() }

func (h *ResponseHeaders) SetContentType(ct string) error { return h.Set("Content-Type", ct) }

// Written reports whether headers have left the outbound encoder.
func (h *ResponseHeaders) Written() bool { return h.written.Load() }

// MarkWritten is called by the owning Connection exactly once, at the
// moment it hands the headers to the wire encoder.
func (h *ResponseHeaders) MarkWritten() { h.written.Store(true) }

// bodyKind tags which terminal ResponseBody variant has been selected.
type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyRaw
	bodyString
	bodyResource
	bodySSE
)

// SSEEvent is a single Server-Sent Event emitted by an SSE ResponseBody.
type SSEEvent struct {
	ID    string
	Name  string
	Data  []byte
	Retry int // milliseconds, 0 means unset
}

// transformFunc wraps the outbound publisher, used for before/after hooks
// and access logging (§3 ResponseBody "transform").
type transformFunc func(ctx context.Context, chunk *Buffer) (*Buffer, error)

// ResponseBody holds exactly one terminal body variant. Selecting a second,
// different variant is a no-op; Empty() is idempotent as long as no data has
// been sent (§3).
type ResponseBody struct {
	kind bodyKind

	raw        []byte
	str        string
	resource   string // file path
	sseEvents  <-chan SSEEvent

	transforms []transformFunc
	sent       bool
}

// NewResponseBody returns an empty ResponseBody (kind bodyNone).
func NewResponseBody() *ResponseBody {
	return &ResponseBody{}
}

func (b *ResponseBody) selectKind(k bodyKind) bool {
	if b.sent {
		return false
	}
	if b.kind != bodyNone && b.kind != k {
		return false // only one terminal variant may be selected
	}
	if b.kind == k && k != bodyNone {
		return false // selecting twice is a no-op
	}
	b.kind = k
	return true
}

// Raw selects the raw-bytes variant.
func (b *ResponseBody) Raw(data []byte) *ResponseBody {
	if b.selectKind(bodyRaw) {
		b.raw = data
	}
	return b
}

// String selects the string variant.
func (b *ResponseBody) String(s string) *ResponseBody {
	if b.selectKind(bodyString) {
		b.str = s
	}
	return b
}

// Resource selects the file-resource variant, streamed from disk.
func (b *ResponseBody) Resource(path string) *ResponseBody {
	if b.selectKind(bodyResource) {
		b.resource = path
	}
	return b
}

// SSE selects the Server-Sent Events variant, streaming from events until it
// closes.
func (b *ResponseBody) SSE(events <-chan SSEEvent) *ResponseBody {
	if b.selectKind(bodySSE) {
		b.sseEvents = events
	}
	return b
}

// Empty selects no body. It is idempotent as long as no data has been sent;
// calling it after another variant was already selected and flushed has no
// effect (§3).
func (b *ResponseBody) Empty() *ResponseBody {
	if !b.sent {
		b.kind = bodyNone
	}
	return b
}

// Transform registers fn to run over every outbound chunk, in registration
// order, used for before/after hooks and access logging.
func (b *ResponseBody) Transform(fn transformFunc) *ResponseBody {
	b.transforms = append(b.transforms, fn)
	return b
}

func (b *ResponseBody) applyTransforms(ctx context.Context, buf *Buffer) (*Buffer, error) {
	var err error
	for _, t := range b.transforms {
		buf, err = t(ctx, buf)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// writeTo streams the selected body variant through emit, one Buffer per
// call, with endStream set on the last call, and returns the first error
// it meets. It is called by AbstractExchange once
// headers have been sent.
func (b *ResponseBody) writeTo(ctx context.Context, headRequest bool, emit func(*Buffer, bool) error) error {
	b.sent = true
	if headRequest {
		return emit(nil, true) // HEAD suppresses the body entirely (§3 Exchange.head)
	}
	switch b.kind {
	case bodyNone:
		return emit(nil, true)
	case bodyRaw:
		return b.emitChunk(ctx, b.raw, emit)
	case bodyString:
		return b.emitChunk(ctx, []byte(b.str), emit)
	case bodyResource:
		return b.writeResource(ctx, emit)
	case bodySSE:
		return b.writeSSE(ctx, emit)
	default:
		return fmt.Errorf("httpcore: unknown response body kind %d", b.kind)
	}
}

func (b *ResponseBody) emitChunk(ctx context.Context, data []byte, emit func(*Buffer, bool) error) error {
	if len(data) == 0 {
		return emit(nil, true)
	}
	buf, err := b.applyTransforms(ctx, NewBuffer(data))
	if err != nil {
		return err
	}
	return emit(buf, true)
}

func (b *ResponseBody) writeResource(ctx context.Context, emit func(*Buffer, bool) error) error {
	f, err := os.Open(b.resource)
	if err != nil {
		return fmt.Errorf("httpcore: open resource: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64<<10)
	chunk := make([]byte, 64<<10)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			buf, terr := b.applyTransforms(ctx, NewBuffer(data))
			if terr != nil {
				return terr
			}
			if err := emit(buf, rerr == io.EOF); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			if n == 0 {
				return emit(nil, true)
			}
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("httpcore: read resource: %w", rerr)
		}
	}
}

func (b *ResponseBody) writeSSE(ctx context.Context, emit func(*Buffer, bool) error) error {
	for {
		select {
		case evt, ok := <-b.sseEvents:
			if !ok {
				return emit(nil, true)
			}
			buf, err := b.applyTransforms(ctx, NewBuffer(encodeSSEEvent(evt)))
			if err != nil {
				return err
			}
			if err := emit(buf, false); err != nil {
				return err
			}
		case <-ctx.Done():
			return emit(nil, true)
		}
	}
}

// encodeSSEEvent renders an SSEEvent in the "text/event-stream" wire format,
// generalizing the teacher's writeEvent helper (referenced from
// mcp/streamable.go) from JSON-RPC payloads to arbitrary response data.
func encodeSSEEvent(evt SSEEvent) []byte {
	var out []byte
	if evt.ID != "" {
		out = append(out, "id: "...)
		out = append(out, evt.ID...)
		out = append(out, '\n')
	}
	if evt.Name != "" {
		out = append(out, "event: "...)
		out = append(out, evt.Name...)
		out = append(out, '\n')
	}
	if evt.Retry > 0 {
		out = append(out, fmt.Sprintf("retry: %d\n", evt.Retry)...)
	}
	out = append(out, "data: "...)
	out = append(out, evt.Data...)
	out = append(out, '\n', '\n')
	return out
}

// Response pairs ResponseHeaders with a ResponseBody.
type Response struct {
	headers *ResponseHeaders
	body    *ResponseBody
}

// NewResponse returns a fresh 200 OK / empty-body Response.
func NewResponse() *Response {
	return &Response{headers: NewResponseHeaders(), body: NewResponseBody()}
}

func (r *Response) Headers() *ResponseHeaders { return r.headers }
func (r *Response) Body() *ResponseBody       { return r.body }
