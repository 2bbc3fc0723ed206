package httpcore

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"

	"github.com/gorilla/schema"
)

// Method is an HTTP request method.
type Method string

// Methods recognized by RequestBody's "does this method carry a body" rule
// (§3 "body() returns Some only if method ∈ {POST, PUT, PATCH, DELETE}").
const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
	MethodConnect Method = "CONNECT"
	MethodTrace   Method = "TRACE"
)

func methodCarriesBody(m Method) bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	default:
		return false
	}
}

// RequestHeaders is immutable once built. For HTTP/1.x the method/scheme/
// authority derive from the request line; for HTTP/2 they derive from the
// :method/:scheme/:authority pseudo-headers (§3).
type RequestHeaders struct {
	method    Method
	path      string
	scheme    string
	authority string
	headers   *Headers
}

// NewRequestHeaders builds an immutable RequestHeaders.
func NewRequestHeaders(method Method, path, scheme, authority string, headers *Headers) *RequestHeaders {
	if headers == nil {
		headers = NewHeaders()
	}
	return &RequestHeaders{method: method, path: path, scheme: scheme, authority: authority, headers: headers}
}

func (h *RequestHeaders) Method() Method       { return h.method }
func (h *RequestHeaders) Path() string         { return h.path }
func (h *RequestHeaders) Scheme() string       { return h.scheme }
func (h *RequestHeaders) Authority() string    { return h.authority }
func (h *RequestHeaders) Headers() *Headers    { return h.headers }
func (h *RequestHeaders) ContentType() string  { return h.headers.ContentType() }
func (h *RequestHeaders) ContentLength() int64 { n, _ := h.headers.ContentLength(); return n }

// RequestBody is a lazy, single-subscription byte stream plus view decoders
// (url-encoded form parameters, multipart parts). The sink discipline
// follows Testable Property 2: every chunk delivered to a live exchange is
// consumed or released, never both, never neither.
type RequestBody struct {
	sink     *Sink
	headers  *RequestHeaders
	codecs   *CodecRegistry
	consumed bool
}

// NewRequestBody wraps sink with the header context needed to interpret its
// bytes (content-type driven decoding).
func NewRequestBody(sink *Sink, headers *RequestHeaders, codecs *CodecRegistry) *RequestBody {
	return &RequestBody{sink: sink, headers: headers, codecs: codecs}
}

// Sink exposes the raw chunk stream and marks the body as consumed. The
// connection itself takes the Sink to push request chunks into it, whether
// or not a handler ever reads them: unread chunks stay buffered up to the
// Sink's capacity (later ones are rejected and released) until the
// exchange is disposed, which releases them.
func (b *RequestBody) Sink() *Sink {
	b.consumed = true
	return b.sink
}

// Subscribed reports whether Sink has been called on this body, by a
// handler or by the connection delivering chunks.
func (b *RequestBody) Subscribed() bool { return b.consumed }

// ReadAll drains the body into a single byte slice, releasing each chunk as
// it is copied out.
func (b *RequestBody) ReadAll(ctx context.Context) ([]byte, error) {
	sink := b.Sink()
	var out []byte
	for {
		buf, ok := sink.Next(ctx)
		if !ok {
			if err := sink.Err(); err != nil {
				return nil, err
			}
			return out, nil
		}
		out = append(out, buf.Bytes()...)
		buf.Release()
	}
}

// Form decodes an "application/x-www-form-urlencoded" body into an ordered
// parameter multimap (§3 RequestBody "url-encoded form parameters").
func (b *RequestBody) Form(ctx context.Context) (url.Values, error) {
	data, err := b.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return url.ParseQuery(string(data))
}

// FormInto decodes an "application/x-www-form-urlencoded" body directly into
// a struct pointed to by dst, using github.com/gorilla/schema (the same
// form-decoding library balookrd-outline-cli-ws depends on) on top of Form's
// multimap.
func (b *RequestBody) FormInto(ctx context.Context, dst any) error {
	values, err := b.Form(ctx)
	if err != nil {
		return err
	}
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	if err := dec.Decode(dst, values); err != nil {
		return fmt.Errorf("httpcore: form decode: %w", err)
	}
	return nil
}

// Decode reads the whole body and decodes it via the Codec registered for
// the request's Content-Type.
func (b *RequestBody) Decode(ctx context.Context, dst any) error {
	mediaType, _, err := mime.ParseMediaType(b.headers.ContentType())
	if err != nil {
		mediaType = b.headers.ContentType()
	}
	codec, ok := b.codecs.For(mediaType)
	if !ok {
		return fmt.Errorf("httpcore: no codec registered for media type %q", mediaType)
	}
	data, err := b.ReadAll(ctx)
	if err != nil {
		return err
	}
	return codec.Decode(ctx, mediaType, bytes.NewReader(data), dst)
}

// Multipart returns a MultipartFormDataBodyDecoder over the body, if its
// Content-Type is multipart/form-data; otherwise it returns an error.
func (b *RequestBody) Multipart(cfg *ServerConfig) (*MultipartFormDataBodyDecoder, error) {
	return NewMultipartFormDataBodyDecoder(b.Sink(), b.headers.ContentType(), cfg)
}

// Request is immutable once built; Body returns nil for methods that never
// carry one (§3).
type Request struct {
	headers *RequestHeaders
	body    *RequestBody
}

// NewRequest pairs headers with a body sink, honoring the
// method-carries-body rule: if the method doesn't carry a body, body is
// ignored and Request.Body returns nil.
func NewRequest(headers *RequestHeaders, body *RequestBody) *Request {
	r := &Request{headers: headers}
	if methodCarriesBody(headers.Method()) {
		r.body = body
	}
	return r
}

func (r *Request) Headers() *RequestHeaders { return r.headers }
func (r *Request) Method() Method           { return r.headers.Method() }
func (r *Request) Path() string             { return r.headers.Path() }

// Body returns the request body, or nil if the method does not carry one.
func (r *Request) Body() *RequestBody { return r.body }
