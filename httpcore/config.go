package httpcore

import (
	"time"

	"github.com/docker/go-units"
)

// DefaultMultipartMaxPartSize is used when ServerConfig.MultipartMaxPartSize
// is zero, mirroring the default/negative/positive tri-state convention the
// teacher uses for DefaultMaxBodyBytes.
const DefaultMultipartMaxPartSize int64 = 8 << 20 // 8MB

// DefaultMultipartMaxHeadersSize bounds the total size of a single part's
// header block while it is being accumulated in the Headers decoder state.
const DefaultMultipartMaxHeadersSize int64 = 64 << 10 // 64KB

// DefaultMaxRequestLineSize bounds an HTTP/1.x request line before
// readRequestStart synthesizes REQUEST_URI_TOO_LONG (§3 "S2 URI too long").
const DefaultMaxRequestLineSize int64 = 8 << 10 // 8KB

// DefaultMaxRequestHeaderSize bounds the accumulated size of an HTTP/1.x
// request's header block before readRequestStart synthesizes
// REQUEST_HEADER_FIELDS_TOO_LARGE.
const DefaultMaxRequestHeaderSize int64 = 1 << 20 // 1MB

// ServerConfig is frozen at connection creation (§4 of SPEC_FULL.md). It is
// built with NewServerConfig and a list of Options; unknown options have no
// effect, and there is no setter surface once built.
type ServerConfig struct {
	GracefulShutdownTimeout time.Duration
	IdleTimeout             time.Duration

	WebSocketEnabled          bool
	WebSocketMaxFrameSize     int64
	WebSocketCloseTimeout     time.Duration
	WebSocketHandshakeTimeout time.Duration

	// WebSocketMessageCompressionEnabled/Level configure RFC 7692
	// permessage-deflate, the only compression mode gorilla/websocket
	// exposes a negotiation knob for; per-parameter context-takeover
	// control is not, so it is not represented here (see DESIGN.md).
	WebSocketMessageCompressionEnabled bool
	WebSocketMessageCompressionLevel   int

	HTTP1ValidateHeaders bool
	MaxRequestLineSize   int64
	MaxRequestHeaderSize int64

	MultipartMaxPartSize    int64
	MultipartMaxHeadersSize int64

	MaxConcurrentStreams int64

	// MaxOutboundFrameRate bounds the number of HTTP/2 DATA/HEADERS frames a
	// single connection may emit per second, used to pace WINDOW_UPDATE
	// triggered write bursts (SPEC_FULL.md §5.2, domain-stack wiring).
	MaxOutboundFrameRate float64
}

// Option configures a ServerConfig built by NewServerConfig.
type Option func(*ServerConfig)

// NewServerConfig builds a frozen ServerConfig with sane defaults, applying
// opts in order.
func NewServerConfig(opts ...Option) *ServerConfig {
	c := &ServerConfig{
		GracefulShutdownTimeout:   30 * time.Second,
		IdleTimeout:               0, // disabled unless WithIdleTimeout is given
		WebSocketEnabled:          false,
		WebSocketMaxFrameSize:     1 << 20,
		WebSocketCloseTimeout:     5 * time.Second,
		WebSocketHandshakeTimeout: 10 * time.Second,
		HTTP1ValidateHeaders:      true,
		MaxRequestLineSize:        DefaultMaxRequestLineSize,
		MaxRequestHeaderSize:      DefaultMaxRequestHeaderSize,
		MultipartMaxPartSize:      DefaultMultipartMaxPartSize,
		MultipartMaxHeadersSize:   DefaultMultipartMaxHeadersSize,
		MaxConcurrentStreams:      100,
		MaxOutboundFrameRate:      10000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithGracefulShutdownTimeout sets the maximum time shutdown_gracefully
// waits for in-flight exchanges to drain before forcing the connection
// closed (§4.1).
func WithGracefulShutdownTimeout(d time.Duration) Option {
	return func(c *ServerConfig) { c.GracefulShutdownTimeout = d }
}

// WithIdleTimeout sets the connection-level idle read timeout. Zero disables
// it. Idle-timeout user events are explicitly left undefined by the source
// (§9); this only determines when the connection is forcibly shut down.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *ServerConfig) { c.IdleTimeout = d }
}

// WithWebSocket enables WebSocket upgrades and sets the max frame size.
func WithWebSocket(maxFrameSize int64) Option {
	return func(c *ServerConfig) {
		c.WebSocketEnabled = true
		c.WebSocketMaxFrameSize = maxFrameSize
	}
}

// WithWebSocketMessageCompression enables permessage-deflate (RFC 7692) at
// the given flate compression level; level is passed to
// (*websocket.Conn).SetCompressionLevel once a connection is upgraded.
func WithWebSocketMessageCompression(level int) Option {
	return func(c *ServerConfig) {
		c.WebSocketMessageCompressionEnabled = true
		c.WebSocketMessageCompressionLevel = level
	}
}

// WithHTTP1ValidateHeaders toggles strict header validation for HTTP/1.x.
func WithHTTP1ValidateHeaders(validate bool) Option {
	return func(c *ServerConfig) { c.HTTP1ValidateHeaders = validate }
}

// WithMaxRequestLineSize bounds an HTTP/1.x request line; a request line at
// or beyond this size is rejected with REQUEST_URI_TOO_LONG (414).
func WithMaxRequestLineSize(n int64) Option {
	return func(c *ServerConfig) { c.MaxRequestLineSize = n }
}

// WithMaxRequestHeaderSize bounds the accumulated size of an HTTP/1.x
// request's header block; exceeding it is rejected with
// REQUEST_HEADER_FIELDS_TOO_LARGE (431).
func WithMaxRequestHeaderSize(n int64) Option {
	return func(c *ServerConfig) { c.MaxRequestHeaderSize = n }
}

// WithMultipartMaxPartSize parses a human byte-size string ("10MB", "512KB")
// via github.com/docker/go-units and sets the maximum size of a single
// multipart Part's data before MultipartFormDataBodyDecoder aborts it.
func WithMultipartMaxPartSize(humanSize string) Option {
	return func(c *ServerConfig) {
		if n, err := units.FromHumanSize(humanSize); err == nil {
			c.MultipartMaxPartSize = n
		}
	}
}

// WithMultipartMaxHeadersSize parses a human byte-size string and sets the
// maximum accumulated size of a single part's header block.
func WithMultipartMaxHeadersSize(humanSize string) Option {
	return func(c *ServerConfig) {
		if n, err := units.FromHumanSize(humanSize); err == nil {
			c.MultipartMaxHeadersSize = n
		}
	}
}

// WithMaxConcurrentStreams bounds the number of concurrently open HTTP/2
// streams (including server-pushed ones) per connection (§4.2, §10 Open
// Question #1).
func WithMaxConcurrentStreams(n int64) Option {
	return func(c *ServerConfig) { c.MaxConcurrentStreams = n }
}

// WithMaxOutboundFrameRate bounds the rate at which a connection emits
// outbound HTTP/2 frames, in frames per second.
func WithMaxOutboundFrameRate(ratePerSecond float64) Option {
	return func(c *ServerConfig) { c.MaxOutboundFrameRate = ratePerSecond }
}

// effectiveInt64 mirrors the teacher's effectiveMaxBodyBytes tri-state
// convention: 0 means "use def", negative means "no limit" (returned as 0
// meaning unlimited downstream), positive means "use as-is".
func effectiveInt64(configured, def int64) int64 {
	switch {
	case configured == 0:
		return def
	case configured < 0:
		return 0
	default:
		return configured
	}
}
