package httpcore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/inverno-io/inverno-mods-sub007/httpcore/internal/godebug"
)

// readChunkSize bounds how much of the TCP stream is copied into a single
// Buffer before it is pushed onto an exchange's request Sink (§5.1 ingress).
const readChunkSize = 32 << 10

// http1WriteReq is one unit of outbound work handed to the writer goroutine,
// serializing access to bw the way the teacher serializes writes to its
// single stdio/websocket connection in StreamableServerTransport.
type http1WriteReq struct {
	headers   bool // true selects the header-line path, false the data path
	status    int
	fields    *Headers
	endStream bool
	buf       *Buffer
	result    chan error
}

// Http1Connection implements HTTP/1.x pipelining over a single net.Conn: an
// ExchangeQueue orders responses while requests are read and dispatched as
// soon as each request-line/header block completes (§5.1).
type Http1Connection struct {
	baseConn

	br *bufio.Reader
	bw *bufio.Writer
	tp *textproto.Reader

	queue      *ExchangeQueue
	codecs     *CodecRegistry
	controller Controller
	errCtrl    Controller
	hasErrCtrl bool
	logger     *log.Logger

	writeCh chan *http1WriteReq

	turnMu         sync.Mutex
	turn           map[*AbstractExchange]chan struct{}
	currentChunked bool // transfer mode of the exchange currently writing DATA

	ingressDone atomic.Bool // true once readLoop has returned: no further requests will arrive

	closeOnce sync.Once

	ws *WebSocketUpgrade
}

// NewHttp1Connection wires a raw net.Conn into an HTTP/1.x connection. ctrl
// handles normal exchanges; errCtrl, if non-nil, is consulted before the
// builtin last-resort fallback (§4.4, errorControllerHost).
func NewHttp1Connection(rwc net.Conn, cfg *ServerConfig, codecs *CodecRegistry, ctrl Controller, errCtrl Controller, logger *log.Logger) *Http1Connection {
	if logger == nil {
		logger = log.Default()
	}
	c := &Http1Connection{
		baseConn:   newBaseConn(rwc, cfg),
		br:         bufio.NewReaderSize(rwc, readChunkSize),
		bw:         bufio.NewWriterSize(rwc, readChunkSize),
		queue:      NewExchangeQueue(),
		codecs:     codecs,
		controller: ctrl,
		errCtrl:    errCtrl,
		hasErrCtrl: errCtrl != nil,
		logger:     logger,
		writeCh:    make(chan *http1WriteReq, 8),
		turn:       make(map[*AbstractExchange]chan struct{}),
	}
	c.tp = textproto.NewReader(c.br)
	if cfg.WebSocketEnabled {
		c.ws = NewWebSocketUpgrade(cfg)
	}
	return c
}

func (c *Http1Connection) Protocol() Protocol { return Http1_1 }

// ErrorController implements errorControllerHost.
func (c *Http1Connection) ErrorController() (Controller, bool) { return c.errCtrl, c.hasErrCtrl }

// Serve runs the read and write loops until the connection closes or ctx is
// cancelled, mirroring the teacher's errgroup-based pairing of a read loop
// with a writer loop in StreamableServerTransport.Connect.
func (c *Http1Connection) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop() })
	g.Go(func() error {
		err := c.readLoop(gctx)
		c.ingressDone.Store(true)
		if c.queue.Empty() {
			c.Shutdown()
		}
		return err
	})
	if c.cfg.IdleTimeout > 0 {
		g.Go(func() error { return c.idleWatch(gctx) })
	}

	err := g.Wait()
	c.finalize(err)
	return err
}

func (c *Http1Connection) idleWatch(ctx context.Context) error {
	watchIdle(ctx, c.cfg.IdleTimeout, c.readActive.Load, func() { c.Shutdown() })
	return nil
}

func (c *Http1Connection) finalize(cause error) {
	c.closed.Store(true)
	if cause == nil || c.closing.Load() {
		// After a shutdown the loops end on the closed connection; in-flight
		// exchanges get the synthetic cause rather than that I/O error.
		cause = ErrConnectionClosed
	}
	c.queue.DrainTail(cause)
	c.rwc.Close()
}

// readLoop is the ingress side of §5.1: parse a request-start, append its
// exchange to the queue, start the controller, then stream the body.
func (c *Http1Connection) readLoop(ctx context.Context) error {
	for {
		if c.closing.Load() {
			return nil
		}
		c.readActive.Store(true)
		reqHeaders, head, keepAlive, err := c.readRequestStart()
		c.readActive.Store(false)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if pe, ok := err.(*ProtocolError); ok {
				c.respondProtocolError(ctx, pe)
				return nil
			}
			return err
		}

		if godebug.Enabled("connlog") {
			c.logger.Printf("httpcore: connlog: read request %s %s (keepAlive=%v)", reqHeaders.Method(), reqHeaders.Path(), keepAlive)
		}

		ex := NewAbstractExchange(ctx, Http1_1, reqHeaders, head, keepAlive, c.codecs, c, c.logger)
		wasEmpty := c.queue.Append(ex)
		if !wasEmpty {
			ch := make(chan struct{})
			c.turnMu.Lock()
			c.turn[ex] = ch
			c.turnMu.Unlock()
		}
		ex.Start(c.controller)

		if berr := c.streamBody(ctx, ex, reqHeaders); berr != nil {
			if body := ex.Request().Body(); body != nil {
				body.Sink().Error(berr)
				body.Sink().Cancel()
			}
			return berr
		}

		if !keepAlive {
			return nil
		}
	}
}

// respondProtocolError synthesizes a minimal exchange to carry a
// request-line/header-block rejection (414/431/400, §3 "S2 URI too long")
// through the normal error-exchange pipeline rather than dropping the
// connection silently: it is appended to the queue like any real exchange,
// so its response respects pipelined FIFO ordering, then forced to close
// once written since the malformed input leaves no valid keep-alive state.
func (c *Http1Connection) respondProtocolError(ctx context.Context, pe *ProtocolError) {
	reqHeaders := NewRequestHeaders(MethodGet, "", "http", "", NewHeaders())
	ex := NewAbstractExchange(ctx, Http1_1, reqHeaders, false, false, c.codecs, c, c.logger)
	wasEmpty := c.queue.Append(ex)
	if !wasEmpty {
		ch := make(chan struct{})
		c.turnMu.Lock()
		c.turn[ex] = ch
		c.turnMu.Unlock()
	}
	ex.HandleError(pe)
}

func (c *Http1Connection) readRequestStart() (*RequestHeaders, bool, bool, error) {
	line, err := c.tp.ReadLine()
	if err != nil {
		return nil, false, false, err
	}
	if line == "" {
		return c.readRequestStart() // RFC 7230 §3.5: tolerate a leading blank line
	}
	if max := effectiveInt64(c.cfg.MaxRequestLineSize, DefaultMaxRequestLineSize); max > 0 && int64(len(line)) >= max {
		return nil, false, false, NewProtocolError(414, "request-line exceeds configured maximum")
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, false, false, NewProtocolError(400, "malformed request line")
	}
	methodStr, path, proto := parts[0], parts[1], parts[2]

	mimeHeader, err := c.tp.ReadMIMEHeader()
	if err != nil && mimeHeader == nil {
		return nil, false, false, fmt.Errorf("httpcore: read headers: %w", err)
	}
	var headerSize int64
	fields := NewHeaders()
	for name, values := range mimeHeader {
		for _, v := range values {
			headerSize += int64(len(name)) + int64(len(v)) + 4 // ": " + "\r\n"
			fields.Add(name, v)
		}
	}
	if max := effectiveInt64(c.cfg.MaxRequestHeaderSize, DefaultMaxRequestHeaderSize); max > 0 && headerSize > max {
		return nil, false, false, NewProtocolError(431, "request header block exceeds configured maximum")
	}
	if c.cfg.HTTP1ValidateHeaders {
		if err := validateHTTP1Headers(fields); err != nil {
			return nil, false, false, err
		}
	}

	scheme := "http"
	if c.tls {
		scheme = "https"
	}
	method := Method(strings.ToUpper(methodStr))
	reqHeaders := NewRequestHeaders(method, path, scheme, fields.Get("Host"), fields)
	keepAlive := computeKeepAlive(proto, fields)
	return reqHeaders, method == MethodHead, keepAlive, nil
}

func validateHTTP1Headers(h *Headers) error {
	var bad error
	h.Each(func(name, value string) {
		if bad != nil {
			return
		}
		if strings.ContainsAny(name, " \t\r\n") {
			bad = NewProtocolError(400, fmt.Sprintf("malformed header field name %q", name))
		}
	})
	return bad
}

func computeKeepAlive(proto string, h *Headers) bool {
	conn := strings.ToLower(h.Get("Connection"))
	switch {
	case strings.Contains(conn, "close"):
		return false
	case strings.Contains(conn, "keep-alive"):
		return true
	default:
		return proto == "HTTP/1.1"
	}
}

// streamBody pushes the request body, if any, onto ex's Sink, honoring
// Transfer-Encoding: chunked or Content-Length (§5.1 "Content"/"LastContent").
func (c *Http1Connection) streamBody(ctx context.Context, ex *AbstractExchange, headers *RequestHeaders) error {
	body := ex.Request().Body()
	if body == nil {
		return nil
	}
	sink := body.Sink()

	te := strings.ToLower(headers.Headers().Get("Transfer-Encoding"))
	if strings.Contains(te, "chunked") {
		return c.streamChunkedBody(ctx, sink)
	}

	n, ok := headers.Headers().ContentLength()
	if !ok || n <= 0 {
		sink.Complete()
		return nil
	}
	return c.streamFixedBody(ctx, sink, n)
}

func (c *Http1Connection) streamFixedBody(ctx context.Context, sink *Sink, remaining int64) error {
	for remaining > 0 {
		n := int64(readChunkSize)
		if remaining < n {
			n = remaining
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(c.br, data); err != nil {
			return fmt.Errorf("httpcore: read request body: %w", err)
		}
		remaining -= n
		if err := c.pushChunk(ctx, sink, data); err != nil {
			return err
		}
	}
	sink.Complete()
	return nil
}

func (c *Http1Connection) streamChunkedBody(ctx context.Context, sink *Sink) error {
	for {
		sizeLine, err := c.tp.ReadLine()
		if err != nil {
			return fmt.Errorf("httpcore: read chunk size: %w", err)
		}
		if i := strings.IndexByte(sizeLine, ';'); i >= 0 {
			sizeLine = sizeLine[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if err != nil {
			return NewProtocolError(400, "malformed chunk size")
		}
		if size == 0 {
			if _, err := c.tp.ReadMIMEHeader(); err != nil && err != io.EOF {
				return fmt.Errorf("httpcore: read chunk trailer: %w", err)
			}
			sink.Complete()
			return nil
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(c.br, data); err != nil {
			return fmt.Errorf("httpcore: read chunk data: %w", err)
		}
		if _, err := c.tp.ReadLine(); err != nil { // trailing CRLF
			return fmt.Errorf("httpcore: read chunk terminator: %w", err)
		}
		if err := c.pushChunk(ctx, sink, data); err != nil {
			return err
		}
	}
}

// pushChunk hands data to sink as one Buffer. A chunk the sink rejects
// (ErrOverflow: its buffer is full or it was cancelled) is released rather
// than retried (§4.1 step 3, Testable Property 2: enqueued exactly once or
// released, never both, never neither).
func (c *Http1Connection) pushChunk(ctx context.Context, sink *Sink, data []byte) error {
	buf := NewBuffer(data)
	if err := sink.Push(buf); err != nil {
		buf.Release()
	}
	return nil
}

// --- responder ---

func (c *Http1Connection) sendHeaders(ex *AbstractExchange, status int, headers *Headers, endStream bool) error {
	if err := c.waitTurn(ex); err != nil {
		return err
	}
	result := make(chan error, 1)
	c.writeCh <- &http1WriteReq{headers: true, status: status, fields: headers, endStream: endStream, result: result}
	return <-result
}

func (c *Http1Connection) sendData(ex *AbstractExchange, buf *Buffer, endStream bool) error {
	result := make(chan error, 1)
	c.writeCh <- &http1WriteReq{buf: buf, endStream: endStream, result: result}
	return <-result
}

func (c *Http1Connection) waitTurn(ex *AbstractExchange) error {
	// An error exchange writes in place of the queued exchange it replaces,
	// and only that queued exchange has a turn entry.
	for ex.parent != nil {
		ex = ex.parent
	}
	c.turnMu.Lock()
	ch, ok := c.turn[ex]
	c.turnMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ex.Context().Done():
		return ex.Context().Err()
	}
}

func (c *Http1Connection) exchangeStarted(ex *AbstractExchange) {}

func (c *Http1Connection) exchangeCompleted(ex *AbstractExchange) { c.advance(ex) }

func (c *Http1Connection) exchangeErrored(ex *AbstractExchange, err error) {
	c.logger.Printf("httpcore: exchange %s errored: %v", ex.ID(), err)
	c.advance(ex)
}

func (c *Http1Connection) exchangeReset(ex *AbstractExchange, err error) {
	c.logger.Printf("httpcore: exchange %s reset: %v", ex.ID(), err)
	c.queue.DrainTail(err)
	c.Shutdown()
}

func (c *Http1Connection) advance(ex *AbstractExchange) {
	if !ex.KeepAlive() {
		c.queue.DrainTail(ErrConnectionClosed)
		c.Shutdown()
		return
	}
	next, empty := c.queue.Advance()
	if empty {
		if c.ingressDone.Load() {
			c.Shutdown()
		}
		return
	}
	c.turnMu.Lock()
	if ch, ok := c.turn[next]; ok {
		close(ch)
		delete(c.turn, next)
	}
	c.turnMu.Unlock()
}

func (c *Http1Connection) upgradeToWebSocket(ex *AbstractExchange, pending *PendingWebSocket) error {
	if c.ws == nil {
		return fmt.Errorf("httpcore: websocket support is not enabled")
	}
	if err := c.waitTurn(ex); err != nil {
		return err
	}
	if err := c.ws.Upgrade(ex, pending, c.rwc, c.br, c.bw); err != nil {
		// gorilla/websocket has already written a complete HTTP error
		// response through the hijack adapter (WebSocketUpgrade.Upgrade);
		// the HTTP/1.x pipeline is intact, so mark this as a fallback
		// completion instead of letting HandleError write a second
		// response (§4.6 step 3, "restore the read/write pipeline").
		pending.Fallback = true
		return err
	}
	c.closing.Store(true) // no further HTTP/1.x exchanges will be read on this connection
	return nil
}

// --- writer loop ---

func (c *Http1Connection) writeLoop() error {
	for req := range c.writeCh {
		var err error
		if req.headers {
			err = c.writeHeaders(req)
		} else {
			err = c.writeData(req)
		}
		req.result <- err

		// Coalesce flushes: only hit the wire once the write queue has
		// drained, rather than after every individual frame.
	drain:
		for {
			select {
			case next, ok := <-c.writeCh:
				if !ok {
					c.bw.Flush()
					return nil
				}
				c.pendingFlush.Store(true)
				c.handoff(next)
			default:
				break drain
			}
		}
		c.pendingFlush.Store(false)
		c.bw.Flush()
	}
	return nil
}

// handoff processes a write request pulled ahead by the flush-coalescing
// select in writeLoop, without re-entering the outer range loop.
func (c *Http1Connection) handoff(req *http1WriteReq) {
	var err error
	if req.headers {
		err = c.writeHeaders(req)
	} else {
		err = c.writeData(req)
	}
	req.result <- err
}

func (c *Http1Connection) writeHeaders(req *http1WriteReq) error {
	chunked := false
	if !req.endStream {
		if _, ok := req.fields.ContentLength(); !ok {
			chunked = true
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", req.status, httpStatusText(req.status))
	req.fields.Each(func(name, value string) {
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	})
	if req.endStream {
		if _, ok := req.fields.ContentLength(); !ok {
			b.WriteString("Content-Length: 0\r\n")
		}
	} else if chunked {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	}
	b.WriteString("\r\n")
	_, err := c.bw.WriteString(b.String())
	if err == nil {
		c.recordMode(req, chunked)
	}
	return err
}

// recordMode is looked up by writeData to decide chunk framing; it is keyed
// indirectly through req.fields being nil on data writes, so mode is instead
// tracked per-connection by the most recent header write (HTTP/1.x never
// interleaves two exchanges' DATA frames, by construction of the turn gate).
func (c *Http1Connection) recordMode(req *http1WriteReq, chunked bool) {
	c.turnMu.Lock()
	c.currentChunked = chunked
	c.turnMu.Unlock()
}

func (c *Http1Connection) writeData(req *http1WriteReq) error {
	c.turnMu.Lock()
	chunked := c.currentChunked
	c.turnMu.Unlock()

	if req.buf != nil {
		data := req.buf.Bytes()
		if chunked {
			fmt.Fprintf(c.bw, "%x\r\n", len(data))
			c.bw.Write(data)
			c.bw.WriteString("\r\n")
		} else {
			c.bw.Write(data)
		}
		req.buf.Release()
	}
	if req.endStream && chunked {
		c.bw.WriteString("0\r\n\r\n")
	}
	return nil
}

func httpStatusText(status int) string {
	if t := httpStatusTextTable[status]; t != "" {
		return t
	}
	return "Status"
}

var httpStatusTextTable = map[int]string{
	200: "OK", 201: "Created", 202: "Accepted", 204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently", 302: "Found", 304: "Not Modified",
	307: "Temporary Redirect", 308: "Permanent Redirect",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden",
	404: "Not Found", 405: "Method Not Allowed", 406: "Not Acceptable",
	408: "Request Timeout", 409: "Conflict", 410: "Gone",
	411: "Length Required", 413: "Payload Too Large", 414: "URI Too Long",
	415: "Unsupported Media Type", 426: "Upgrade Required",
	429: "Too Many Requests", 431: "Request Header Fields Too Large",
	500: "Internal Server Error", 501: "Not Implemented",
	502: "Bad Gateway", 503: "Service Unavailable", 504: "Gateway Timeout",
}

func (c *Http1Connection) shutdownWriter() {
	c.closeOnce.Do(func() { close(c.writeCh) })
}

// Shutdown forcibly closes the connection, disposing any in-flight
// exchanges with ErrConnectionClosed (§4.1 "Inactive channel").
func (c *Http1Connection) Shutdown() error {
	c.closing.Store(true)
	c.shutdownWriter()
	return c.rwc.Close()
}

// ShutdownGracefully stops accepting new responses from completing past the
// current tail, waits up to cfg.GracefulShutdownTimeout for the queue to
// drain, then forces closed (§4.1 graceful shutdown).
func (c *Http1Connection) ShutdownGracefully(cfg *ServerConfig) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.closing.Store(true)
		deadline := time.NewTimer(cfg.GracefulShutdownTimeout)
		defer deadline.Stop()
		for {
			if c.queue.Empty() || c.closed.Load() {
				c.Shutdown()
				return
			}
			select {
			case <-deadline.C:
				c.Shutdown()
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()
	return done
}
