package httpcore

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/inverno-io/inverno-mods-sub007/httpcore/internal/godebug"
)

// http2Preface is the client connection preface every HTTP/2 connection
// starts with (RFC 9113 §3.4), consumed before the SETTINGS exchange.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const defaultInitialWindowSize = 65535

// Http2Stream tracks one multiplexed request/response pair's flow-control
// state (§5.2). sendWindow is how many bytes this connection may still send
// on the stream; recvWindow is how much of the advertised receive window the
// peer has left, shrinking as DATA arrives and growing again when accepted
// bytes are credited back by a WINDOW_UPDATE.
type Http2Stream struct {
	id uint32
	ex *AbstractExchange

	mu         sync.Mutex
	sendWindow int64
	recvWindow int64
	// creditable accrues accepted-but-not-yet-WINDOW_UPDATE'd bytes;
	// dropped bytes are never added here (§5.2 "must not ACK bytes it
	// dropped").
	creditable int64
}

// StreamTable is the per-connection registry of live HTTP/2 streams, keyed
// by stream id (§5.2).
type StreamTable struct {
	mu      sync.Mutex
	streams map[uint32]*Http2Stream
}

func newStreamTable() *StreamTable {
	return &StreamTable{streams: make(map[uint32]*Http2Stream)}
}

func (t *StreamTable) put(s *Http2Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[s.id] = s
}

func (t *StreamTable) get(id uint32) (*Http2Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}

func (t *StreamTable) delete(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

func (t *StreamTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Http2Connection implements one HTTP/2 connection's stream multiplexing
// (§5.2), built on golang.org/x/net/http2's Framer and hpack codec — the
// same Framer/HPACK pairing golang.org/x/net ships for net/http's own HTTP/2
// support, and already present (indirectly) in three of the retrieved
// repos' module graphs (see DESIGN.md).
type Http2Connection struct {
	baseConn

	framer   *http2.Framer
	writeMu  sync.Mutex
	hpackEnc *hpack.Encoder
	hpackBuf *bytes.Buffer
	hpackDec *hpack.Decoder

	streams *StreamTable
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	codecs     *CodecRegistry
	controller Controller
	errCtrl    Controller
	hasErrCtrl bool
	logger     *log.Logger

	connSendWindow atomic.Int64
	connRecvWindow atomic.Int64
	connCreditable atomic.Int64

	lastPushID  uint32
	nextPushMu  sync.Mutex
	goAwaySent  atomic.Bool
}

// NewHttp2Connection wires a raw net.Conn, post-ALPN-negotiation, into an
// HTTP/2 multiplexed connection.
func NewHttp2Connection(rwc net.Conn, cfg *ServerConfig, codecs *CodecRegistry, ctrl Controller, errCtrl Controller, logger *log.Logger) *Http2Connection {
	if logger == nil {
		logger = log.Default()
	}
	var buf bytes.Buffer
	c := &Http2Connection{
		baseConn:   newBaseConn(rwc, cfg),
		framer:     http2.NewFramer(rwc, rwc),
		hpackBuf:   &buf,
		streams:    newStreamTable(),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentStreams),
		limiter:    rate.NewLimiter(rate.Limit(cfg.MaxOutboundFrameRate), int(cfg.MaxOutboundFrameRate)+1),
		codecs:     codecs,
		controller: ctrl,
		errCtrl:    errCtrl,
		hasErrCtrl: errCtrl != nil,
		logger:     logger,
	}
	c.hpackEnc = hpack.NewEncoder(&buf)
	c.hpackDec = hpack.NewDecoder(4096, nil)
	c.connSendWindow.Store(defaultInitialWindowSize)
	c.connRecvWindow.Store(defaultInitialWindowSize)
	return c
}

func (c *Http2Connection) Protocol() Protocol { return Http2 }

func (c *Http2Connection) ErrorController() (Controller, bool) { return c.errCtrl, c.hasErrCtrl }

// Serve consumes the client preface, exchanges SETTINGS, and then reads
// frames until the connection closes or ctx is cancelled.
func (c *Http2Connection) Serve(ctx context.Context) error {
	if err := c.readPreface(); err != nil {
		return err
	}
	c.writeMu.Lock()
	err := c.framer.WriteSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: uint32(c.cfg.MaxConcurrentStreams)})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("httpcore: write initial settings: %w", err)
	}

	if c.cfg.IdleTimeout > 0 {
		idleCtx, cancelIdle := context.WithCancel(ctx)
		defer cancelIdle()
		go watchIdle(idleCtx, c.cfg.IdleTimeout, c.readActive.Load, func() { c.Shutdown() })
	}

	for {
		if c.closed.Load() {
			return nil
		}
		c.readActive.Store(true)
		frame, err := c.framer.ReadFrame()
		c.readActive.Store(false)
		if err != nil {
			c.finalize(err)
			return err
		}
		if err := c.handleFrame(ctx, frame); err != nil {
			c.finalize(err)
			return err
		}
	}
}

func (c *Http2Connection) readPreface() error {
	buf := make([]byte, len(http2Preface))
	if _, err := fullRead(c.rwc, buf); err != nil {
		return fmt.Errorf("httpcore: read client preface: %w", err)
	}
	if string(buf) != http2Preface {
		return NewProtocolError(400, "missing HTTP/2 connection preface")
	}
	return nil
}

func fullRead(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Http2Connection) finalize(cause error) {
	c.closed.Store(true)
	if cause == nil {
		cause = ErrConnectionClosed
	}
	c.streams.mu.Lock()
	toDispose := make([]*AbstractExchange, 0, len(c.streams.streams))
	for _, s := range c.streams.streams {
		toDispose = append(toDispose, s.ex)
	}
	c.streams.mu.Unlock()
	for _, ex := range toDispose {
		ex.dispose(cause)
	}
	c.rwc.Close()
}

func (c *Http2Connection) handleFrame(ctx context.Context, frame http2.Frame) error {
	if godebug.Enabled("h2frames") {
		c.logger.Printf("httpcore: h2frames: stream=%d %T", frame.Header().StreamID, frame)
	}
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		return c.handleSettings(f)
	case *http2.HeadersFrame:
		return c.handleHeaders(ctx, f)
	case *http2.DataFrame:
		return c.handleData(f)
	case *http2.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *http2.RSTStreamFrame:
		return c.handleRstStream(f)
	case *http2.PingFrame:
		return c.handlePing(f)
	case *http2.GoAwayFrame:
		c.goAwaySent.Store(true)
		return nil
	case *http2.PriorityFrame:
		return nil // stream prioritization is accepted but not scheduled on
	default:
		return nil
	}
}

func (c *Http2Connection) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteSettingsAck()
}

func (c *Http2Connection) handlePing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WritePing(true, f.Data)
}

// handleHeaders builds a new stream and its AbstractExchange from an
// incoming HEADERS frame (§5.2 "new stream"). CONTINUATION frames are not
// supported: a request whose header block spans multiple frames is rejected
// with a 431 ProtocolError, which ends Serve.
func (c *Http2Connection) handleHeaders(ctx context.Context, f *http2.HeadersFrame) error {
	if !f.HeadersEnded() {
		return NewProtocolError(431, "multi-frame header blocks are not supported")
	}
	if !c.sem.TryAcquire(1) {
		c.writeMu.Lock()
		err := c.framer.WriteRSTStream(f.StreamID, http2.ErrCodeRefusedStream)
		c.writeMu.Unlock()
		return err
	}

	fields, pseudo, err := c.decodeHeaderBlock(f.HeaderBlockFragment())
	if err != nil {
		c.sem.Release(1)
		return err
	}

	scheme := pseudo[":scheme"]
	if scheme == "" {
		scheme = "https"
	}
	reqHeaders := NewRequestHeaders(Method(pseudo[":method"]), pseudo[":path"], scheme, pseudo[":authority"], fields)

	stream := &Http2Stream{id: f.StreamID, sendWindow: defaultInitialWindowSize, recvWindow: defaultInitialWindowSize}
	ex := NewAbstractExchange(ctx, Http2, reqHeaders, reqHeaders.Method() == MethodHead, true, c.codecs, c, c.logger)
	stream.ex = ex
	c.streams.put(stream)

	if f.StreamEnded() {
		if body := ex.Request().Body(); body != nil {
			body.Sink().Complete()
		}
	}
	ex.Start(c.controller)
	return nil
}

// decodeHeaderBlock HPACK-decodes fragment into regular Headers plus the
// :method/:path/:scheme/:authority pseudo-header set.
func (c *Http2Connection) decodeHeaderBlock(fragment []byte) (*Headers, map[string]string, error) {
	fields := NewHeaders()
	pseudo := make(map[string]string, 4)

	c.hpackDec.SetEmitFunc(func(hf hpack.HeaderField) {
		if len(hf.Name) > 0 && hf.Name[0] == ':' {
			pseudo[hf.Name] = hf.Value
			return
		}
		fields.Add(hf.Name, hf.Value)
	})
	if _, err := c.hpackDec.Write(fragment); err != nil {
		return nil, nil, fmt.Errorf("httpcore: hpack decode: %w", err)
	}
	return fields, pseudo, nil
}

func (c *Http2Connection) handleData(f *http2.DataFrame) error {
	stream, ok := c.streams.get(f.StreamID)
	if !ok {
		return nil // stream already closed/reset; drop silently
	}
	body := stream.ex.Request().Body()
	data := f.Data()
	total := int64(len(data))
	var accepted int64
	if body != nil && total > 0 {
		sink := body.Sink()
		buf := NewBuffer(append([]byte(nil), data...))
		if err := sink.Push(buf); err != nil {
			buf.Release()
			// Dropped: §5.2 requires the connection not ACK bytes it
			// dropped, so accepted stays 0 and neither window below is
			// credited for them. The advertised window shrinks and stays
			// shrunk, throttling the sender until the sink has room again.
		} else {
			accepted = total
		}
	}

	c.ackConnRecvWindow(total, accepted)
	c.ackStreamRecvWindow(stream, f.StreamID, total, accepted)

	if f.StreamEnded() && body != nil {
		body.Sink().Complete()
	}
	return nil
}

// ackConnRecvWindow consumes total bytes from the connection-level receive
// window and credits back only accepted bytes via a stream-0 WINDOW_UPDATE
// once enough has accrued. RFC 7540 §6.9.1 requires the connection-level
// window to be replenished independently of any single stream's window.
func (c *Http2Connection) ackConnRecvWindow(total, accepted int64) {
	c.connRecvWindow.Sub(total)
	if accepted == 0 {
		return
	}
	pending := c.connCreditable.Add(accepted)
	if c.connRecvWindow.Load() > defaultInitialWindowSize/2 {
		return
	}
	c.connCreditable.Add(-pending)
	c.connRecvWindow.Add(pending)
	c.writeMu.Lock()
	c.framer.WriteWindowUpdate(0, uint32(pending))
	c.writeMu.Unlock()
}

// ackStreamRecvWindow is the per-stream counterpart of ackConnRecvWindow.
func (c *Http2Connection) ackStreamRecvWindow(stream *Http2Stream, streamID uint32, total, accepted int64) {
	stream.mu.Lock()
	stream.recvWindow -= total
	var restore int64
	if accepted > 0 {
		stream.creditable += accepted
		if stream.recvWindow <= defaultInitialWindowSize/2 {
			restore = stream.creditable
			stream.creditable = 0
			stream.recvWindow += restore
		}
	}
	stream.mu.Unlock()

	if restore > 0 {
		c.writeMu.Lock()
		c.framer.WriteWindowUpdate(streamID, uint32(restore))
		c.writeMu.Unlock()
	}
}

func (c *Http2Connection) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		c.connSendWindow.Add(int64(f.Increment))
		return nil
	}
	stream, ok := c.streams.get(f.StreamID)
	if !ok {
		return nil
	}
	stream.mu.Lock()
	stream.sendWindow += int64(f.Increment)
	stream.mu.Unlock()
	return nil
}

func (c *Http2Connection) handleRstStream(f *http2.RSTStreamFrame) error {
	stream, ok := c.streams.get(f.StreamID)
	if !ok {
		return nil
	}
	c.streams.delete(f.StreamID)
	c.sem.Release(1)
	stream.ex.Reset(&ResetError{Code: uint32(f.ErrCode)})
	return nil
}

// --- responder ---

func (c *Http2Connection) streamFor(ex *AbstractExchange) (*Http2Stream, bool) {
	c.streams.mu.Lock()
	defer c.streams.mu.Unlock()
	for _, s := range c.streams.streams {
		if s.ex == ex {
			return s, true
		}
	}
	return nil, false
}

func (c *Http2Connection) sendHeaders(ex *AbstractExchange, status int, headers *Headers, endStream bool) error {
	stream, ok := c.streamFor(ex)
	if !ok {
		return ErrConnectionClosed
	}
	if err := c.limiter.Wait(ex.Context()); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.hpackBuf.Reset()
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	headers.Each(func(name, value string) {
		c.hpackEnc.WriteField(hpack.HeaderField{Name: toLowerASCII(name), Value: value})
	})
	return c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      stream.id,
		BlockFragment: c.hpackBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

func (c *Http2Connection) sendData(ex *AbstractExchange, buf *Buffer, endStream bool) error {
	stream, ok := c.streamFor(ex)
	if !ok {
		if buf != nil {
			buf.Release()
		}
		return ErrConnectionClosed
	}

	var data []byte
	if buf != nil {
		data = buf.Bytes()
	}

	if len(data) == 0 {
		if buf != nil {
			buf.Release()
		}
		if !endStream {
			return nil
		}
		if err := c.limiter.Wait(ex.Context()); err != nil {
			return err
		}
		c.writeMu.Lock()
		err := c.framer.WriteData(stream.id, true, nil)
		c.writeMu.Unlock()
		return err
	}

	for len(data) > 0 {
		n, err := c.awaitSendWindow(ex.Context(), stream, len(data))
		if err != nil {
			buf.Release()
			return err
		}
		chunk := data[:n]
		data = data[n:]
		last := len(data) == 0
		if err := c.limiter.Wait(ex.Context()); err != nil {
			buf.Release()
			return err
		}
		c.writeMu.Lock()
		err = c.framer.WriteData(stream.id, endStream && last, chunk)
		c.writeMu.Unlock()
		if err != nil {
			buf.Release()
			return err
		}
	}
	buf.Release()
	return nil
}

// awaitSendWindow blocks until at least one byte of stream- and
// connection-level send window is available, returning how much of
// requested may be written in one DATA frame (§5.2 flow control).
func (c *Http2Connection) awaitSendWindow(ctx context.Context, stream *Http2Stream, requested int) (int, error) {
	for {
		stream.mu.Lock()
		avail := stream.sendWindow
		stream.mu.Unlock()
		connAvail := c.connSendWindow.Load()
		if avail > 0 && connAvail > 0 {
			n := int64(requested)
			if n > avail {
				n = avail
			}
			if n > connAvail {
				n = connAvail
			}
			stream.mu.Lock()
			stream.sendWindow -= n
			stream.mu.Unlock()
			c.connSendWindow.Sub(n)
			return int(n), nil
		}
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (c *Http2Connection) exchangeStarted(ex *AbstractExchange) {}

func (c *Http2Connection) exchangeCompleted(ex *AbstractExchange) { c.retireStream(ex) }

func (c *Http2Connection) exchangeErrored(ex *AbstractExchange, err error) {
	c.logger.Printf("httpcore: http2 exchange %s errored: %v", ex.ID(), err)
	c.retireStream(ex)
}

func (c *Http2Connection) exchangeReset(ex *AbstractExchange, err error) {
	c.retireStream(ex)
}

func (c *Http2Connection) retireStream(ex *AbstractExchange) {
	if stream, ok := c.streamFor(ex); ok {
		c.streams.delete(stream.id)
		c.sem.Release(1)
	}
}

func (c *Http2Connection) upgradeToWebSocket(ex *AbstractExchange, pending *PendingWebSocket) error {
	return fmt.Errorf("httpcore: websocket upgrade is only available on HTTP/1.x")
}

// Push implements server push end-to-end (§10 Open Question #1): it opens a
// new, even-numbered, server-initiated stream, sends its PUSH_PROMISE ahead
// of the parent response's remaining DATA frames, and starts ctrl over a
// synthetic request exactly like any client-initiated exchange.
func (c *Http2Connection) Push(parent *AbstractExchange, reqHeaders *RequestHeaders, ctrl Controller) (*AbstractExchange, error) {
	parentStream, ok := c.streamFor(parent)
	if !ok {
		return nil, ErrConnectionClosed
	}
	if !c.sem.TryAcquire(1) {
		return nil, fmt.Errorf("httpcore: max concurrent streams reached, cannot push")
	}

	c.nextPushMu.Lock()
	if c.lastPushID == 0 {
		c.lastPushID = 2
	} else {
		c.lastPushID += 2
	}
	pushID := c.lastPushID
	c.nextPushMu.Unlock()

	c.writeMu.Lock()
	c.hpackBuf.Reset()
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":method", Value: string(reqHeaders.Method())})
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":path", Value: reqHeaders.Path()})
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":scheme", Value: reqHeaders.Scheme()})
	c.hpackEnc.WriteField(hpack.HeaderField{Name: ":authority", Value: reqHeaders.Authority()})
	err := c.framer.WritePushPromise(http2.PushPromiseParam{
		StreamID:      parentStream.id,
		PromiseID:     pushID,
		BlockFragment: c.hpackBuf.Bytes(),
		EndHeaders:    true,
	})
	c.writeMu.Unlock()
	if err != nil {
		c.sem.Release(1)
		return nil, fmt.Errorf("httpcore: write push promise: %w", err)
	}

	stream := &Http2Stream{id: pushID, sendWindow: defaultInitialWindowSize, recvWindow: defaultInitialWindowSize}
	ex := NewAbstractExchange(parent.Context(), Http2, reqHeaders, false, true, c.codecs, c, c.logger)
	stream.ex = ex
	c.streams.put(stream)
	if body := ex.Request().Body(); body != nil {
		body.Sink().Complete() // pushed requests never carry a client body
	}
	ex.Start(ctrl)
	return ex, nil
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Shutdown sends GOAWAY and forcibly closes the connection.
func (c *Http2Connection) Shutdown() error {
	c.closing.Store(true)
	if !c.goAwaySent.Swap(true) {
		c.writeMu.Lock()
		c.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
		c.writeMu.Unlock()
	}
	c.finalize(ErrConnectionClosed)
	return nil
}

// ShutdownGracefully sends GOAWAY immediately (so the peer stops opening new
// streams) then waits up to cfg.GracefulShutdownTimeout for existing streams
// to finish before forcing closed (§4.2).
func (c *Http2Connection) ShutdownGracefully(cfg *ServerConfig) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.closing.Store(true)
		if !c.goAwaySent.Swap(true) {
			c.writeMu.Lock()
			c.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
			c.writeMu.Unlock()
		}
		deadline := time.NewTimer(cfg.GracefulShutdownTimeout)
		defer deadline.Stop()
		for {
			if c.streams.len() == 0 || c.closed.Load() {
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
