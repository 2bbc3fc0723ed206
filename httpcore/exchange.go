package httpcore

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Protocol identifies which wire variant an Exchange belongs to.
type Protocol int

const (
	Http1_1 Protocol = iota
	Http2
)

func (p Protocol) String() string {
	switch p {
	case Http1_1:
		return "HTTP/1.1"
	case Http2:
		return "HTTP/2"
	default:
		return "unknown"
	}
}

// exchangeState is the AbstractExchange state machine position (§4.3):
// Created → Started → HeadersSent → BodyStreaming → Completed, with
// branches → Errored → ErrorExchangeStarted → (Completed | Fatal) and →
// Reset.
type exchangeState int

const (
	stateCreated exchangeState = iota
	stateStarted
	stateHeadersSent
	stateBodyStreaming
	stateCompleted
	stateErrored
	stateErrorExchangeStarted
	stateFatal
	stateReset
)

func (s exchangeState) String() string {
	switch s {
	case stateCreated:
		return "Created"
	case stateStarted:
		return "Started"
	case stateHeadersSent:
		return "HeadersSent"
	case stateBodyStreaming:
		return "BodyStreaming"
	case stateCompleted:
		return "Completed"
	case stateErrored:
		return "Errored"
	case stateErrorExchangeStarted:
		return "ErrorExchangeStarted"
	case stateFatal:
		return "Fatal"
	case stateReset:
		return "Reset"
	default:
		return "unknown"
	}
}

// exchangeKind tags the single concrete exchange record as one of the
// design-notes' "tagged sum over {Normal, Error, LastResortError}" (§9).
type exchangeKind int

const (
	kindNormal exchangeKind = iota
	kindError
	kindLastResort
)

// Exchange is one HTTP request/response pair with its context and lifecycle
// (glossary). It is the interface Controller implementations are handed.
type Exchange interface {
	ID() string
	Request() *Request
	Response() *Response
	Context() context.Context
	Version() Protocol
	Head() bool
	KeepAlive() bool
	// WebSocket registers a pending WebSocket upgrade on this exchange,
	// valid only on HTTP/1.x, only before the handler completes (§4.6).
	WebSocket(subprotocols ...string) (*PendingWebSocket, error)
}

// responder is implemented by Http1Connection and Http2Connection (or a
// per-stream shim over the latter) to let AbstractExchange push frames
// without knowing which wire variant it's talking to.
type responder interface {
	sendHeaders(ex *AbstractExchange, status int, headers *Headers, endStream bool) error
	sendData(ex *AbstractExchange, buf *Buffer, endStream bool) error
	exchangeStarted(ex *AbstractExchange)
	exchangeCompleted(ex *AbstractExchange)
	exchangeErrored(ex *AbstractExchange, err error)
	exchangeReset(ex *AbstractExchange, err error)
	upgradeToWebSocket(ex *AbstractExchange, pending *PendingWebSocket) error
}

// AbstractExchange is the common state machine shared by HTTP/1.x and
// HTTP/2 exchanges (§4.3). A single concrete record represents all three
// kinds named in the design notes (normal, error, last-resort), following
// the tagged-sum resolution in DESIGN.md rather than a class hierarchy.
type AbstractExchange struct {
	mu sync.Mutex

	id   string
	kind exchangeKind
	st   exchangeState

	version    Protocol
	head       bool
	keepAlive  bool
	disposed   bool
	reset      bool
	cause      error

	ctx    context.Context
	cancel context.CancelFunc

	request  *Request
	response *Response

	host responder

	// next links this exchange to the following one in an
	// ExchangeQueue's singly-linked FIFO (HTTP/1.x only, §3).
	next *AbstractExchange

	// errorExchange, when non-nil, is the secondary exchange created by
	// HandleError; on that secondary exchange, parent points back to the
	// exchange it replaces and cause keeps the original error.
	errorExchange *AbstractExchange
	parent        *AbstractExchange

	pendingWS *PendingWebSocket

	logger *log.Logger
}

// NewAbstractExchange builds a Created-state exchange bound to host, wired
// with a fresh UUID correlation ID (DESIGN.md: google/uuid).
func NewAbstractExchange(parentCtx context.Context, version Protocol, headers *RequestHeaders, head bool, keepAlive bool, codecs *CodecRegistry, host responder, logger *log.Logger) *AbstractExchange {
	ctx, cancel := context.WithCancel(parentCtx)
	id := uuid.NewString()
	req := NewRequest(headers, NewRequestBody(NewSink(16), headers, codecs))
	ex := &AbstractExchange{
		id:        id,
		kind:      kindNormal,
		version:   version,
		head:      head,
		keepAlive: keepAlive,
		ctx:       ctx,
		cancel:    cancel,
		request:   req,
		response:  NewResponse(),
		host:      host,
		logger:    logger,
	}
	return ex
}

func (ex *AbstractExchange) ID() string             { return ex.id }
func (ex *AbstractExchange) Request() *Request       { return ex.request }
func (ex *AbstractExchange) Response() *Response     { return ex.response }
func (ex *AbstractExchange) Context() context.Context { return ex.ctx }
func (ex *AbstractExchange) Version() Protocol       { return ex.version }
func (ex *AbstractExchange) Head() bool              { return ex.head }
func (ex *AbstractExchange) KeepAlive() bool         { return ex.keepAlive }

// Next returns the following exchange in the ExchangeQueue chain, or nil.
func (ex *AbstractExchange) Next() *AbstractExchange { return ex.next }

// WebSocket implements Exchange.WebSocket: registers a pending upgrade,
// valid only before the handler completes and only on HTTP/1.x (§4.6 step 1).
func (ex *AbstractExchange) WebSocket(subprotocols ...string) (*PendingWebSocket, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.version != Http1_1 {
		return nil, fmt.Errorf("httpcore: websocket upgrade is only available on HTTP/1.x")
	}
	if ex.response.Headers().Written() {
		return nil, ErrHeaderAlreadyWritten
	}
	ex.pendingWS = &PendingWebSocket{Subprotocols: subprotocols}
	return ex.pendingWS, nil
}

// Start subscribes to ctrl's completion signal (§4.3 "Started"). It is
// called by the owning Connection right after construction.
func (ex *AbstractExchange) Start(ctrl Controller) {
	if prev := ex.setState(stateStarted); prev != stateCreated && ex.logger != nil {
		ex.logger.Printf("httpcore: exchange %s: Start called from unexpected state %v", ex.id, prev)
	}

	ctx, err := ctrl.CreateContext(ex.ctx, ex)
	if err != nil {
		ex.HandleError(err)
		return
	}
	ex.host.exchangeStarted(ex)

	done := ctrl.Handle(ctx, ex)
	go func() {
		select {
		case err, ok := <-done:
			if !ok || err == nil {
				ex.hookOnComplete()
			} else {
				ex.hookOnError(err)
			}
		case <-ex.ctx.Done():
			// Disposal already in progress (connection shutdown, reset);
			// nothing further to do.
		}
	}()
}

// state returns the exchange's current position in the §4.3 state machine.
func (ex *AbstractExchange) state() exchangeState {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.st
}

// setState moves the exchange to s and returns the state it was in before,
// so callers can flag an unexpected transition without a second lock/read.
func (ex *AbstractExchange) setState(s exchangeState) exchangeState {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	prev := ex.st
	ex.st = s
	return prev
}

// hookOnComplete sends the response (or starts the WebSocket upgrade if one
// was configured), per §4.3 "Started" → normal completion.
func (ex *AbstractExchange) hookOnComplete() {
	ex.mu.Lock()
	if ex.disposed || ex.reset {
		ex.mu.Unlock()
		return
	}
	pending := ex.pendingWS
	ex.mu.Unlock()

	if pending != nil {
		if err := ex.host.upgradeToWebSocket(ex, pending); err != nil {
			if pending.Fallback {
				ex.complete()
				return
			}
			ex.HandleError(err)
		}
		return
	}
	ex.sendResponse()
}

// hookOnError invokes connection.on_exchange_error, which calls handleError
// (§4.3 "Errored").
func (ex *AbstractExchange) hookOnError(err error) {
	ex.mu.Lock()
	if ex.disposed || ex.reset {
		ex.mu.Unlock()
		return
	}
	ex.mu.Unlock()
	ex.HandleError(err)
}

// HandleError implements handle_error(t) (§4.3): if response headers are
// already written, the exchange is disposed and the connection is shut
// down; otherwise an ErrorExchange is built and started.
func (ex *AbstractExchange) HandleError(err error) {
	ex.mu.Lock()
	if ex.disposed || ex.reset {
		ex.mu.Unlock()
		return
	}
	if ex.response.Headers().Written() {
		ex.mu.Unlock()
		ex.dispose(err)
		ex.host.exchangeErrored(ex, fmt.Errorf("httpcore: error after headers written: %w", err))
		return
	}
	ex.mu.Unlock()
	ex.setState(stateErrored)

	errEx := ex.newErrorExchange(err, kindError)
	errEx.startErrorExchange()
}

// newErrorExchange builds a secondary exchange sharing this exchange's
// request/response/host, tagged as kind (§4.3, §9 tagged-sum resolution).
func (ex *AbstractExchange) newErrorExchange(cause error, kind exchangeKind) *AbstractExchange {
	child := &AbstractExchange{
		id:        uuid.NewString(),
		kind:      kind,
		version:   ex.version,
		head:      ex.head,
		keepAlive: ex.keepAlive,
		ctx:       ex.ctx,
		cancel:    ex.cancel,
		request:   ex.request,
		response:  ex.response,
		host:      ex.host,
		cause:     cause,
		parent:    ex,
		logger:    ex.logger,
	}
	ex.mu.Lock()
	ex.errorExchange = child
	ex.mu.Unlock()
	return child
}

// startErrorExchange implements ErrorExchange.start (§4.3/§4.4): if this is
// not a last-resort exchange, log at a level chosen by the error category
// and run the user error handler (via errorController, if one was
// registered on the host); otherwise directly invoke the builtin
// GenericErrorExchangeHandler then hookOnComplete.
func (ex *AbstractExchange) startErrorExchange() {
	ex.setState(stateErrorExchangeStarted)
	if ex.kind == kindLastResort {
		if err := genericErrorExchangeHandler(ex); err != nil {
			ex.handleErrorExchangeFailure(err)
			return
		}
		ex.hookOnComplete()
		return
	}

	ex.logErrorExchangeEntry()

	eh, ok := errorControllerFor(ex.host)
	if !ok {
		// No user error handler registered: fall through to the generic
		// builtin directly, without burning a last-resort generation.
		if err := genericErrorExchangeHandler(ex); err != nil {
			ex.handleErrorExchangeFailure(err)
			return
		}
		ex.hookOnComplete()
		return
	}

	done := eh.Handle(ex.ctx, ex)
	go func() {
		if err := <-done; err != nil {
			ex.handleErrorExchangeFailure(err)
			return
		}
		ex.hookOnComplete()
	}()
}

// handleErrorExchangeFailure implements ErrorExchange.handle_error (§4.3):
// if this exchange is already last-resort, or headers are already written,
// log fatal, dispose, and shut down; else create a last-resort
// ErrorExchange from this one and start it.
func (ex *AbstractExchange) handleErrorExchangeFailure(err error) {
	if ex.kind == kindLastResort || ex.response.Headers().Written() {
		ex.setState(stateFatal)
		ex.logger.Printf("httpcore: fatal: error exchange failed past last resort on %s: %v (original: %v)", ex.id, err, ex.cause)
		fatal := combineFatal(ex.cause, err)
		ex.dispose(fatal)
		ex.host.exchangeErrored(ex, fatal)
		return
	}
	lastResort := ex.newErrorExchange(combineFatal(ex.cause, err), kindLastResort)
	lastResort.startErrorExchange()
}

func (ex *AbstractExchange) logErrorExchangeEntry() {
	if ex.logger == nil {
		return
	}
	level := "WARN"
	if he, ok := ex.cause.(HTTPError); ok && he.StatusCode() >= 500 {
		level = "ERROR"
	} else if !isHTTPError(ex.cause) {
		level = "ERROR"
	}
	ex.logger.Printf("httpcore: [%s] exchange %s: %v", level, ex.id, ex.cause)
}

func isHTTPError(err error) bool {
	_, ok := err.(HTTPError)
	return ok
}

// sendResponse writes response headers then streams the body, following
// "headers precede any body chunk; endStream exactly once" (§6).
func (ex *AbstractExchange) sendResponse() {
	resp := ex.response
	if resp.Headers().Written() {
		// Already sent once; at most one Response per exchange (§3, Testable
		// Property 3).
		ex.complete()
		return
	}

	emptyBody := resp.Body() == nil || resp.Body().kind == bodyNone
	err := ex.host.sendHeaders(ex, resp.Headers().Status(), resp.Headers().Headers(), emptyBody)
	if err != nil {
		ex.fail(err)
		return
	}
	resp.Headers().MarkWritten()
	ex.setState(stateHeadersSent)

	if emptyBody {
		ex.complete()
		return
	}

	ex.setState(stateBodyStreaming)
	emit := func(buf *Buffer, endStream bool) error {
		return ex.host.sendData(ex, buf, endStream)
	}
	if err := resp.Body().writeTo(ex.ctx, ex.head, emit); err != nil {
		ex.fail(err)
		return
	}
	ex.complete()
}

func (ex *AbstractExchange) complete() {
	ex.mu.Lock()
	if ex.disposed {
		ex.mu.Unlock()
		return
	}
	ex.mu.Unlock()
	ex.setState(stateCompleted)
	ex.dispose(nil)
	ex.host.exchangeCompleted(ex)
}

func (ex *AbstractExchange) fail(err error) {
	ex.dispose(err)
	ex.host.exchangeErrored(ex, err)
}

// Reset marks the exchange as reset: idempotent, and suppresses any
// subsequent response send and error surfacing (§4.3 "Reset").
func (ex *AbstractExchange) Reset(cause error) {
	ex.mu.Lock()
	if ex.reset {
		ex.mu.Unlock()
		return
	}
	ex.reset = true
	ex.mu.Unlock()
	ex.setState(stateReset)
	ex.dispose(cause)
	if ex.host != nil {
		ex.host.exchangeReset(ex, cause)
	}
}

// dispose releases request/response buffers, cancels the handler
// subscription, and cancels any WebSocket. Idempotent (§4.3 "Dispose
// discipline", Testable Property 6). cause == nil means normal completion.
func (ex *AbstractExchange) dispose(cause error) {
	ex.mu.Lock()
	if ex.disposed {
		ex.mu.Unlock()
		return
	}
	ex.disposed = true
	ex.mu.Unlock()

	if ex.request != nil && ex.request.Body() != nil {
		sink := ex.request.Body().Sink()
		if cause != nil {
			sink.Error(cause)
		}
		sink.Cancel()
	}
	ex.cancel()
}

// Disposed reports whether dispose has run.
func (ex *AbstractExchange) Disposed() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.disposed
}

// IsReset reports whether Reset has run.
func (ex *AbstractExchange) IsReset() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.reset
}
