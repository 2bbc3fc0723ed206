// Package httpcore implements the per-connection state machines of a
// reactive HTTP server: the HTTP/1.x pipelined exchange queue, the HTTP/2
// stream multiplexer, the shared exchange lifecycle, the error-exchange
// fallback chain, the multipart/form-data streaming decoder, and the
// WebSocket upgrade handoff.
//
// httpcore does not parse raw bytes off the wire itself: it consumes framed
// messages produced by a WireFramer and header codec that live upstream of
// this package, and it does not implement routing, dependency injection, or
// media-type conversion — those are the caller's responsibility, wired
// through the Controller and Codec interfaces.
package httpcore
