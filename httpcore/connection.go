package httpcore

import (
	"crypto/tls"
	"crypto/x509"
	"net"

	"go.uber.org/atomic"
)

// Connection is the public surface shared by Http1Connection and
// Http2Connection (§6 "Connection public surface"). All state is ephemeral
// per connection; nothing here is persisted.
type Connection interface {
	IsTLS() bool
	Protocol() Protocol
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	LocalCertificates() []*x509.Certificate
	RemoteCertificates() []*x509.Certificate
	Shutdown() error
	ShutdownGracefully(cfg *ServerConfig) <-chan struct{}
	IsClosed() bool
}

// baseConn holds the connection-level mutable flags named in §3 ("tls",
// "closing", "closed", "read_active", "pending_flush") plus the transport
// handle. Both Http1Connection and Http2Connection embed it.
//
// Flags use go.uber.org/atomic rather than a single mutex because they are
// read far more often (on every frame) than written, and because the
// read/flush coalescing discipline in §4.1/§4.2 specifically wants
// lock-free checks on the hot ingress/egress path (DESIGN.md: balookrd
// go.mod's go.uber.org/atomic wiring).
type baseConn struct {
	rwc  net.Conn
	tls  bool

	closing     atomic.Bool
	closed      atomic.Bool
	readActive  atomic.Bool
	pendingFlush atomic.Bool

	cfg *ServerConfig
}

func newBaseConn(rwc net.Conn, cfg *ServerConfig) baseConn {
	_, isTLS := rwc.(*tls.Conn)
	return baseConn{rwc: rwc, tls: isTLS, cfg: cfg}
}

func (c *baseConn) IsTLS() bool           { return c.tls }
func (c *baseConn) LocalAddr() net.Addr   { return c.rwc.LocalAddr() }
func (c *baseConn) RemoteAddr() net.Addr  { return c.rwc.RemoteAddr() }
func (c *baseConn) IsClosed() bool        { return c.closed.Load() }

func (c *baseConn) LocalCertificates() []*x509.Certificate {
	return certsOf(c.rwc, false)
}

func (c *baseConn) RemoteCertificates() []*x509.Certificate {
	return certsOf(c.rwc, true)
}

func certsOf(rwc net.Conn, remote bool) []*x509.Certificate {
	tc, ok := rwc.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tc.ConnectionState()
	if remote {
		return state.PeerCertificates
	}
	// net/tls doesn't expose the local certificate chain after the
	// handshake; the configured certificate(s) live on the *tls.Config
	// used to establish the connection, which baseConn doesn't retain.
	return nil
}
