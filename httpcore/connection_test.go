package httpcore

import (
	"net"
	"testing"
)

func TestBaseConnReflectsUnderlyingConn(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	c := newBaseConn(serverSide, NewServerConfig())
	if c.IsTLS() {
		t.Fatal("a plain net.Pipe conn should not report IsTLS")
	}
	if c.IsClosed() {
		t.Fatal("a fresh connection should not be closed")
	}
	if c.LocalCertificates() != nil || c.RemoteCertificates() != nil {
		t.Fatal("a non-TLS connection should report no certificates")
	}

	c.closed.Store(true)
	if !c.IsClosed() {
		t.Fatal("IsClosed should reflect the closed flag")
	}
}

func TestCertsOfNonTLSConn(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	if got := certsOf(serverSide, true); got != nil {
		t.Fatalf("certsOf(remote) on a non-TLS conn = %v, want nil", got)
	}
	if got := certsOf(serverSide, false); got != nil {
		t.Fatalf("certsOf(local) on a non-TLS conn = %v, want nil", got)
	}
}
