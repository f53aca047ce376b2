// Package transport implements the duplex byte transport adapter:
// open/read/write/upgrade/close over a TCP or TLS connection.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/shiraishimai/imap-client-go"
)

// Config configures how a Transport dials and upgrades a connection:
// host, port, secure-transport flag, CA material and dial timeout. It
// carries no TLS worker hint; the handshake runs on the calling goroutine.
type Config struct {
	Host string
	Port int

	// Secure requests an immediate TLS dial (implicit TLS, port 993).
	Secure bool

	// TLSConfig supplies CA material and server-name verification; a
	// nil value dials with Go's default root trust store.
	TLSConfig *tls.Config

	// DialTimeout bounds the initial TCP/TLS handshake.
	DialTimeout time.Duration
}

// Transport is a duplex byte socket that can be upgraded to TLS in
// place (STARTTLS). It intentionally does not buffer or parse; it is
// the leaf of the pipeline, below the compression shim and framer.
type Transport struct {
	conn net.Conn
	cfg  Config

	// OnCert is invoked with the DER bytes of the peer's leaf
	// certificate after a successful UpgradeToSecure handshake, passed
	// through unchanged to the client's own on-cert sink. The implicit
	// TLS handshake in Open completes before a caller can set OnCert, so
	// it is not reported.
	OnCert func([]byte)
}

// Open dials cfg.Host:cfg.Port, establishing TLS immediately if
// cfg.Secure is set (or the port is 993, which forces it). It resolves
// after the socket is connected; an open failure is reported as
// *imap.TransportError.
func Open(cfg Config) (*Transport, error) {
	if cfg.Port == 993 {
		cfg.Secure = true
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var conn net.Conn
	var err error
	if cfg.Secure {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, cfg.TLSConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, &imap.TransportError{Err: fmt.Errorf("open %s: %w", addr, err)}
	}

	t := &Transport{conn: conn, cfg: cfg}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		t.reportCert(tlsConn)
	}
	return t, nil
}

// Read implements io.Reader over the underlying socket.
func (t *Transport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if err != nil {
		return n, &imap.TransportError{Err: err}
	}
	return n, nil
}

// Write implements io.Writer over the underlying socket.
func (t *Transport) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		return n, &imap.TransportError{Err: err}
	}
	return n, nil
}

// SetWriteDeadline arms the per-write socket timeout computed by the
// send engine.
func (t *Transport) SetWriteDeadline(d time.Time) error {
	return t.conn.SetWriteDeadline(d)
}

// Close closes the underlying socket. By contract with the lifecycle
// controller's close() never rejects; callers should ignore a non-nil
// return beyond logging it.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// UpgradeToSecure performs an in-place STARTTLS handshake over the
// existing socket. The server is assumed to have already agreed at the
// command layer; no framer state is touched here, only the underlying
// net.Conn is swapped for a *tls.Conn.
func (t *Transport) UpgradeToSecure() error {
	tlsConn := tls.Client(t.conn, t.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return &imap.TransportError{Err: fmt.Errorf("starttls: %w", err)}
	}
	t.conn = tlsConn
	t.cfg.Secure = true
	t.reportCert(tlsConn)
	return nil
}

func (t *Transport) reportCert(tlsConn *tls.Conn) {
	if t.OnCert == nil {
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return
	}
	t.OnCert(state.PeerCertificates[0].Raw)
}
