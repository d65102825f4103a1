package transport

import (
	"crypto/tls"
	"net"
)

// streamLayer is the polymorphic byte-stream endpoint the Transport reads
// and writes through. Exactly three variants exist: plain TCP, TLS-wrapped,
// and closed. Transitions between them are one-directional and owned by the
// Transport; no variant ever downgrades.
type streamLayer interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// Conn returns the connection carrying read deadlines, or nil when
	// closed. Deadline-armed reads are how readiness is polled with a
	// bounded timeout.
	Conn() net.Conn
}

type tcpLayer struct {
	conn net.Conn
}

func (l *tcpLayer) Read(p []byte) (int, error)  { return l.conn.Read(p) }
func (l *tcpLayer) Write(p []byte) (int, error) { return l.conn.Write(p) }
func (l *tcpLayer) Close() error                { return l.conn.Close() }
func (l *tcpLayer) Conn() net.Conn              { return l.conn }

// tlsLayer proxies I/O through a TLS session bound to the socket the TCP
// variant used. The raw connection is borrowed, not duplicated: upgrading
// retires the TCP variant without closing the descriptor.
type tlsLayer struct {
	conn *tls.Conn
	raw  net.Conn
}

func (l *tlsLayer) Read(p []byte) (int, error)  { return l.conn.Read(p) }
func (l *tlsLayer) Write(p []byte) (int, error) { return l.conn.Write(p) }

func (l *tlsLayer) Close() error {
	// TLS session first, then the socket underneath. The raw close usually
	// reports already-closed; only the first error matters.
	err := l.conn.Close()
	_ = l.raw.Close()

	return err
}

func (l *tlsLayer) Conn() net.Conn { return l.conn }

type closedLayer struct{}

func (closedLayer) Read(p []byte) (int, error)  { return 0, ErrPeerClosed }
func (closedLayer) Write(p []byte) (int, error) { return 0, ErrPeerClosed }
func (closedLayer) Close() error                { return nil }
func (closedLayer) Conn() net.Conn              { return nil }
