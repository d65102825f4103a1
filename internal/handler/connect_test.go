package handler

import (
	"bytes"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullgate/rdp-transport/internal/config"
	"github.com/nullgate/rdp-transport/internal/transport"
)

type stubTimeout struct{}

func (stubTimeout) Error() string   { return "i/o timeout" }
func (stubTimeout) Timeout() bool   { return true }
func (stubTimeout) Temporary() bool { return true }

// stubConn stands in for the RDP-side connection: reads drain a pushable
// queue and report a timeout when empty, writes are recorded.
type stubConn struct {
	queue   []byte
	written bytes.Buffer
}

func (c *stubConn) push(p []byte) {
	c.queue = append(c.queue, p...)
}

func (c *stubConn) Read(p []byte) (int, error) {
	if len(c.queue) == 0 {
		return 0, stubTimeout{}
	}

	n := copy(p, c.queue)
	c.queue = c.queue[n:]

	return n, nil
}

func (c *stubConn) Write(p []byte) (int, error)        { return c.written.Write(p) }
func (c *stubConn) Close() error                       { return nil }
func (c *stubConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *stubConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *stubConn) SetDeadline(t time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(t time.Time) error { return nil }

// fakeSocket is the browser side of the bridge. ReadMessage drains the
// reads channel; a closed channel reads as a gone peer. With closeOnWrite
// set, the first dispatched PDU ends the session.
type fakeSocket struct {
	reads        chan []byte
	written      [][]byte
	closeOnWrite bool
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-f.reads
	if !ok {
		return 0, nil, errors.New("socket closed")
	}

	return websocket.BinaryMessage, data, nil
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.written = append(f.written, append([]byte{}, data...))
	if f.closeOnWrite {
		close(f.reads)
	}

	return nil
}

func tpkt(payload []byte) []byte {
	total := len(payload) + 4
	return append([]byte{0x03, 0x00, byte(total >> 8), byte(total)}, payload...)
}

// Browser messages are written to the transport by the poll goroutine
// itself, never by the websocket reader.
func TestBridge_ForwardsBrowserMessages(t *testing.T) {
	conn := &stubConn{}
	tr := transport.New()
	tr.Attach(conn)

	pdu := tpkt([]byte{0x01, 0x02, 0x03})

	sock := &fakeSocket{reads: make(chan []byte, 1)}
	sock.reads <- pdu
	close(sock.reads)

	bridge("test", sock, tr)

	assert.Equal(t, pdu, conn.written.Bytes())
}

func TestBridge_DispatchesServerPDUs(t *testing.T) {
	conn := &stubConn{}
	tr := transport.New()
	tr.Attach(conn)

	pdu := tpkt([]byte{0xAA, 0xBB})
	conn.push(pdu)

	sock := &fakeSocket{reads: make(chan []byte), closeOnWrite: true}

	bridge("test", sock, tr)

	require.Len(t, sock.written, 1)
	assert.Equal(t, pdu, sock.written[0])
}

func TestMinTLSVersion(t *testing.T) {
	tests := []struct {
		version string
		want    uint16
	}{
		{version: "1.0", want: tls.VersionTLS10},
		{version: "1.1", want: tls.VersionTLS11},
		{version: "1.2", want: tls.VersionTLS12},
		{version: "1.3", want: tls.VersionTLS13},
		{version: "", want: tls.VersionTLS12},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, minTLSVersion(tt.version))
		})
	}
}

func TestServerName(t *testing.T) {
	tests := []struct {
		name          string
		tlsServerName string
		host          string
		want          string
	}{
		{
			name: "host without port",
			host: "rdp.example.com",
			want: "rdp.example.com",
		},
		{
			name: "host with port stripped",
			host: "rdp.example.com:3389",
			want: "rdp.example.com",
		},
		{
			name:          "configured name wins",
			tlsServerName: "override.example.com",
			host:          "10.0.0.1:3389",
			want:          "override.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Security.TLSServerName = tt.tlsServerName

			assert.Equal(t, tt.want, serverName(cfg, tt.host))
		})
	}
}

func TestIsAllowedOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed string
		origin  string
		want    bool
	}{
		{
			name:   "empty origin always allowed",
			origin: "",
			want:   true,
		},
		{
			name:   "no allowlist configured",
			origin: "https://anything.example",
			want:   true,
		},
		{
			name:    "origin on allowlist",
			allowed: "https://app.example",
			origin:  "https://app.example",
			want:    true,
		},
		{
			name:    "case-insensitive match",
			allowed: "https://App.Example",
			origin:  "https://app.example",
			want:    true,
		},
		{
			name:    "wildcard",
			allowed: "*",
			origin:  "https://anything.example",
			want:    true,
		},
		{
			name:    "origin not on allowlist",
			allowed: "https://app.example",
			origin:  "https://evil.example",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ALLOWED_ORIGINS", tt.allowed)

			assert.Equal(t, tt.want, isAllowedOrigin(tt.origin))
		})
	}
}
