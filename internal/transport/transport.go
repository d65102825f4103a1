// Package transport owns the raw byte stream of an RDP connection: the
// active security layer (plain TCP, TLS, or closed), PDU boundary detection
// across the TPKT, TSRequest and Fast-Path framings, and delivery of
// complete PDUs to the upper protocol engine in either a blocking or a
// non-blocking consumption model.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/nullgate/rdp-transport/internal/buffer"
	"github.com/nullgate/rdp-transport/internal/logging"
)

// DispatchFunc receives one sealed PDU. The stream is borrowed for the
// duration of the call; the callback may send replies through the Transport
// but must not re-enter PollOnce.
type DispatchFunc func(pdu *buffer.Stream) error

// Authenticator runs a credential negotiation exchange (NLA/CredSSP) over
// an established TLS layer. Its wire traffic goes through the Transport's
// own read and write; its sole effect on the Transport is success or
// failure.
type Authenticator interface {
	Authenticate(t *Transport) error
}

// PollResult reports what a PollOnce call achieved.
type PollResult int

const (
	// PollNeedMore means no complete PDU is buffered yet.
	PollNeedMore PollResult = iota

	// PollDispatched means at least one complete PDU was delivered to the
	// dispatch callback.
	PollDispatched
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultPort        = "3389"

	// pollRoundTimeout bounds each blocking read round so the caller stays
	// responsive to cancellation between retries.
	pollRoundTimeout = 100 * time.Millisecond

	// pacingInterval spaces out zero-progress rounds instead of spinning.
	pacingInterval = 100 * time.Microsecond

	// nonblockTimeout is the deadline armed for a non-blocking read
	// attempt: long enough to drain bytes already queued by the kernel,
	// short enough to never stall an event loop.
	nonblockTimeout = time.Millisecond

	// pollChunkSize caps how much one PollOnce call appends.
	pollChunkSize = 32 * 1024

	tlsHandshakeTimeout = 30 * time.Second
)

// Transport is the aggregate root over one connection. All operations run
// on the goroutine that owns the event loop or blocking call; there is no
// internal locking because there is no internal parallelism.
type Transport struct {
	layer    streamLayer
	secured  bool
	blocking bool

	recvBuffer *buffer.Stream // non-blocking accumulation
	recvStream *buffer.Stream // blocking reads
	sendStream *buffer.Stream // blocking writes

	dispatch DispatchFunc
	level    int // dispatch depth; guards against re-entrant polling

	dialTimeout time.Duration
	pacing      time.Duration
}

// New creates a disconnected Transport with its three buffers allocated.
func New() *Transport {
	return &Transport{
		layer:       closedLayer{},
		blocking:    true,
		recvBuffer:  buffer.New(buffer.DefaultCapacity),
		recvStream:  buffer.New(buffer.DefaultCapacity),
		sendStream:  buffer.New(buffer.DefaultCapacity),
		dialTimeout: defaultDialTimeout,
		pacing:      pacingInterval,
	}
}

// RegisterDispatch sets the callback PollOnce delivers complete PDUs to.
func (t *Transport) RegisterDispatch(fn DispatchFunc) {
	t.dispatch = fn
}

// SetBlocking switches between the blocking and non-blocking consumption
// models.
func (t *Transport) SetBlocking(blocking bool) {
	t.blocking = blocking
}

// SetDialTimeout overrides the TCP connect timeout.
func (t *Transport) SetDialTimeout(d time.Duration) {
	t.dialTimeout = d
}

// Connect establishes the TCP variant against hostport (initiator role).
// The default RDP port is appended when none is given.
func (t *Transport) Connect(hostport string) error {
	if !strings.Contains(hostport, ":") {
		hostport = net.JoinHostPort(hostport, defaultPort)
	}

	conn, err := net.DialTimeout("tcp", hostport, t.dialTimeout)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}

	t.layer = &tcpLayer{conn: conn}
	t.secured = false

	logging.Debug("transport: connected to %s", hostport)

	return nil
}

// Attach adopts an already established connection (responder role, or a
// caller that dials on its own).
func (t *Transport) Attach(conn net.Conn) {
	t.layer = &tcpLayer{conn: conn}
	t.secured = false
}

// UpgradeToTLS retires the TCP variant and wraps the same connection in a
// client-side TLS session. The descriptor is borrowed, not reopened. On
// handshake failure the TCP variant stays active and the caller decides
// whether to disconnect.
func (t *Transport) UpgradeToTLS(cfg *tls.Config) error {
	return t.startTLS(cfg, tls.Client)
}

// AcceptTLS mirrors UpgradeToTLS for the responder role, using the server
// certificate and key carried in cfg.
func (t *Transport) AcceptTLS(cfg *tls.Config) error {
	return t.startTLS(cfg, tls.Server)
}

func (t *Transport) startTLS(cfg *tls.Config, wrap func(net.Conn, *tls.Config) *tls.Conn) error {
	tcp, ok := t.layer.(*tcpLayer)
	if !ok {
		return ErrNotConnected
	}

	raw := tcp.conn
	tlsConn := wrap(raw, cfg)

	_ = raw.SetDeadline(time.Now().Add(tlsHandshakeTimeout))

	if err := tlsConn.Handshake(); err != nil {
		_ = raw.SetDeadline(time.Time{})
		return fmt.Errorf("tls handshake: %w", err)
	}

	_ = raw.SetDeadline(time.Time{})

	t.layer = &tlsLayer{conn: tlsConn, raw: raw}

	logging.Debug("transport: tls established")

	return nil
}

// NegotiateNLA runs the credential negotiation exchange over the
// established TLS layer. Failure surfaces as ErrAuthenticationFailed and
// does not roll back the TLS session.
func (t *Transport) NegotiateNLA(auth Authenticator) error {
	if _, ok := t.layer.(*tlsLayer); !ok {
		return ErrNotConnected
	}

	if err := auth.Authenticate(t); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	t.secured = true

	logging.Debug("transport: nla negotiation complete")

	return nil
}

// AcceptNLA waits for the peer-driven credential exchange to complete
// before the responder reports ready.
func (t *Transport) AcceptNLA(auth Authenticator) error {
	return t.NegotiateNLA(auth)
}

// Disconnect tears down the active layer variant, TLS first when present,
// and transitions to Closed. Idempotent.
func (t *Transport) Disconnect() error {
	err := t.layer.Close()
	t.layer = closedLayer{}
	t.secured = false

	return err
}

// Closed reports whether the layer state is Closed.
func (t *Transport) Closed() bool {
	_, closed := t.layer.(closedLayer)
	return closed
}

// Secured reports whether NLA negotiation has completed on top of TLS.
func (t *Transport) Secured() bool {
	return t.secured
}

// Conn returns the pollable connection handle for event-loop registration,
// or nil when closed.
func (t *Transport) Conn() net.Conn {
	return t.layer.Conn()
}

// TLSState returns the TLS session state, which the NLA collaborator needs
// for the public-key binding.
func (t *Transport) TLSState() (tls.ConnectionState, error) {
	l, ok := t.layer.(*tlsLayer)
	if !ok {
		return tls.ConnectionState{}, ErrNotConnected
	}

	return l.conn.ConnectionState(), nil
}

// RecvStreamInit lends the blocking receive buffer, grown to at least n
// bytes and rewound.
func (t *Transport) RecvStreamInit(n int) (*buffer.Stream, error) {
	return initStream(t.recvStream, n)
}

// SendStreamInit lends the blocking send buffer, grown to at least n bytes
// and rewound.
func (t *Transport) SendStreamInit(n int) (*buffer.Stream, error) {
	return initStream(t.sendStream, n)
}

func initStream(s *buffer.Stream, n int) (*buffer.Stream, error) {
	if err := s.EnsureCapacity(n); err != nil {
		return nil, err
	}

	s.Clear()

	return s, nil
}

// ReadPDU returns the receive buffer sealed to exactly one complete PDU.
// In blocking mode the call waits until the PDU has fully arrived. In
// non-blocking mode it returns a nil stream with no error while the PDU is
// still incomplete; the partial bytes stay buffered and the next call
// resumes where this one stopped. The buffer is borrowed; it is reused
// once the sealed PDU has been consumed.
func (t *Transport) ReadPDU() (*buffer.Stream, error) {
	s := t.recvStream
	if s.Sealed() {
		s.Clear()
	}

	// Every framing needs at least 4 bytes before classification.
	if want := frameMinBytes - s.Pos(); want > 0 {
		if _, err := t.readInto(s, want, t.blocking); err != nil {
			return nil, err
		}
		if s.Pos() < frameMinBytes {
			return nil, nil
		}
	}

	hdr, err := detectFrame(s.Bytes())
	if err != nil {
		// With 4 bytes buffered the only failure is a desynchronized
		// stream, which is fatal.
		t.fail()
		return nil, err
	}

	if want := hdr.totalLen - s.Pos(); want > 0 {
		if _, err = t.readInto(s, want, t.blocking); err != nil {
			return nil, err
		}
		if s.Pos() < hdr.totalLen {
			return nil, nil
		}
	}

	s.SetPos(hdr.totalLen)
	s.Seal()

	return s, nil
}

// PollOnce appends newly available bytes without blocking, then dispatches
// every complete PDU already buffered, carrying pipelined trailing bytes
// over to the next call. Called by the owning event loop whenever the
// connection is readable.
func (t *Transport) PollOnce() (PollResult, error) {
	if t.level != 0 {
		return PollNeedMore, ErrNestedDispatch
	}

	s := t.recvBuffer

	n, err := t.readInto(s, pollChunkSize, false)
	if err != nil {
		t.fail()
		return PollNeedMore, err
	}

	if n == 0 && s.Pos() == 0 {
		return PollNeedMore, nil
	}

	return t.drain(s)
}

// drain seals, dispatches and discards complete PDUs from the front of the
// accumulation buffer until only a partial frame (or nothing) remains.
func (t *Transport) drain(s *buffer.Stream) (PollResult, error) {
	dispatched := false

	for {
		buffered := s.Pos()
		if buffered < frameMinBytes {
			break
		}

		hdr, err := detectFrame(s.Bytes()[:buffered])
		if errors.Is(err, errNeedMoreData) {
			break
		}
		if err != nil {
			logging.Warn("transport: %v, first byte 0x%02x", err, s.Bytes()[0])
			t.fail()
			return PollNeedMore, err
		}

		if buffered < hdr.totalLen {
			break
		}

		// Seal exactly one PDU; bytes of any following PDU stay in the
		// backing array past the seal.
		s.SetPos(hdr.totalLen)
		s.Seal()

		t.level++
		err = t.invokeDispatch(s)
		t.level--

		s.Shift(hdr.totalLen, buffered)

		if err != nil {
			return PollDispatched, err
		}

		dispatched = true
	}

	if dispatched {
		return PollDispatched, nil
	}

	return PollNeedMore, nil
}

func (t *Transport) invokeDispatch(pdu *buffer.Stream) error {
	if t.dispatch == nil {
		return nil
	}

	return t.dispatch(pdu)
}

// WritePDU sends the stream's content starting at position 0, looping on
// partial writes until everything is sent. Any write error means the peer
// dropped the connection: the layer transitions to Closed and the error is
// surfaced with no automatic reconnection.
func (t *Transport) WritePDU(s *buffer.Stream) (int, error) {
	data := s.Bytes()
	written := 0

	for written < len(data) {
		n, err := t.layer.Write(data[written:])
		if err != nil {
			t.fail()
			return written, fmt.Errorf("transport write: %w", err)
		}

		if n == 0 {
			time.Sleep(t.pacing)
			continue
		}

		written += n
	}

	return written, nil
}

// readInto accumulates up to want bytes at the stream's cursor. In blocking
// mode it retries until all want bytes are present, arming a bounded read
// deadline each round and pacing zero-progress rounds; in non-blocking mode
// it performs a single attempt and returns whatever arrived, which may be
// nothing.
func (t *Transport) readInto(s *buffer.Stream, want int, blocking bool) (int, error) {
	read := 0

	for read < want {
		dst, err := s.WritableTail(want - read)
		if err != nil {
			return read, err
		}

		n, err := t.readRound(dst, blocking)
		if n > 0 {
			s.Seek(n)
			read += n
		}

		if !blocking {
			if err != nil && !isTimeout(err) {
				return read, t.readError(err)
			}

			return read, nil
		}

		if err != nil {
			if isTimeout(err) {
				// Readiness poll round elapsed; retry.
				continue
			}

			return read, t.readError(err)
		}

		if n == 0 {
			time.Sleep(t.pacing)
		}
	}

	return read, nil
}

// readRound performs one deadline-armed read against the active layer.
func (t *Transport) readRound(p []byte, blocking bool) (int, error) {
	conn := t.layer.Conn()
	if conn != nil {
		timeout := pollRoundTimeout
		if !blocking {
			timeout = nonblockTimeout
		}

		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}

	return t.layer.Read(p)
}

// readError maps a fatal read failure: the layer transitions to Closed and
// end-of-stream becomes ErrPeerClosed.
func (t *Transport) readError(err error) error {
	t.fail()

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrPeerClosed
	}
	if errors.Is(err, ErrPeerClosed) {
		return ErrPeerClosed
	}

	return fmt.Errorf("transport read: %w", err)
}

// fail closes the active layer after a fatal condition. Idempotent.
func (t *Transport) fail() {
	if t.Closed() {
		return
	}

	_ = t.layer.Close()
	t.layer = closedLayer{}
	t.secured = false
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
