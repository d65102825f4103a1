package transport

import "errors"

var (
	// ErrPeerClosed indicates the byte stream is gone: the peer dropped the
	// connection, the layer hit a hard I/O error, or Disconnect was called.
	ErrPeerClosed = errors.New("transport layer closed")

	// ErrDesynchronizedStream indicates the buffered bytes no longer align
	// to any known framing. The only recovery is a full reconnect.
	ErrDesynchronizedStream = errors.New("desynchronized stream")

	// ErrNestedDispatch is returned when PollOnce is re-entered from within
	// a dispatch callback. The accumulation buffer's cursors are not
	// reentrant-safe.
	ErrNestedDispatch = errors.New("nested poll during dispatch")

	// ErrAuthenticationFailed wraps an NLA negotiation failure. The TLS
	// session underneath stays intact; the caller decides whether to
	// disconnect.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotConnected is returned when an operation requires a layer that
	// has not been established yet.
	ErrNotConnected = errors.New("transport not connected")
)
