// Package buffer implements the growable, position-tracked byte container
// used by the transport receive and send paths. A Stream tracks a write
// length and a read/write cursor separately so that a buffer can be filled
// incrementally, sealed to a fixed length, and then re-read from the start.
package buffer

import "errors"

// ErrAllocationLimit is returned when a Stream is asked to grow past its
// allocation ceiling.
var ErrAllocationLimit = errors.New("stream allocation limit exceeded")

const (
	// DefaultCapacity matches the transport's per-role buffer size.
	DefaultCapacity = 16 * 1024

	// defaultCeiling bounds growth; no single RDP PDU comes close to this.
	defaultCeiling = 16 * 1024 * 1024
)

// Stream is a growable byte buffer. The write length records how many bytes
// are actually filled; the cursor tracks the current read or write position.
// Invariant: cursor <= length <= capacity. Streams only grow, amortizing
// reallocation across PDUs of varying size.
type Stream struct {
	data    []byte
	length  int
	pos     int
	ceiling int
	sealed  bool
}

// New allocates a Stream with the given initial capacity.
func New(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Stream{
		data:    make([]byte, capacity),
		ceiling: defaultCeiling,
	}
}

// EnsureCapacity grows the backing array in place, preserving content, so
// that at least n bytes fit. Shrinking never happens.
func (s *Stream) EnsureCapacity(n int) error {
	if n <= len(s.data) {
		return nil
	}

	if n > s.ceiling {
		return ErrAllocationLimit
	}

	capacity := len(s.data) * 2
	if capacity < n {
		capacity = n
	}
	if capacity > s.ceiling {
		capacity = s.ceiling
	}

	grown := make([]byte, capacity)
	copy(grown, s.data[:s.length])
	s.data = grown

	return nil
}

// Reset rewinds the cursor to the start. The write length is unchanged until
// overwritten.
func (s *Stream) Reset() {
	s.pos = 0
}

// Clear rewinds the cursor and discards the filled content, reopening a
// sealed stream for writing.
func (s *Stream) Clear() {
	s.pos = 0
	s.length = 0
	s.sealed = false
}

// Seek advances the cursor by n. After a seal the cursor must stay within
// the sealed length; before it, within capacity. While unsealed the write
// length follows the cursor's high-water mark.
func (s *Stream) Seek(n int) {
	s.SetPos(s.pos + n)
}

// SetPos places the cursor at an absolute position, under the same bounds as
// Seek.
func (s *Stream) SetPos(n int) {
	if n < 0 {
		panic("buffer: cursor before start")
	}

	if s.sealed {
		if n > s.length {
			panic("buffer: seek past sealed length")
		}
	} else {
		if n > len(s.data) {
			panic("buffer: seek past capacity")
		}
		if n > s.length {
			s.length = n
		}
	}

	s.pos = n
}

// Seal freezes the write length at the current cursor and rewinds the cursor
// so the content can be read from the start.
func (s *Stream) Seal() {
	s.length = s.pos
	s.pos = 0
	s.sealed = true
}

// Sealed reports whether the stream has been sealed since it was last
// cleared or shifted.
func (s *Stream) Sealed() bool {
	return s.sealed
}

// Remaining returns the number of filled bytes after the cursor.
func (s *Stream) Remaining() int {
	return s.length - s.pos
}

// Len returns the write length.
func (s *Stream) Len() int {
	return s.length
}

// Pos returns the cursor position.
func (s *Stream) Pos() int {
	return s.pos
}

// Cap returns the current capacity.
func (s *Stream) Cap() int {
	return len(s.data)
}

// Bytes returns the filled content. The slice aliases the backing array and
// is only valid until the stream grows or shifts.
func (s *Stream) Bytes() []byte {
	return s.data[:s.length]
}

// WritableTail grows the stream if needed and returns a slice of n bytes
// starting at the cursor for the caller to fill. The cursor is not advanced;
// call Seek with the number of bytes actually written.
func (s *Stream) WritableTail(n int) ([]byte, error) {
	if err := s.EnsureCapacity(s.pos + n); err != nil {
		return nil, err
	}

	return s.data[s.pos : s.pos+n], nil
}

// Append copies p at the cursor and advances past it.
func (s *Stream) Append(p []byte) error {
	dst, err := s.WritableTail(len(p))
	if err != nil {
		return err
	}

	copy(dst, p)
	s.Seek(len(p))

	return nil
}

// Shift drops the first n filled bytes, moving the bytes between n and upto
// to the front, and reopens the stream for writing with the cursor placed
// after the moved bytes. Used to carry over a pipelined PDU after the one
// before it has been sealed and consumed.
func (s *Stream) Shift(n, upto int) {
	if n < 0 || upto < n || upto > len(s.data) {
		panic("buffer: shift out of range")
	}

	copy(s.data, s.data[n:upto])
	s.sealed = false
	s.length = upto - n
	s.pos = s.length
}

// Read implements io.Reader over the filled content after the cursor.
func (s *Stream) Read(p []byte) (int, error) {
	if s.Remaining() == 0 {
		return 0, errEmpty
	}

	n := copy(p, s.data[s.pos:s.length])
	s.pos += n

	return n, nil
}

// Write implements io.Writer, appending at the cursor.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.Append(p); err != nil {
		return 0, err
	}

	return len(p), nil
}

var errEmpty = errors.New("stream is empty")
