package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_EnsureCapacity(t *testing.T) {
	tests := []struct {
		name        string
		initial     int
		want        int
		expectError bool
	}{
		{
			name:    "already large enough",
			initial: 64,
			want:    32,
		},
		{
			name:    "grows past initial capacity",
			initial: 16,
			want:    100,
		},
		{
			name:        "exceeds allocation ceiling",
			initial:     16,
			want:        defaultCeiling + 1,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.initial)

			err := s.EnsureCapacity(tt.want)

			if tt.expectError {
				assert.ErrorIs(t, err, ErrAllocationLimit)
				return
			}

			require.NoError(t, err)
			assert.GreaterOrEqual(t, s.Cap(), tt.want)
		})
	}
}

func TestStream_GrowPreservesContent(t *testing.T) {
	s := New(4)
	require.NoError(t, s.Append([]byte{1, 2, 3, 4}))

	require.NoError(t, s.EnsureCapacity(1024))

	assert.Equal(t, []byte{1, 2, 3, 4}, s.Bytes())
	assert.Equal(t, 4, s.Pos())
}

func TestStream_SealAndRead(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Append([]byte{0xAA, 0xBB, 0xCC}))

	s.Seal()

	assert.True(t, s.Sealed())
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 0, s.Pos())
	assert.Equal(t, 3, s.Remaining())

	out := make([]byte, 2)
	n, err := s.Read(out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xAA, 0xBB}, out)
	assert.Equal(t, 1, s.Remaining())
}

func TestStream_SealAtEarlierPosition(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Append([]byte{1, 2, 3, 4, 5, 6}))

	// Seal only the first four bytes; the trailing two stay in the backing
	// array for carry-over.
	s.SetPos(4)
	s.Seal()

	assert.Equal(t, []byte{1, 2, 3, 4}, s.Bytes())

	s.Shift(4, 6)

	assert.False(t, s.Sealed())
	assert.Equal(t, 2, s.Pos())
	assert.Equal(t, []byte{5, 6}, s.Bytes())
}

func TestStream_SeekPastSealPanics(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Append([]byte{1, 2}))
	s.Seal()

	assert.Panics(t, func() { s.Seek(3) })
}

func TestStream_ResetKeepsLength(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Append([]byte{1, 2, 3}))

	s.Reset()

	assert.Equal(t, 0, s.Pos())
	assert.Equal(t, 3, s.Len())
}

func TestStream_ClearDiscardsContent(t *testing.T) {
	s := New(16)
	require.NoError(t, s.Append([]byte{1, 2, 3}))
	s.Seal()

	s.Clear()

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Pos())
	assert.False(t, s.Sealed())
}

func TestStream_WritableTail(t *testing.T) {
	s := New(4)

	dst, err := s.WritableTail(8)
	require.NoError(t, err)
	require.Len(t, dst, 8)

	copy(dst, []byte{9, 8, 7})
	s.Seek(3)

	assert.Equal(t, []byte{9, 8, 7}, s.Bytes())
}
