package hoststream

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStreamReadWrite(t *testing.T) {
	s := NewMemStream()

	n, err := s.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, int64(15), size)

	buf := make([]byte, 5)
	n, err = s.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestMemStreamReadPastEnd(t *testing.T) {
	s := NewMemStream()
	require.NoError(t, s.Truncate(4))

	buf := make([]byte, 4)
	_, err := s.ReadAt(buf, 4)
	require.ErrorIs(t, err, io.EOF)
}

func TestMemStreamTruncateShrinkGrow(t *testing.T) {
	s := NewMemStream()
	_, err := s.WriteAt([]byte{1, 2, 3, 4}, 0)
	require.NoError(t, err)

	require.NoError(t, s.Truncate(2))
	require.Equal(t, []byte{1, 2}, s.Bytes())

	require.NoError(t, s.Truncate(4))
	require.Equal(t, []byte{1, 2, 0, 0}, s.Bytes())
}
