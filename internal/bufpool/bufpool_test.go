package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSizedCorrectly(t *testing.T) {
	b := Get(100)
	defer b.Release()
	require.Len(t, b.Bytes(), 100)
}

func TestGetLargerThanLargestClass(t *testing.T) {
	b := Get(4 << 20)
	defer b.Release()
	require.Len(t, b.Bytes(), 4<<20)
}

func TestReleaseNilIsSafe(t *testing.T) {
	var b *Buffer
	b.Release()
}

func TestReuseAfterRelease(t *testing.T) {
	b1 := Get(512)
	b1.Bytes()[0] = 0xAB
	b1.Release()

	b2 := Get(512)
	defer b2.Release()
	// Pool may or may not hand back the same backing array; just confirm
	// the buffer is usable and correctly sized regardless.
	require.Len(t, b2.Bytes(), 512)
}
