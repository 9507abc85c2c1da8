package vhd

import (
	"context"
	"testing"
	"time"

	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newFixedImage builds a minimal Fixed VHD directly, since CreateFixed is
// deliberately unimplemented (fixed-disk creation is out of scope).
func newFixedImage(t *testing.T, data []byte) *hoststream.MemStream {
	t.Helper()
	s := hoststream.NewMemStream()
	_, err := s.WriteAt(data, 0)
	require.NoError(t, err)

	cyl, heads, spt := GeometryForSize(uint64(len(data)))
	f := Footer{
		DataOffset:      0xFFFFFFFFFFFFFFFF,
		TimeStamp:       time.Now().UTC(),
		OriginalSize:    uint64(len(data)),
		CurrentSize:     uint64(len(data)),
		Cylinders:       cyl,
		Heads:           heads,
		SectorsPerTrack: spt,
		DiskType:        DiskTypeFixed,
		UniqueID:        uuid.New(),
	}
	_, err = s.WriteAt(f.Serialize(), int64(len(data)))
	require.NoError(t, err)
	return s
}

func TestOpenFixedReadsBackWrittenPayload(t *testing.T) {
	ctx := context.Background()
	payload := make([]byte, 4096)
	copy(payload, []byte("fixed-disk-payload"))
	s := newFixedImage(t, payload)

	d, err := OpenFixed(ctx, s)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, uint64(len(payload)), d.Length())

	got := make([]byte, 19)
	n, err := d.ReadAt(ctx, 0, got)
	require.NoError(t, err)
	require.Equal(t, 19, n)
	require.Equal(t, []byte("fixed-disk-payload"), got)
}

func TestFixedWriteThenRead(t *testing.T) {
	ctx := context.Background()
	s := newFixedImage(t, make([]byte, 4096))

	d, err := OpenFixed(ctx, s)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.WriteAt(ctx, 100, []byte("hello"))
	require.NoError(t, err)

	got := make([]byte, 5)
	_, err = d.ReadAt(ctx, 100, got)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestFixedExtentsCoverWholeDisk(t *testing.T) {
	ctx := context.Background()
	s := newFixedImage(t, make([]byte, 4096))

	d, err := OpenFixed(ctx, s)
	require.NoError(t, err)
	defer d.Close()

	it, err := d.Extents(ctx, 0, d.Length())
	require.NoError(t, err)
	extents, err := sparse.CollectExtents(it)
	require.NoError(t, err)
	require.Len(t, extents, 1)
	require.Equal(t, uint64(0), extents[0].Start)
	require.Equal(t, d.Length(), extents[0].Length)
}

func TestCreateFixedIsNotImplemented(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	_, err := CreateFixed(ctx, s, 4096)
	require.Error(t, err)
}
