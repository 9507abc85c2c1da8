package vhdx

import (
	"bytes"
	"context"
	"testing"

	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/stretchr/testify/require"
)

// TestScenarioS3 implements the spec's S3 end-to-end scenario: a 16 MiB
// VHDX with 1 MiB blocks and 512-byte logical sectors, one sector write,
// flush, reopen, and an open-for-write ritual that bumps the active
// header's sequence number by at least 2.
func TestScenarioS3(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()

	d, err := CreateImage(ctx, s, 16<<20, CreateOptions{
		BlockSize:         1 << 20,
		LogicalSectorSize: 512,
	})
	require.NoError(t, err)
	firstSeq := d.header.SequenceNumber

	payload := bytes.Repeat([]byte{0xCD}, 512)
	_, err = d.WriteAt(ctx, 512, payload)
	require.NoError(t, err)
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Close())

	d2, err := Open(ctx, s, DefaultOpenOptions())
	require.NoError(t, err)
	defer d2.Close()

	got := make([]byte, 512)
	n, err := d2.ReadAt(ctx, 512, got)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, payload, got)

	require.GreaterOrEqual(t, d2.header.SequenceNumber, firstSeq+2)
}

func TestCreateImageFreshDiskHasNoExtents(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateImage(ctx, s, 8<<20, CreateOptions{BlockSize: 1 << 20, LogicalSectorSize: 512})
	require.NoError(t, err)
	defer d.Close()

	it, err := d.Extents(ctx, 0, d.Length())
	require.NoError(t, err)
	extents, err := sparse.CollectExtents(it)
	require.NoError(t, err)
	require.Empty(t, extents)
}

func TestCreateImageWriteThenReadAligned(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateImage(ctx, s, 8<<20, CreateOptions{BlockSize: 1 << 20, LogicalSectorSize: 512})
	require.NoError(t, err)
	defer d.Close()

	payload := bytes.Repeat([]byte{0xAB}, 512)
	_, err = d.WriteAt(ctx, 4096, payload)
	require.NoError(t, err)

	got := make([]byte, 512)
	_, err = d.ReadAt(ctx, 4096, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	it, err := d.Extents(ctx, 0, d.Length())
	require.NoError(t, err)
	extents, err := sparse.CollectExtents(it)
	require.NoError(t, err)
	require.Len(t, extents, 1)
	require.Equal(t, sparse.Extent{Start: 0, Length: uint64(1 << 20)}, extents[0])
}

func TestCreateImageDifferencingReadsThroughToParent(t *testing.T) {
	ctx := context.Background()
	parentStream := hoststream.NewMemStream()
	parent, err := CreateImage(ctx, parentStream, 8<<20, CreateOptions{BlockSize: 1 << 20, LogicalSectorSize: 512})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, 512)
	_, err = parent.WriteAt(ctx, 2<<20, payload)
	require.NoError(t, err)

	childStream := hoststream.NewMemStream()
	pl := &ParentLocator{LocatorType: ParentLocatorTypeVHDX, KeyValue: map[string]string{"relative_path": "parent.vhdx"}}
	child, err := CreateImage(ctx, childStream, 8<<20, CreateOptions{
		BlockSize:         1 << 20,
		LogicalSectorSize: 512,
		HasParent:         true,
		ParentLocator:     pl,
		Parent:            parent,
	})
	require.NoError(t, err)
	defer child.Close()

	_, err = child.WriteAt(ctx, 0, bytes.Repeat([]byte{0x01}, 512))
	require.NoError(t, err)

	got := make([]byte, 512)
	_, err = child.ReadAt(ctx, 2<<20, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCreateImageWriteCannotExtendLength(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateImage(ctx, s, 1<<20, CreateOptions{BlockSize: 1 << 20, LogicalSectorSize: 512})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.WriteAt(ctx, 1<<20, make([]byte, 512))
	require.ErrorIs(t, err, sparse.ErrOutOfRange)
}

func TestCreateImageUnalignedWriteRejected(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateImage(ctx, s, 1<<20, CreateOptions{BlockSize: 1 << 20, LogicalSectorSize: 512})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.WriteAt(ctx, 1, make([]byte, 512))
	require.ErrorIs(t, err, sparse.ErrUnaligned)
}
