package vhd

import (
	"context"
	"testing"

	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/stretchr/testify/require"
)

// TestScenarioS1 implements the spec's S1 end-to-end scenario: a 64 MiB
// dynamic VHD with 2 MiB blocks, one write, one read-back, one extent.
func TestScenarioS1(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()

	d, err := CreateDynamic(ctx, s, 64<<20, DefaultBlockSize, DefaultOpenOptions())
	require.NoError(t, err)
	defer d.Close()

	payload := []byte("Hello, sparse VHD world!!!!!!!!!")
	require.Len(t, payload, 32)

	const offset = 1048576
	_, err = d.WriteAt(ctx, offset, payload)
	require.NoError(t, err)

	got := make([]byte, 32)
	n, err := d.ReadAt(ctx, offset, got)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	require.Equal(t, payload, got)

	it, err := d.Extents(ctx, 0, d.Length())
	require.NoError(t, err)
	extents, err := sparse.CollectExtents(it)
	require.NoError(t, err)
	require.Len(t, extents, 1)
	require.Equal(t, sparse.Extent{Start: 1048576, Length: 2097152}, extents[0])
}

// TestScenarioS2 implements the spec's S2 scenario: a differencing child
// over S1's parent must read through to the parent's data anywhere the
// child itself hasn't written.
func TestScenarioS2(t *testing.T) {
	ctx := context.Background()
	parentStream := hoststream.NewMemStream()

	parent, err := CreateDynamic(ctx, parentStream, 64<<20, DefaultBlockSize, DefaultOpenOptions())
	require.NoError(t, err)

	payload := []byte("Hello, sparse VHD world!!!!!!!!!")
	const offset = 1048576
	_, err = parent.WriteAt(ctx, offset, payload)
	require.NoError(t, err)

	childStream := hoststream.NewMemStream()
	opts := DefaultOpenOptions()
	opts.Parent = parent
	opts.ParentPath = "parent.vhd"
	child, err := CreateDynamic(ctx, childStream, 64<<20, DefaultBlockSize, opts)
	require.NoError(t, err)
	defer child.Close()

	_, err = child.WriteAt(ctx, 0, []byte{0xAB})
	require.NoError(t, err)

	got := make([]byte, 32)
	n, err := child.ReadAt(ctx, offset, got)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	require.Equal(t, payload, got)
}

func TestSparsenessPropertyFreshImageHasNoExtents(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateDynamic(ctx, s, 16<<20, DefaultBlockSize, DefaultOpenOptions())
	require.NoError(t, err)
	defer d.Close()

	it, err := d.Extents(ctx, 0, d.Length())
	require.NoError(t, err)
	extents, err := sparse.CollectExtents(it)
	require.NoError(t, err)
	require.Empty(t, extents)
}

func TestIdempotentWrite(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateDynamic(ctx, s, 16<<20, DefaultBlockSize, DefaultOpenOptions())
	require.NoError(t, err)
	defer d.Close()

	payload := []byte("idempotent")
	_, err = d.WriteAt(ctx, 100, payload)
	require.NoError(t, err)
	sizeAfterFirst, err := s.Size()
	require.NoError(t, err)

	_, err = d.WriteAt(ctx, 100, payload)
	require.NoError(t, err)
	sizeAfterSecond, err := s.Size()
	require.NoError(t, err)

	require.Equal(t, sizeAfterFirst, sizeAfterSecond)

	got := make([]byte, len(payload))
	_, err = d.ReadAt(ctx, 100, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestBoundaryReadAtLength(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateDynamic(ctx, s, 1<<20, DefaultBlockSize, DefaultOpenOptions())
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 10)
	n, err := d.ReadAt(ctx, d.Length(), buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestBoundaryReadPastLength(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateDynamic(ctx, s, 1<<20, DefaultBlockSize, DefaultOpenOptions())
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 10)
	_, err = d.ReadAt(ctx, d.Length()+1, buf)
	require.Error(t, err)
}

func TestWriteCannotExtendLength(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateDynamic(ctx, s, 1<<20, DefaultBlockSize, DefaultOpenOptions())
	require.NoError(t, err)
	defer d.Close()

	_, err = d.WriteAt(ctx, d.Length()-1, []byte{1, 2})
	require.Error(t, err)
}

// TestBlockAllocationInvariant verifies property #6: allocating a block
// grows the file by exactly bitmapSize+blockSize and leaves a trailing
// footer identical to the leading footer.
func TestBlockAllocationInvariant(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	d, err := CreateDynamic(ctx, s, 16<<20, DefaultBlockSize, DefaultOpenOptions())
	require.NoError(t, err)
	defer d.Close()

	sizeBefore, err := s.Size()
	require.NoError(t, err)

	require.Equal(t, uint32(UnallocatedEntry), d.bat[0])
	_, err = d.WriteAt(ctx, 0, []byte{1})
	require.NoError(t, err)
	require.NotEqual(t, uint32(UnallocatedEntry), d.bat[0])

	sizeAfter, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, int64(d.bitmapSize)+int64(d.blockSize), sizeAfter-sizeBefore)

	leading := make([]byte, FooterSize)
	_, err = s.ReadAt(leading, 0)
	require.NoError(t, err)
	trailing := make([]byte, FooterSize)
	_, err = s.ReadAt(trailing, sizeAfter-FooterSize)
	require.NoError(t, err)
	require.Equal(t, leading, trailing)
}
