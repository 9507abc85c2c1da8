package vhdx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBATEntryRoundTrip(t *testing.T) {
	e := BATEntry{State: PayloadBlockFullyPresent, Offset: 5 * 1024 * 1024}
	got := DecodeBATEntry(e.Encode())
	require.Equal(t, e, got)
}

func TestBATEntryOffsetIsMiBGranular(t *testing.T) {
	e := BATEntry{State: PayloadBlockPartiallyPresent, Offset: 0}
	enc := e.Encode()
	got := DecodeBATEntry(enc)
	require.Equal(t, PayloadBlockPartiallyPresent, got.State)
	require.Zero(t, got.Offset)
}

func TestAddressingLocateWithinOneChunk(t *testing.T) {
	a := NewAddressing(1<<20, 512) // chunkSize = 2^23*512 = 4 GiB, chunkRatio = 4096
	require.Equal(t, uint64(4096), a.ChunkRatio)

	chunk, block, sector := a.Locate(0)
	require.Zero(t, chunk)
	require.Zero(t, block)
	require.Zero(t, sector)

	chunk, block, sector = a.Locate(2 << 20) // block index 2 (third block), first sector
	require.Zero(t, chunk)
	require.EqualValues(t, 2, block)
	require.Zero(t, sector)

	chunk, block, sector = a.Locate(2<<20 + 512) // block index 2, second sector
	require.Zero(t, chunk)
	require.EqualValues(t, 2, block)
	require.EqualValues(t, 1, sector)
}

func TestAddressingBATSlotInterleavesSectorBitmap(t *testing.T) {
	a := NewAddressing(1<<20, 512)
	// Slot for block 0 of chunk 0.
	require.EqualValues(t, 0, a.BATSlot(0))
	// The sector-bitmap slot for chunk 0 comes after all ChunkRatio payload slots.
	require.EqualValues(t, a.ChunkRatio, a.SectorBitmapSlot(0))
	// First block of chunk 1 sits after chunk 0's payload+bitmap slots.
	require.EqualValues(t, a.ChunkRatio+1, a.BATSlot(a.ChunkSize))
}

func TestAddressingBATEntryCountCoversWholeDisk(t *testing.T) {
	a := NewAddressing(1<<20, 512)
	diskSize := uint64(16 << 20) // 16 MiB, 16 blocks, all in chunk 0
	count := a.BATEntryCount(diskSize)
	// 16 payload blocks fit in one chunk (chunkRatio=4096 >= 16), so
	// exactly one chunk's worth of slots (ChunkRatio payload + 1 bitmap).
	require.EqualValues(t, a.ChunkRatio+1, count)
}

func TestAddressingSectorsPerBlock(t *testing.T) {
	a := NewAddressing(2<<20, 512)
	require.EqualValues(t, 4096, a.SectorsPerBlock())
}
