package vhdx

import "github.com/cwarnold/vdisk/internal/buf"

// BATEntry is the decoded form of one 64-bit BAT slot: a 3-bit state field
// in bits 0-2 and a file offset recorded in MiB in bits 20-63.
type BATEntry struct {
	State  PayloadBlockState
	Offset uint64 // absolute file byte offset, already multiplied out of MiB units
}

// DecodeBATEntry unpacks one 8-byte little-endian BAT slot.
func DecodeBATEntry(b []byte) BATEntry {
	raw := buf.U64LE(b)
	return BATEntry{
		State:  PayloadBlockState(raw & batEntryStateMask),
		Offset: (raw >> 20) * batEntryOffsetUnit,
	}
}

// Encode packs e into an 8-byte little-endian BAT slot.
func (e BATEntry) Encode() []byte {
	b := make([]byte, 8)
	raw := uint64(e.State) | ((e.Offset / batEntryOffsetUnit) << 20)
	buf.PutU64LE(b, raw)
	return b
}

// SectorBitmapEntry is the decoded form of a chunk's sector-bitmap BAT slot:
// same physical layout as BATEntry but with the two-state sector-bitmap
// enum (SbNotPresent/SbPresent); bitmap blocks are always exactly 1 MiB, so
// the same MiB offset encoding applies.
type SectorBitmapEntry struct {
	State  SectorBitmapBlockState
	Offset uint64
}

func DecodeSectorBitmapEntry(b []byte) SectorBitmapEntry {
	raw := buf.U64LE(b)
	return SectorBitmapEntry{
		State:  SectorBitmapBlockState(raw & batEntryStateMask),
		Offset: (raw >> 20) * batEntryOffsetUnit,
	}
}

func (e SectorBitmapEntry) Encode() []byte {
	b := make([]byte, 8)
	raw := uint64(e.State) | ((e.Offset / batEntryOffsetUnit) << 20)
	buf.PutU64LE(b, raw)
	return b
}

// Addressing captures the chunk/block/sector geometry derived from the
// image's FileParameters and LogicalSectorSize metadata, per the spec's
// §4.G addressing formulas.
type Addressing struct {
	BlockSize         uint32
	LogicalSectorSize uint32
	ChunkRatio        uint64 // blocks per chunk
	ChunkSize         uint64 // bytes per chunk
}

// NewAddressing derives an Addressing from the metadata-declared block
// size and logical sector size.
func NewAddressing(blockSize, logicalSectorSize uint32) Addressing {
	chunkSize := uint64(1<<23) * uint64(logicalSectorSize)
	return Addressing{
		BlockSize:         blockSize,
		LogicalSectorSize: logicalSectorSize,
		ChunkRatio:        chunkSize / uint64(blockSize),
		ChunkSize:         chunkSize,
	}
}

// Locate maps a logical byte position to its chunk, block-within-chunk, and
// sector-within-block indices.
func (a Addressing) Locate(pos uint64) (chunk, block, sector uint64) {
	chunk = pos / a.ChunkSize
	rem := pos % a.ChunkSize
	block = rem / uint64(a.BlockSize)
	sector = (rem % uint64(a.BlockSize)) / uint64(a.LogicalSectorSize)
	return
}

// BlockIndex returns the absolute block index (0-based across the whole
// image) for a position, used to look up the in-memory BAT slice.
func (a Addressing) BlockIndex(pos uint64) uint64 {
	chunk, block, _ := a.Locate(pos)
	return chunk*a.ChunkRatio + block
}

// BATSlot returns the index into the on-disk BAT array (which interleaves
// ChunkRatio payload-block entries with one sector-bitmap entry per chunk)
// for the payload block containing pos.
func (a Addressing) BATSlot(pos uint64) uint64 {
	chunk, block, _ := a.Locate(pos)
	return chunk*(a.ChunkRatio+1) + block
}

// SectorBitmapSlot returns the BAT index of the sector-bitmap entry for the
// chunk containing pos.
func (a Addressing) SectorBitmapSlot(pos uint64) uint64 {
	chunk, _, _ := a.Locate(pos)
	return chunk*(a.ChunkRatio+1) + a.ChunkRatio
}

// SectorsPerBlock is the number of logical sectors in one payload block.
func (a Addressing) SectorsPerBlock() uint32 {
	return a.BlockSize / a.LogicalSectorSize
}

// BlockCount returns the number of payload blocks needed to cover a disk of
// the given logical size.
func (a Addressing) BlockCount(diskSize uint64) uint64 {
	return (diskSize + uint64(a.BlockSize) - 1) / uint64(a.BlockSize)
}

// ChunkCount returns the number of chunks needed to cover blockCount blocks.
func (a Addressing) ChunkCount(blockCount uint64) uint64 {
	return (blockCount + a.ChunkRatio - 1) / a.ChunkRatio
}

// BATEntryCount returns the total number of 8-byte slots the on-disk BAT
// must hold (payload entries plus one sector-bitmap entry per chunk),
// rounded up per the format's chunk-aligned BAT layout.
func (a Addressing) BATEntryCount(diskSize uint64) uint64 {
	blocks := a.BlockCount(diskSize)
	chunks := a.ChunkCount(blocks)
	return chunks * (a.ChunkRatio + 1)
}
