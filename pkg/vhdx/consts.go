// Package vhdx implements the Microsoft VHDX container: two alternating
// headers and a region/metadata table (component E), write-ahead log replay
// (component F), and the chunk/BAT-addressed content stream (component G).
package vhdx

import "github.com/google/uuid"

const (
	// FileHeaderOffset, Header1Offset, Header2Offset, RegionTable1Offset,
	// and RegionTable2Offset are the VHDX format's fixed structure offsets
	// within the first 1 MiB of the file.
	FileHeaderOffset   = 0
	Header1Offset      = 64 * 1024
	Header2Offset      = 128 * 1024
	RegionTable1Offset = 192 * 1024
	RegionTable2Offset = 256 * 1024

	// FirstMetadataOffset is the first byte offset legal for non-fixed
	// regions (BAT, metadata, log, payload blocks).
	FirstMetadataOffset = 1024 * 1024

	fileHeaderSize    = 64 * 1024
	headerSize        = 4096
	regionTableSize   = 64 * 1024
	metadataTableSize = 64 * 1024

	regionTableEntrySize  = 32
	regionTableMaxEntries = 2047
	regionTableSignature  = "regi"
	headerSignature       = "head"
	fileSignature         = "vhdxfile"

	metadataTableSignature  = "metadata"
	metadataEntrySize       = 32
	metadataHeaderFixedSize = 32

	// BAT entry layout.
	batEntryStateMask  = 0x7
	batEntryOffsetUnit = 1024 * 1024 // BAT file offsets are recorded in MiB
)

// PayloadBlockState is the 3-bit state field in a BAT entry addressing a
// data block.
type PayloadBlockState uint8

const (
	PayloadBlockNotPresent       PayloadBlockState = 0
	PayloadBlockUndefined        PayloadBlockState = 1
	PayloadBlockZero             PayloadBlockState = 2
	PayloadBlockUnmapped         PayloadBlockState = 3
	PayloadBlockFullyPresent     PayloadBlockState = 6
	PayloadBlockPartiallyPresent PayloadBlockState = 7
)

func (s PayloadBlockState) String() string {
	switch s {
	case PayloadBlockNotPresent:
		return "NotPresent"
	case PayloadBlockUndefined:
		return "Undefined"
	case PayloadBlockZero:
		return "Zero"
	case PayloadBlockUnmapped:
		return "Unmapped"
	case PayloadBlockFullyPresent:
		return "FullyPresent"
	case PayloadBlockPartiallyPresent:
		return "PartiallyPresent"
	default:
		return "Reserved"
	}
}

// SectorBitmapBlockState is the state field of a sector-bitmap BAT entry;
// only Present/NotPresent are meaningful on-disk.
type SectorBitmapBlockState uint8

const (
	SbNotPresent SectorBitmapBlockState = 0
	SbPresent    SectorBitmapBlockState = 6
)

// Well-known region GUIDs, per the VHDX format spec.
var (
	RegionGUIDBAT      = uuid.MustParse("2dc27766-f623-4200-9d64-115e9bfd4a08")
	RegionGUIDMetadata = uuid.MustParse("8b7ca206-4790-4b9a-b8fe-575f050f886e")
)

// Well-known metadata item GUIDs.
var (
	MetaGUIDFileParameters     = uuid.MustParse("caa16737-fa36-4d43-b3b6-33f0aa44e76b")
	MetaGUIDVirtualDiskSize    = uuid.MustParse("2fa54224-cd1b-4876-b211-5dbed83bf4b8")
	MetaGUIDPage83Data         = uuid.MustParse("beca12ab-b2e6-4523-93ef-c309e000c746")
	MetaGUIDLogicalSectorSize  = uuid.MustParse("8141bf1d-a96f-4709-ba47-f233a8faab5f")
	MetaGUIDPhysicalSectorSize = uuid.MustParse("cda348c7-445d-4471-9cc9-e9885251c556")
	MetaGUIDParentLocator      = uuid.MustParse("a8d35f2d-b30b-454d-abf7-48d9ba98aa03")
	ParentLocatorTypeVHDX      = uuid.MustParse("b04aefb7-d19e-4a81-b789-25b8e9445913")
)

// FileParametersFlags bit flags within the FileParameters metadata item.
const (
	FileParamFlagLeaveBlocksAllocated = 1 << 0
	FileParamFlagHasParent            = 1 << 1
)
