package vhdx

import (
	"bytes"
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
)

// MetadataEntry is one (GUID, offset, length, flags) record in the metadata
// table, pointing at an item's payload elsewhere in the metadata region.
type MetadataEntry struct {
	GUID     uuid.UUID
	Offset   uint32 // relative to the start of the metadata region
	Length   uint32
	IsUser   bool
	IsVirDsk bool
	IsReq    bool
}

// MetadataTable is the decoded table of item descriptors at the start of
// the metadata region named by the Metadata region-table entry.
type MetadataTable struct {
	Entries []MetadataEntry
}

const (
	metaCountOff   = 0x0A
	metaEntriesOff = 0x20
)

// ParseMetadataTable decodes the fixed-size metadata table header+entries
// (up to 2047 entries) at the start of the metadata region blob b.
func ParseMetadataTable(b []byte) (MetadataTable, error) {
	if len(b) < metadataHeaderFixedSize {
		return MetadataTable{}, fmt.Errorf("vhdx: metadata table: %w", sparse.ErrTruncated)
	}
	if !bytes.Equal(b[:8], []byte(metadataTableSignature)) {
		return MetadataTable{}, fmt.Errorf("vhdx: metadata table: %w", sparse.ErrFormat)
	}
	count := buf.U16LE(b[metaCountOff:])

	mt := MetadataTable{Entries: make([]MetadataEntry, 0, count)}
	for i := uint16(0); i < count; i++ {
		off := metaEntriesOff + int(i)*metadataEntrySize
		if off+metadataEntrySize > len(b) {
			return MetadataTable{}, fmt.Errorf("vhdx: metadata table: entry %d out of range: %w", i, sparse.ErrTruncated)
		}
		e := b[off : off+metadataEntrySize]
		flags := buf.U32LE(e[16:20])
		mt.Entries = append(mt.Entries, MetadataEntry{
			GUID:     buf.GUID(e[0:16]),
			Offset:   buf.U32LE(e[20:24]),
			Length:   buf.U32LE(e[24:28]),
			IsUser:   flags&0x1 != 0,
			IsVirDsk: flags&0x2 != 0,
			IsReq:    flags&0x4 != 0,
		})
	}
	return mt, nil
}

// Serialize encodes mt into a fresh metadata-table header+entries block of
// metadataTableSize bytes. Item payloads are not included; callers place
// them at the entries' Offset within the same metadata region blob.
func (mt MetadataTable) Serialize() []byte {
	b := make([]byte, metadataTableSize)
	copy(b[:8], []byte(metadataTableSignature))
	buf.PutU16LE(b[metaCountOff:], uint16(len(mt.Entries)))

	for i, e := range mt.Entries {
		off := metaEntriesOff + i*metadataEntrySize
		dst := b[off : off+metadataEntrySize]
		buf.PutGUID(dst[0:16], e.GUID)
		var flags uint32
		if e.IsUser {
			flags |= 0x1
		}
		if e.IsVirDsk {
			flags |= 0x2
		}
		if e.IsReq {
			flags |= 0x4
		}
		buf.PutU32LE(dst[16:20], flags)
		buf.PutU32LE(dst[20:24], e.Offset)
		buf.PutU32LE(dst[24:28], e.Length)
	}
	return b
}

// Find returns the entry matching guid, if present.
func (mt MetadataTable) Find(guid uuid.UUID) (MetadataEntry, bool) {
	for _, e := range mt.Entries {
		if e.GUID == guid {
			return e, true
		}
	}
	return MetadataEntry{}, false
}

// FileParameters is the decoded FileParameters metadata item.
type FileParameters struct {
	BlockSize            uint32
	LeaveBlocksAllocated bool
	HasParent            bool
}

// ParseFileParameters decodes an 8-byte FileParameters item payload.
func ParseFileParameters(b []byte) (FileParameters, error) {
	if len(b) < 8 {
		return FileParameters{}, fmt.Errorf("vhdx: file parameters: %w", sparse.ErrTruncated)
	}
	flags := buf.U32LE(b[4:8])
	return FileParameters{
		BlockSize:            buf.U32LE(b[0:4]),
		LeaveBlocksAllocated: flags&FileParamFlagLeaveBlocksAllocated != 0,
		HasParent:            flags&FileParamFlagHasParent != 0,
	}, nil
}

// Serialize encodes fp into an 8-byte FileParameters item payload.
func (fp FileParameters) Serialize() []byte {
	b := make([]byte, 8)
	buf.PutU32LE(b[0:4], fp.BlockSize)
	var flags uint32
	if fp.LeaveBlocksAllocated {
		flags |= FileParamFlagLeaveBlocksAllocated
	}
	if fp.HasParent {
		flags |= FileParamFlagHasParent
	}
	buf.PutU32LE(b[4:8], flags)
	return b
}

// VirtualDiskSize decodes/encodes the 8-byte VirtualDiskSize item payload.
func ParseVirtualDiskSize(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("vhdx: virtual disk size: %w", sparse.ErrTruncated)
	}
	return buf.U64LE(b[:8]), nil
}

func SerializeVirtualDiskSize(size uint64) []byte {
	b := make([]byte, 8)
	buf.PutU64LE(b, size)
	return b
}

// ParseLogicalSectorSize decodes the 4-byte LogicalSectorSize item payload
// (legal values 512 or 4096).
func ParseLogicalSectorSize(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("vhdx: logical sector size: %w", sparse.ErrTruncated)
	}
	return buf.U32LE(b[:4]), nil
}

func SerializeLogicalSectorSize(size uint32) []byte {
	b := make([]byte, 4)
	buf.PutU32LE(b, size)
	return b
}

// ParsePhysicalSectorSize decodes the 4-byte PhysicalSectorSize item payload.
func ParsePhysicalSectorSize(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("vhdx: physical sector size: %w", sparse.ErrTruncated)
	}
	return buf.U32LE(b[:4]), nil
}

func SerializePhysicalSectorSize(size uint32) []byte {
	b := make([]byte, 4)
	buf.PutU32LE(b, size)
	return b
}

// Page83Data is the 16-byte SCSI page 0x83 identifier item payload,
// exposed to callers but not otherwise interpreted.
type Page83Data [16]byte

func ParsePage83Data(b []byte) (Page83Data, error) {
	var p Page83Data
	if len(b) < 16 {
		return p, fmt.Errorf("vhdx: page83 data: %w", sparse.ErrTruncated)
	}
	copy(p[:], b[:16])
	return p, nil
}

func (p Page83Data) Serialize() []byte {
	b := make([]byte, 16)
	copy(b, p[:])
	return b
}
