package vhdx

import (
	"bytes"
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
)

// RegionEntry is one (GUID, file-offset, length, flags) record in the
// region table.
type RegionEntry struct {
	GUID     uuid.UUID
	FileOff  uint64
	Length   uint32
	Required bool
}

// RegionTable is the decoded 64 KiB region table (duplicated at
// RegionTable1Offset and RegionTable2Offset).
type RegionTable struct {
	Entries []RegionEntry
}

const (
	regionHeaderSize    = 16
	regionCountOff      = 8
	regionEntriesOffset = 16
)

// ParseRegionTable decodes and validates a 64 KiB region table block.
func ParseRegionTable(b []byte) (RegionTable, error) {
	if len(b) < regionTableSize {
		return RegionTable{}, fmt.Errorf("vhdx: region table: %w", sparse.ErrTruncated)
	}
	if !bytes.Equal(b[:4], []byte(regionTableSignature)) {
		return RegionTable{}, fmt.Errorf("vhdx: region table: %w", sparse.ErrFormat)
	}

	want := buf.U32LE(b[4:])
	scratch := make([]byte, regionTableSize)
	copy(scratch, b)
	buf.PutU32LE(scratch[4:], 0)
	if got := buf.CRC32C(scratch); got != want {
		return RegionTable{}, fmt.Errorf("vhdx: region table checksum mismatch: %w", sparse.ErrFormat)
	}

	count := buf.U32LE(b[regionCountOff:])
	if count > regionTableMaxEntries {
		return RegionTable{}, fmt.Errorf("vhdx: region table: entry count %d exceeds max: %w", count, sparse.ErrFormat)
	}

	rt := RegionTable{Entries: make([]RegionEntry, 0, count)}
	for i := uint32(0); i < count; i++ {
		off := regionEntriesOffset + int(i)*regionTableEntrySize
		e := b[off : off+regionTableEntrySize]
		flags := buf.U32LE(e[28:])
		rt.Entries = append(rt.Entries, RegionEntry{
			GUID:     buf.GUID(e[0:16]),
			FileOff:  buf.U64LE(e[16:24]),
			Length:   buf.U32LE(e[24:28]),
			Required: flags&0x1 != 0,
		})
	}
	return rt, nil
}

// Serialize encodes rt into a fresh 64 KiB region table block with a
// correct checksum.
func (rt RegionTable) Serialize() []byte {
	b := make([]byte, regionTableSize)
	copy(b[:4], []byte(regionTableSignature))
	buf.PutU32LE(b[regionCountOff:], uint32(len(rt.Entries)))

	for i, e := range rt.Entries {
		off := regionEntriesOffset + i*regionTableEntrySize
		dst := b[off : off+regionTableEntrySize]
		buf.PutGUID(dst[0:16], e.GUID)
		buf.PutU64LE(dst[16:24], e.FileOff)
		buf.PutU32LE(dst[24:28], e.Length)
		var flags uint32
		if e.Required {
			flags |= 0x1
		}
		buf.PutU32LE(dst[28:32], flags)
	}

	checksum := buf.CRC32C(b)
	buf.PutU32LE(b[4:], checksum)
	return b
}

// Find returns the entry matching guid, if present.
func (rt RegionTable) Find(guid uuid.UUID) (RegionEntry, bool) {
	for _, e := range rt.Entries {
		if e.GUID == guid {
			return e, true
		}
	}
	return RegionEntry{}, false
}
