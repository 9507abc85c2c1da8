package vhd

import (
	"bytes"
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

// DynamicHeader captures the 1024-byte header following a dynamic or
// differencing disk's footer.
//
//	Offset  Size  Field
//	0x00    8     Cookie "cxsparse"
//	0x08    8     DataOffset (-1)
//	0x10    8     TableOffset
//	0x18    4     HeaderVersion (0x00010000)
//	0x1C    4     MaxTableEntries
//	0x20    4     BlockSize
//	0x24    4     Checksum
//	0x28    16    ParentUniqueID
//	0x38    4     ParentTimeStamp
//	0x3C    4     Reserved
//	0x40    512   ParentUnicodeName (UTF-16BE)
//	0x240   192   ParentLocatorEntries (8 * 24 bytes)
//	0x300   256   Reserved
type DynamicHeader struct {
	TableOffset     uint64
	MaxTableEntries uint32
	BlockSize       uint32
	Checksum        uint32
	ParentUniqueID  uuid.UUID
	ParentTimeStamp uint32
	ParentName      string
	ParentLocators  [ParentLocatorCount]ParentLocatorEntry
}

// ParentLocatorEntry is one of the eight platform-specific parent locator
// records in a differencing disk's dynamic header.
type ParentLocatorEntry struct {
	PlatformCode      PlatformCode
	PlatformDataSpace uint32 // sectors reserved for this locator's data
	PlatformDataLen   uint32 // bytes actually used
	PlatformDataOff   uint64 // absolute file offset of the locator data
}

const (
	dynHdrTableOffsetOff = 0x10
	dynHdrVersionOff     = 0x18
	dynHdrMaxEntriesOff  = 0x1C
	dynHdrBlockSizeOff   = 0x20
	dynHdrChecksumOff    = 0x24
	dynHdrParentGUIDOff  = 0x28
	dynHdrParentTSOff    = 0x38
	dynHdrParentNameOff  = 0x40
	dynHdrParentNameLen  = 512
	dynHdrLocatorsOff    = 0x240
)

var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// ParseDynamicHeader decodes and validates a 1024-byte dynamic header.
func ParseDynamicHeader(b []byte) (DynamicHeader, error) {
	if len(b) < DynamicHeaderSize {
		return DynamicHeader{}, fmt.Errorf("vhd: dynamic header: %w", sparse.ErrTruncated)
	}
	if !bytes.Equal(b[:8], headerCookie[:]) {
		return DynamicHeader{}, fmt.Errorf("vhd: dynamic header: %w", sparse.ErrFormat)
	}

	want := buf.U32BE(b[dynHdrChecksumOff:])
	got := checksumWithFieldZeroed(b[:DynamicHeaderSize], dynHdrChecksumOff)
	if want != got {
		return DynamicHeader{}, fmt.Errorf("vhd: dynamic header checksum mismatch: %w", sparse.ErrFormat)
	}

	version := buf.U32BE(b[dynHdrVersionOff:])
	if version != formatVersion {
		return DynamicHeader{}, fmt.Errorf("vhd: dynamic header: unsupported version 0x%x: %w", version, sparse.ErrFormat)
	}

	h := DynamicHeader{
		TableOffset:     buf.U64BE(b[dynHdrTableOffsetOff:]),
		MaxTableEntries: buf.U32BE(b[dynHdrMaxEntriesOff:]),
		BlockSize:       buf.U32BE(b[dynHdrBlockSizeOff:]),
		Checksum:        want,
		ParentUniqueID:  buf.GUID(b[dynHdrParentGUIDOff:]),
		ParentTimeStamp: buf.U32BE(b[dynHdrParentTSOff:]),
	}

	nameBytes := b[dynHdrParentNameOff : dynHdrParentNameOff+dynHdrParentNameLen]
	nameBytes = bytes.TrimRight(nameBytes, "\x00")
	if decoded, err := utf16BE.NewDecoder().Bytes(nameBytes); err == nil {
		h.ParentName = string(bytes.TrimRight(decoded, "\x00"))
	}

	for i := 0; i < ParentLocatorCount; i++ {
		off := dynHdrLocatorsOff + i*ParentLocatorEntrySize
		e := b[off : off+ParentLocatorEntrySize]
		h.ParentLocators[i] = ParentLocatorEntry{
			PlatformCode:      PlatformCode(buf.U32BE(e[0x00:])),
			PlatformDataSpace: buf.U32BE(e[0x04:]),
			PlatformDataLen:   buf.U32BE(e[0x08:]),
			PlatformDataOff:   buf.U64BE(e[0x10:]),
		}
	}

	return h, nil
}

// Serialize encodes h into a fresh 1024-byte dynamic header with a correct checksum.
func (h DynamicHeader) Serialize() []byte {
	b := make([]byte, DynamicHeaderSize)
	copy(b[:8], headerCookie[:])
	buf.PutU64BE(b[0x08:], 0xFFFFFFFFFFFFFFFF)
	buf.PutU64BE(b[dynHdrTableOffsetOff:], h.TableOffset)
	buf.PutU32BE(b[dynHdrVersionOff:], formatVersion)
	buf.PutU32BE(b[dynHdrMaxEntriesOff:], h.MaxTableEntries)
	buf.PutU32BE(b[dynHdrBlockSizeOff:], h.BlockSize)
	buf.PutGUID(b[dynHdrParentGUIDOff:], h.ParentUniqueID)
	buf.PutU32BE(b[dynHdrParentTSOff:], h.ParentTimeStamp)

	if h.ParentName != "" {
		encoded, err := utf16BE.NewEncoder().Bytes([]byte(h.ParentName))
		if err == nil && len(encoded) <= dynHdrParentNameLen {
			copy(b[dynHdrParentNameOff:dynHdrParentNameOff+dynHdrParentNameLen], encoded)
		}
	}

	for i, e := range h.ParentLocators {
		off := dynHdrLocatorsOff + i*ParentLocatorEntrySize
		dst := b[off : off+ParentLocatorEntrySize]
		buf.PutU32BE(dst[0x00:], uint32(e.PlatformCode))
		buf.PutU32BE(dst[0x04:], e.PlatformDataSpace)
		buf.PutU32BE(dst[0x08:], e.PlatformDataLen)
		buf.PutU64BE(dst[0x10:], e.PlatformDataOff)
	}

	checksum := checksumWithFieldZeroed(b, dynHdrChecksumOff)
	buf.PutU32BE(b[dynHdrChecksumOff:], checksum)
	return b
}

// BlockBitmapSize returns the bitmap size, in bytes, rounded up to a sector
// boundary, for blockSize.
func BlockBitmapSize(blockSize uint32) uint32 {
	sectorsPerBlock := blockSize / SectorSize
	bitmapBytes := (sectorsPerBlock + 7) / 8
	bitmapSectors := (bitmapBytes + SectorSize - 1) / SectorSize
	return bitmapSectors * SectorSize
}
