package vhd

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
)

// Footer captures the 512-byte VHD footer, duplicated at the start of a
// fixed-disk file and at both the start and end of a dynamic/differencing
// disk file.
//
//	Offset  Size  Field
//	0x00    8     Cookie "conectix"
//	0x08    4     Features
//	0x0C    4     FileFormatVersion (0x00010000)
//	0x10    8     DataOffset (pointer to dynamic header, or -1 for fixed)
//	0x18    4     TimeStamp (seconds since 2000-01-01 UTC)
//	0x1C    4     CreatorApplication
//	0x20    4     CreatorVersion
//	0x24    4     CreatorHostOS
//	0x28    8     OriginalSize
//	0x30    8     CurrentSize
//	0x38    2     Cylinders
//	0x3A    1     Heads
//	0x3B    1     SectorsPerTrack
//	0x3C    4     DiskType
//	0x40    4     Checksum
//	0x44    16    UniqueID
//	0x54    1     SavedState
//	0x55    427   Reserved
type Footer struct {
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	TimeStamp          time.Time
	CreatorApplication uint32
	CreatorVersion     uint32
	CreatorHostOS      uint32
	OriginalSize       uint64
	CurrentSize        uint64
	Cylinders          uint16
	Heads              uint8
	SectorsPerTrack    uint8
	DiskType           DiskType
	Checksum           uint32
	UniqueID           uuid.UUID
	SavedState         bool
}

const (
	footerDataOffsetOff   = 0x10
	footerTimeStampOff    = 0x18
	footerCreatorAppOff   = 0x1C
	footerCreatorVerOff   = 0x20
	footerCreatorHostOff  = 0x24
	footerOriginalSizeOff = 0x28
	footerCurrentSizeOff  = 0x30
	footerGeometryOff     = 0x38
	footerDiskTypeOff     = 0x3C
	footerChecksumOff     = 0x40
	footerUniqueIDOff     = 0x44
	footerSavedStateOff   = 0x54
)

// ParseFooter decodes and validates a 512-byte VHD footer.
func ParseFooter(b []byte) (Footer, error) {
	if len(b) < FooterSize {
		return Footer{}, fmt.Errorf("vhd: footer: %w", sparse.ErrTruncated)
	}
	if !bytes.Equal(b[:8], footerCookie[:]) {
		return Footer{}, fmt.Errorf("vhd: footer: %w", sparse.ErrFormat)
	}

	want := buf.U32BE(b[footerChecksumOff:])
	got := checksumWithFieldZeroed(b[:FooterSize], footerChecksumOff)
	if want != got {
		return Footer{}, fmt.Errorf("vhd: footer checksum mismatch (have 0x%x want 0x%x): %w", got, want, sparse.ErrFormat)
	}

	version := buf.U32BE(b[0x0C:])
	if version != formatVersion {
		return Footer{}, fmt.Errorf("vhd: footer: unsupported version 0x%x: %w", version, sparse.ErrFormat)
	}

	var geom [4]byte
	copy(geom[:], b[footerGeometryOff:footerGeometryOff+4])

	f := Footer{
		Features:           buf.U32BE(b[0x08:]),
		FileFormatVersion:  version,
		DataOffset:         buf.U64BE(b[footerDataOffsetOff:]),
		TimeStamp:          vhdTimeToGo(buf.U32BE(b[footerTimeStampOff:])),
		CreatorApplication: buf.U32BE(b[footerCreatorAppOff:]),
		CreatorVersion:     buf.U32BE(b[footerCreatorVerOff:]),
		CreatorHostOS:      buf.U32BE(b[footerCreatorHostOff:]),
		OriginalSize:       buf.U64BE(b[footerOriginalSizeOff:]),
		CurrentSize:        buf.U64BE(b[footerCurrentSizeOff:]),
		Cylinders:          buf.U16BE(geom[0:2]),
		Heads:              geom[2],
		SectorsPerTrack:    geom[3],
		DiskType:           DiskType(buf.U32BE(b[footerDiskTypeOff:])),
		Checksum:           want,
		UniqueID:           buf.GUID(b[footerUniqueIDOff:]),
		SavedState:         b[footerSavedStateOff] != 0,
	}
	return f, nil
}

// Serialize encodes f into a fresh 512-byte footer with a correct checksum.
func (f Footer) Serialize() []byte {
	b := make([]byte, FooterSize)
	copy(b[:8], footerCookie[:])
	buf.PutU32BE(b[0x08:], f.Features)
	buf.PutU32BE(b[0x0C:], formatVersion)
	buf.PutU64BE(b[footerDataOffsetOff:], f.DataOffset)
	buf.PutU32BE(b[footerTimeStampOff:], goTimeToVHD(f.TimeStamp))
	buf.PutU32BE(b[footerCreatorAppOff:], f.CreatorApplication)
	buf.PutU32BE(b[footerCreatorVerOff:], f.CreatorVersion)
	buf.PutU32BE(b[footerCreatorHostOff:], f.CreatorHostOS)
	buf.PutU64BE(b[footerOriginalSizeOff:], f.OriginalSize)
	buf.PutU64BE(b[footerCurrentSizeOff:], f.CurrentSize)
	buf.PutU16BE(b[footerGeometryOff:], f.Cylinders)
	b[footerGeometryOff+2] = f.Heads
	b[footerGeometryOff+3] = f.SectorsPerTrack
	buf.PutU32BE(b[footerDiskTypeOff:], uint32(f.DiskType))
	buf.PutGUID(b[footerUniqueIDOff:], f.UniqueID)
	if f.SavedState {
		b[footerSavedStateOff] = 1
	}

	checksum := checksumWithFieldZeroed(b, footerChecksumOff)
	buf.PutU32BE(b[footerChecksumOff:], checksum)
	return b
}

// checksumWithFieldZeroed computes the VHD one's-complement-additive
// checksum of b with the 4-byte checksum field at fieldOff treated as zero,
// without mutating the caller's slice.
func checksumWithFieldZeroed(b []byte, fieldOff int) uint32 {
	scratch := make([]byte, len(b))
	copy(scratch, b)
	buf.PutU32BE(scratch[fieldOff:], 0)
	return buf.OnesComplementChecksum(scratch)
}

func vhdTimeToGo(ts uint32) time.Time {
	return time.Unix(int64(ts)+epochOffset, 0).UTC()
}

func goTimeToVHD(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix() - epochOffset)
}

// GeometryForSize computes a CHS geometry for a disk of the given byte size
// using the algorithm VHD tooling conventionally applies (translate total
// sectors through a fixed sectors-per-track/heads table).
func GeometryForSize(size uint64) (cylinders uint16, heads uint8, sectorsPerTrack uint8) {
	totalSectors := size / SectorSize
	const maxSectors = 65535 * 16 * 255
	if totalSectors > maxSectors {
		totalSectors = maxSectors
	}

	var cylinderTimesHeads uint64
	var spt, hd uint64
	if totalSectors >= 65535*16*63 {
		spt = 255
		hd = 16
		cylinderTimesHeads = totalSectors / spt
	} else {
		spt = 17
		cylinderTimesHeads = totalSectors / spt
		hd = (cylinderTimesHeads + 1023) / 1024
		if hd < 4 {
			hd = 4
		}
		if cylinderTimesHeads >= hd*1024 || hd > 16 {
			spt = 31
			hd = 16
			cylinderTimesHeads = totalSectors / spt
		}
		if cylinderTimesHeads >= hd*1024 {
			spt = 63
			hd = 16
			cylinderTimesHeads = totalSectors / spt
		}
	}
	cyl := cylinderTimesHeads / hd
	return uint16(cyl), uint8(hd), uint8(spt)
}
