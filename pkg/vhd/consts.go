// Package vhd implements the Microsoft Virtual Hard Disk (VHD) footer and
// dynamic/differencing/fixed sparse storage engine: components C and D of
// the spec.
package vhd

// FooterSize is the fixed size, in bytes, of a VHD footer.
const FooterSize = 512

// DynamicHeaderSize is the fixed size, in bytes, of a VHD dynamic header.
const DynamicHeaderSize = 1024

// SectorSize is the VHD sector size in bytes; all BAT offsets and bitmap
// granularity are expressed in units of this.
const SectorSize = 512

// ParentLocatorEntrySize is the size, in bytes, of one parent locator record.
const ParentLocatorEntrySize = 24

// ParentLocatorCount is the number of parent locator entries carried in the
// dynamic header.
const ParentLocatorCount = 8

// UnallocatedEntry is the BAT sentinel marking a block as unallocated.
const UnallocatedEntry = 0xFFFFFFFF

// DefaultBlockSize is the default dynamic-disk block size (2 MiB), used when
// creating new images.
const DefaultBlockSize = 2 * 1024 * 1024

// epochOffset is the number of seconds between the Unix epoch and
// 2000-01-01T00:00:00Z, the VHD timestamp epoch.
const epochOffset = 946684800

// DiskType enumerates the VHD footer's disk-type field.
type DiskType uint32

const (
	DiskTypeNone         DiskType = 0
	DiskTypeFixed        DiskType = 2
	DiskTypeDynamic      DiskType = 3
	DiskTypeDifferencing DiskType = 4
)

func (t DiskType) String() string {
	switch t {
	case DiskTypeNone:
		return "None"
	case DiskTypeFixed:
		return "Fixed"
	case DiskTypeDynamic:
		return "Dynamic"
	case DiskTypeDifferencing:
		return "Differencing"
	default:
		return "Unknown"
	}
}

// PlatformCode enumerates a parent locator entry's platform-code field.
type PlatformCode uint32

const (
	// PlatformCodeNone marks an unused parent locator slot.
	PlatformCodeNone PlatformCode = 0
	// PlatformCodeWindowsRelativeUnicode stores a UTF-16 relative path ("W2ru").
	PlatformCodeWindowsRelativeUnicode PlatformCode = 0x57327275
	// PlatformCodeWindowsAbsoluteUnicode stores a UTF-16 absolute path ("W2ku").
	PlatformCodeWindowsAbsoluteUnicode PlatformCode = 0x57326b75
)

var (
	footerCookie = [8]byte{'c', 'o', 'n', 'e', 'c', 't', 'i', 'x'}
	headerCookie = [8]byte{'c', 'x', 's', 'p', 'a', 'r', 's', 'e'}
)

const formatVersion = 0x00010000
