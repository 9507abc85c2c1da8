package vhd

import (
	"context"
	"fmt"
	"time"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/google/uuid"
)

// CreateDynamic initializes a fresh, fully-sparse dynamic (or, when parent
// is non-nil, differencing) VHD image of the given size on s, then opens it.
// blockSize must be a power of two; DefaultBlockSize is used when 0.
func CreateDynamic(ctx context.Context, s hoststream.Stream, size uint64, blockSize uint32, opts OpenOptions) (*Disk, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	diskType := DiskTypeDynamic
	if opts.Parent != nil {
		diskType = DiskTypeDifferencing
	}

	cyl, heads, spt := GeometryForSize(size)
	footer := Footer{
		DataOffset:         FooterSize,
		TimeStamp:          time.Now().UTC(),
		CreatorApplication: 0x76646973, // "vdis"
		CreatorVersion:     formatVersion,
		CreatorHostOS:      0x5769326B, // "Wi2k", matches conventional tooling
		OriginalSize:       size,
		CurrentSize:        size,
		Cylinders:          cyl,
		Heads:              heads,
		SectorsPerTrack:    spt,
		DiskType:           diskType,
		UniqueID:           uuid.New(),
	}

	maxEntries := uint32((size + uint64(blockSize) - 1) / uint64(blockSize))
	batSize := ((4*maxEntries + SectorSize - 1) / SectorSize) * SectorSize
	tableOffset := uint64(FooterSize + DynamicHeaderSize)

	header := DynamicHeader{
		TableOffset:     tableOffset,
		MaxTableEntries: maxEntries,
		BlockSize:       blockSize,
	}
	var locatorData []byte
	if opts.Parent != nil {
		if pd, ok := opts.Parent.(*Disk); ok {
			header.ParentUniqueID = pd.footer.UniqueID
			header.ParentTimeStamp = goTimeToVHD(pd.footer.TimeStamp)
		} else {
			header.ParentUniqueID = uuid.New()
		}
		if opts.ParentPath != "" {
			header.ParentName = opts.ParentPath
			encoded, err := utf16BE.NewEncoder().Bytes([]byte(opts.ParentPath))
			if err == nil {
				locatorData = encoded
				header.ParentLocators[0] = ParentLocatorEntry{
					PlatformCode:      PlatformCodeWindowsAbsoluteUnicode,
					PlatformDataSpace: (uint32(len(encoded)) + SectorSize - 1) / SectorSize,
					PlatformDataLen:   uint32(len(encoded)),
				}
			}
		}
	}

	leading := footer.Serialize()
	if _, err := s.WriteAt(leading, 0); err != nil {
		return nil, fmt.Errorf("vhd: create: write footer: %w", err)
	}

	bat := make([]byte, batSize)
	for i := uint32(0); i < maxEntries; i++ {
		buf.PutU32BE(bat[4*i:], UnallocatedEntry)
	}
	if _, err := s.WriteAt(bat, int64(tableOffset)); err != nil {
		return nil, fmt.Errorf("vhd: create: write BAT: %w", err)
	}

	trailingOff := int64(tableOffset) + int64(batSize)
	if len(locatorData) > 0 {
		locatorOff := trailingOff
		header.ParentLocators[0].PlatformDataOff = uint64(locatorOff)
		padded := make([]byte, int64(header.ParentLocators[0].PlatformDataSpace)*SectorSize)
		copy(padded, locatorData)
		if _, err := s.WriteAt(padded, locatorOff); err != nil {
			return nil, fmt.Errorf("vhd: create: write parent locator: %w", err)
		}
		trailingOff += int64(len(padded))
	}

	// Dynamic header is written after locator placement is known, since its
	// checksum covers the locator offsets.
	if _, err := s.WriteAt(header.Serialize(), FooterSize); err != nil {
		return nil, fmt.Errorf("vhd: create: write dynamic header: %w", err)
	}

	if _, err := s.WriteAt(leading, trailingOff); err != nil {
		return nil, fmt.Errorf("vhd: create: write trailing footer: %w", err)
	}
	if err := s.Truncate(trailingOff + FooterSize); err != nil {
		return nil, fmt.Errorf("vhd: create: truncate: %w", err)
	}

	return Open(ctx, s, opts)
}
