package vhdx

import (
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
)

// CreateOptions configures a freshly initialized VHDX image.
type CreateOptions struct {
	BlockSize          uint32 // power of two, 1 MiB-256 MiB
	LogicalSectorSize  uint32 // 512 or 4096
	PhysicalSectorSize uint32
	HasParent          bool
	ParentLocator      *ParentLocator     // required when HasParent
	Parent             sparse.BlockDevice // required when HasParent
}

// CreateImage initializes a fresh, fully-sparse VHDX image of the given
// logical size on s: file identifier, one valid header (no log configured,
// since a brand-new image has nothing to replay), duplicated region
// tables, a metadata region with FileParameters/VirtualDiskSize/
// LogicalSectorSize/PhysicalSectorSize (and ParentLocator if differencing),
// and an all-NotPresent BAT. Returns the opened Disk.
func CreateImage(ctx context.Context, s hoststream.Stream, size uint64, opts CreateOptions) (*Disk, error) {
	if opts.LogicalSectorSize == 0 {
		opts.LogicalSectorSize = 512
	}
	if opts.PhysicalSectorSize == 0 {
		opts.PhysicalSectorSize = opts.LogicalSectorSize
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = 1024 * 1024
	}

	if _, err := s.WriteAt(NewFileIdentifier(), FileHeaderOffset); err != nil {
		return nil, fmt.Errorf("vhdx: create: write file identifier: %w", err)
	}

	h := Header{SequenceNumber: 1, FileWriteGuid: uuid.New(), DataWriteGuid: uuid.New()}
	if _, err := s.WriteAt(h.Serialize(), Header1Offset); err != nil {
		return nil, fmt.Errorf("vhdx: create: write header: %w", err)
	}

	addressing := NewAddressing(opts.BlockSize, opts.LogicalSectorSize)
	batCount := addressing.BATEntryCount(size)
	batBytes := make([]byte, batCount*8) // zero value decodes as NotPresent/0

	metaBlob, err := buildMetadataBlob(size, opts)
	if err != nil {
		return nil, err
	}

	batOff := uint64(FirstMetadataOffset)
	metaOff := batOff + uint64(len(batBytes))
	metaOff = ((metaOff + 1024*1024 - 1) / (1024 * 1024)) * (1024 * 1024)

	rt := RegionTable{Entries: []RegionEntry{
		{GUID: RegionGUIDBAT, FileOff: batOff, Length: uint32(len(batBytes)), Required: true},
		{GUID: RegionGUIDMetadata, FileOff: metaOff, Length: uint32(len(metaBlob)), Required: true},
	}}
	rtBytes := rt.Serialize()
	if _, err := s.WriteAt(rtBytes, RegionTable1Offset); err != nil {
		return nil, fmt.Errorf("vhdx: create: write region table 1: %w", err)
	}
	if _, err := s.WriteAt(rtBytes, RegionTable2Offset); err != nil {
		return nil, fmt.Errorf("vhdx: create: write region table 2: %w", err)
	}

	if _, err := s.WriteAt(batBytes, int64(batOff)); err != nil {
		return nil, fmt.Errorf("vhdx: create: write BAT: %w", err)
	}
	if _, err := s.WriteAt(metaBlob, int64(metaOff)); err != nil {
		return nil, fmt.Errorf("vhdx: create: write metadata region: %w", err)
	}

	fileEnd := metaOff + uint64(len(metaBlob))
	if err := s.Truncate(int64(fileEnd)); err != nil {
		return nil, fmt.Errorf("vhdx: create: truncate: %w", err)
	}

	return open(ctx, s, OpenOptions{Parent: opts.Parent}, false)
}

func buildMetadataBlob(size uint64, opts CreateOptions) ([]byte, error) {
	items := []struct {
		guid    uuid.UUID
		payload []byte
		isUser  bool
	}{
		{MetaGUIDFileParameters, FileParameters{BlockSize: opts.BlockSize, HasParent: opts.HasParent}.Serialize(), false},
		{MetaGUIDVirtualDiskSize, SerializeVirtualDiskSize(size), true},
		{MetaGUIDLogicalSectorSize, SerializeLogicalSectorSize(opts.LogicalSectorSize), true},
		{MetaGUIDPhysicalSectorSize, SerializePhysicalSectorSize(opts.PhysicalSectorSize), true},
	}

	mt := MetadataTable{}
	cursor := uint32(metadataTableSize)
	var payloads [][]byte
	for _, it := range items {
		mt.Entries = append(mt.Entries, MetadataEntry{
			GUID:     it.guid,
			Offset:   cursor,
			Length:   uint32(len(it.payload)),
			IsUser:   it.isUser,
			IsVirDsk: true,
		})
		payloads = append(payloads, it.payload)
		cursor += uint32(len(it.payload))
	}

	if opts.HasParent {
		if opts.ParentLocator == nil {
			return nil, fmt.Errorf("vhdx: create: HasParent set without ParentLocator")
		}
		enc, err := opts.ParentLocator.Serialize()
		if err != nil {
			return nil, fmt.Errorf("vhdx: create: serialize parent locator: %w", err)
		}
		mt.Entries = append(mt.Entries, MetadataEntry{
			GUID:   MetaGUIDParentLocator,
			Offset: cursor,
			Length: uint32(len(enc)),
			IsUser: false,
		})
		payloads = append(payloads, enc)
		cursor += uint32(len(enc))
	}

	blob := make([]byte, cursor)
	copy(blob, mt.Serialize())
	for i, e := range mt.Entries {
		copy(blob[e.Offset:e.Offset+e.Length], payloads[i])
	}
	return blob, nil
}
