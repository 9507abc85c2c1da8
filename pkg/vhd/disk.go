package vhd

import (
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/internal/bufpool"
	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/cwarnold/vdisk/pkg/sparse"
)

// Disk is the dynamic/differencing VHD sparse block device: component D.
// It is not safe for concurrent use; callers must provide external
// synchronization if a single Disk is shared across goroutines.
type Disk struct {
	s      hoststream.Stream
	opts   OpenOptions
	footer Footer
	header DynamicHeader

	bat             []uint32 // in-memory cache of the BAT, one entry per block
	batOffset       int64
	blockSize       uint32
	bitmapSize      uint32
	sectorsPerBlock uint32
	length          uint64

	parent sparse.BlockDevice

	nextBlockStart int64 // file offset the next allocated block will start at
	leadingFooter  []byte
}

// Open opens a dynamic or differencing VHD image already backed by s. The
// trailing footer is read first per the spec; if it fails validation, the
// leading footer is tried as a fallback.
func Open(ctx context.Context, s hoststream.Stream, opts OpenOptions) (*Disk, error) {
	size, err := s.Size()
	if err != nil {
		return nil, fmt.Errorf("vhd: %w", err)
	}
	if size < FooterSize {
		return nil, fmt.Errorf("vhd: %w", sparse.ErrTruncated)
	}

	leading := make([]byte, FooterSize)
	if _, err := s.ReadAt(leading, 0); err != nil {
		return nil, fmt.Errorf("vhd: read leading footer: %w", err)
	}

	trailing := make([]byte, FooterSize)
	if _, err := s.ReadAt(trailing, size-FooterSize); err != nil {
		return nil, fmt.Errorf("vhd: read trailing footer: %w", err)
	}

	footer, err := ParseFooter(trailing)
	if err != nil {
		sparse.L.Warn("vhd: trailing footer invalid, falling back to leading footer", "err", err)
		footer, err = ParseFooter(leading)
		if err != nil {
			return nil, fmt.Errorf("vhd: both footers invalid: %w", err)
		}
	}

	if footer.DiskType == DiskTypeFixed {
		return nil, fmt.Errorf("vhd: disk type Fixed must be opened with OpenFixed: %w", sparse.ErrFormat)
	}
	if footer.DiskType != DiskTypeDynamic && footer.DiskType != DiskTypeDifferencing {
		return nil, fmt.Errorf("vhd: unsupported disk type %s: %w", footer.DiskType, sparse.ErrFormat)
	}

	hdrBuf := make([]byte, DynamicHeaderSize)
	if _, err := s.ReadAt(hdrBuf, int64(footer.DataOffset)); err != nil {
		return nil, fmt.Errorf("vhd: read dynamic header: %w", err)
	}
	header, err := ParseDynamicHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	var parent sparse.BlockDevice
	if footer.DiskType == DiskTypeDifferencing {
		if opts.Parent == nil {
			return nil, fmt.Errorf("vhd: differencing disk requires OpenOptions.Parent: %w", sparse.ErrFormat)
		}
		parent = opts.Parent
	} else {
		parent = zeroParent{length: footer.CurrentSize}
	}

	bitmapSize := BlockBitmapSize(header.BlockSize)
	sectorsPerBlock := header.BlockSize / SectorSize

	batBytes := make([]byte, 4*header.MaxTableEntries)
	if _, err := s.ReadAt(batBytes, int64(header.TableOffset)); err != nil {
		return nil, fmt.Errorf("vhd: read BAT: %w", err)
	}
	bat := make([]uint32, header.MaxTableEntries)
	for i := range bat {
		bat[i] = buf.U32BE(batBytes[4*i:])
	}

	d := &Disk{
		s:               s,
		opts:            opts,
		footer:          footer,
		header:          header,
		bat:             bat,
		batOffset:       int64(header.TableOffset),
		blockSize:       header.BlockSize,
		bitmapSize:      bitmapSize,
		sectorsPerBlock: sectorsPerBlock,
		length:          footer.CurrentSize,
		parent:          parent,
		nextBlockStart:  size - FooterSize,
		leadingFooter:   leading,
	}
	return d, nil
}

// Length returns the disk's logical size in bytes.
func (d *Disk) Length() uint64 { return d.length }

func (d *Disk) blockCount() uint32 {
	return uint32((d.length + uint64(d.blockSize) - 1) / uint64(d.blockSize))
}

// readBitmap checks out a pooled scratch buffer sized to the block's
// bitmap and reads it from disk. Callers must Release it once done.
func (d *Disk) readBitmap(ctx context.Context, block uint32) (*bufpool.Buffer, error) {
	entry := d.bat[block]
	if entry == UnallocatedEntry {
		return nil, fmt.Errorf("vhd: block %d is unallocated", block)
	}
	off := int64(entry) * SectorSize
	scratch := bufpool.Get(int(d.bitmapSize))
	if _, err := d.s.ReadAt(scratch.Bytes(), off); err != nil {
		scratch.Release()
		return nil, fmt.Errorf("vhd: read block %d bitmap: %w", block, err)
	}
	return scratch, nil
}

func (d *Disk) writeBitmap(ctx context.Context, block uint32, bm []byte) error {
	entry := d.bat[block]
	off := int64(entry) * SectorSize
	if _, err := d.s.WriteAt(bm, off); err != nil {
		return fmt.Errorf("vhd: write block %d bitmap: %w", block, err)
	}
	return nil
}

func (d *Disk) blockDataOffset(block uint32) int64 {
	entry := d.bat[block]
	return int64(entry)*SectorSize + int64(d.bitmapSize)
}

// allocateBlock appends a fresh bitmap+data region for block at the current
// end of file, zeroes the bitmap, records the BAT entry in memory and on
// disk, and (if AutoCommitFooter) rewrites the trailing footer so it stays
// byte-identical to the leading footer.
func (d *Disk) allocateBlock(ctx context.Context, block uint32) error {
	newStart := d.nextBlockStart

	zeroBitmap := bufpool.Get(int(d.bitmapSize))
	defer zeroBitmap.Release()
	clear(zeroBitmap.Bytes())
	if _, err := d.s.WriteAt(zeroBitmap.Bytes(), newStart); err != nil {
		return fmt.Errorf("vhd: allocate block %d: write bitmap: %w", block, err)
	}

	entry := uint32(newStart / SectorSize)
	d.bat[block] = entry

	entryBuf := make([]byte, 4)
	buf.PutU32BE(entryBuf, entry)
	if _, err := d.s.WriteAt(entryBuf, d.batOffset+int64(block)*4); err != nil {
		return fmt.Errorf("vhd: allocate block %d: write BAT entry: %w", block, err)
	}

	d.nextBlockStart = newStart + int64(d.bitmapSize) + int64(d.blockSize)

	if d.opts.AutoCommitFooter {
		if err := d.updateFooter(ctx); err != nil {
			return err
		}
	}

	sparse.L.Debug("vhd: allocated block", "block", block, "offset", newStart)
	return nil
}

// updateFooter rewrites the trailing footer by copying the cached leading
// footer bytes to the new end of file, per the spec's §4.D update_footer.
func (d *Disk) updateFooter(ctx context.Context) error {
	if _, err := d.s.WriteAt(d.leadingFooter, d.nextBlockStart); err != nil {
		return fmt.Errorf("vhd: update trailing footer: %w", err)
	}
	return nil
}

// Flush ensures the trailing footer is up to date and syncs the backing
// stream.
func (d *Disk) Flush(ctx context.Context) error {
	if err := d.updateFooter(ctx); err != nil {
		return err
	}
	return d.s.Sync()
}

// Close releases the backing stream's resources (and the parent's, if any,
// since a differencing disk owns its parent handle for its lifetime).
func (d *Disk) Close() error {
	if d.parent != nil {
		_ = d.parent.Close()
	}
	return d.s.Close()
}
