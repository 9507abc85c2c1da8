package vhdx

import (
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/pkg/sparse"
)

// ReadAt implements sparse.BlockDevice. Reads must be aligned to the
// image's logical sector size, per the spec's §4.G alignment requirement.
func (d *Disk) ReadAt(ctx context.Context, pos uint64, out []byte) (int, error) {
	if pos%uint64(d.logicalSector) != 0 || len(out)%int(d.logicalSector) != 0 {
		return 0, fmt.Errorf("vhdx: unaligned read at %d len %d: %w", pos, len(out), sparse.ErrUnaligned)
	}
	if pos > d.length {
		return 0, fmt.Errorf("vhdx: read at %d past length %d: %w", pos, d.length, sparse.ErrOutOfRange)
	}
	if len(out) == 0 || pos == d.length {
		return 0, nil
	}

	total := 0
	for total < len(out) {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("vhdx: %w", sparse.ErrCancelled)
		}
		cur := pos + uint64(total)
		if cur >= d.length {
			break
		}
		n, err := d.readRun(ctx, cur, out[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// readRun reads as much as possible of out starting at pos without
// crossing a block boundary, returning the bytes actually filled.
func (d *Disk) readRun(ctx context.Context, pos uint64, out []byte) (int, error) {
	blockIdx := d.addressing.BlockIndex(pos)
	blockBase := blockIdx * uint64(d.addressing.BlockSize)
	blockEnd := blockBase + uint64(d.addressing.BlockSize)
	if blockEnd > d.length {
		blockEnd = d.length
	}

	want := len(out)
	if remain := int(blockEnd - pos); want > remain {
		want = remain
	}
	dst := out[:want]

	slot := d.addressing.BATSlot(pos)
	entry := d.batSlot(slot)

	switch entry.State {
	case PayloadBlockFullyPresent:
		off := d.blockDataOffset(pos, int64(entry.Offset))
		if _, err := d.s.ReadAt(dst, off); err != nil {
			return 0, fmt.Errorf("vhdx: read block: %w", err)
		}
		return want, nil

	case PayloadBlockPartiallyPresent:
		return d.readPartial(ctx, pos, entry, dst)

	case PayloadBlockNotPresent, PayloadBlockUndefined:
		if _, err := d.parent.ReadAt(ctx, pos, dst); err != nil {
			return 0, fmt.Errorf("vhdx: read parent: %w", err)
		}
		return want, nil

	default: // Zero, Unmapped
		for i := range dst {
			dst[i] = 0
		}
		return want, nil
	}
}

func (d *Disk) readPartial(ctx context.Context, pos uint64, entry BATEntry, dst []byte) (int, error) {
	bmBuf, present, err := d.readSectorBitmap(pos)
	if err != nil {
		return 0, err
	}
	if !present {
		if _, err := d.parent.ReadAt(ctx, pos, dst); err != nil {
			return 0, fmt.Errorf("vhdx: read parent: %w", err)
		}
		return len(dst), nil
	}
	defer bmBuf.Release()
	bm := bmBuf.Bytes()

	sectorsPerBlock := d.addressing.SectorsPerBlock()
	total := 0
	for total < len(dst) {
		bitIdx := d.sectorBitmapBitIndex(pos + uint64(total))
		_, _, sector := d.addressing.Locate(pos + uint64(total))
		remainInBlock := sectorsPerBlock - uint32(sector)%sectorsPerBlock
		run := runLength(bm, bitIdx, uint32(remainInBlock))
		runBytes := int(run) * int(d.logicalSector)
		if want := len(dst) - total; runBytes > want {
			runBytes = want
		}

		if bitSet(bm, bitIdx) {
			off := d.blockDataOffset(pos+uint64(total), int64(entry.Offset))
			if _, err := d.s.ReadAt(dst[total:total+runBytes], off); err != nil {
				return total, fmt.Errorf("vhdx: read block: %w", err)
			}
		} else {
			if _, err := d.parent.ReadAt(ctx, pos+uint64(total), dst[total:total+runBytes]); err != nil {
				return total, fmt.Errorf("vhdx: read parent: %w", err)
			}
		}
		total += runBytes
	}
	return total, nil
}

// WriteAt implements sparse.BlockDevice. Writes must be aligned to the
// logical sector size and must not extend Length.
func (d *Disk) WriteAt(ctx context.Context, pos uint64, in []byte) (int, error) {
	if pos%uint64(d.logicalSector) != 0 || len(in)%int(d.logicalSector) != 0 {
		return 0, fmt.Errorf("vhdx: unaligned write at %d len %d: %w", pos, len(in), sparse.ErrUnaligned)
	}
	if pos+uint64(len(in)) > d.length {
		return 0, fmt.Errorf("vhdx: write would extend length: %w", sparse.ErrOutOfRange)
	}
	if len(in) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(in) {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("vhdx: %w", sparse.ErrCancelled)
		}
		cur := pos + uint64(total)
		n, err := d.writeRun(ctx, cur, in[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (d *Disk) writeRun(ctx context.Context, pos uint64, in []byte) (int, error) {
	blockIdx := d.addressing.BlockIndex(pos)
	blockBase := blockIdx * uint64(d.addressing.BlockSize)
	blockEnd := blockBase + uint64(d.addressing.BlockSize)

	want := len(in)
	if remain := int(blockEnd - pos); want > remain {
		want = remain
	}
	src := in[:want]

	off, err := d.allocatePayloadBlock(ctx, pos)
	if err != nil {
		return 0, err
	}

	if d.fileParams.HasParent {
		if err := d.writePartial(ctx, pos, off, src); err != nil {
			return 0, err
		}
		return want, nil
	}

	dst := d.blockDataOffset(pos, off)
	if _, err := d.s.WriteAt(src, dst); err != nil {
		return 0, fmt.Errorf("vhdx: write block: %w", err)
	}
	return want, nil
}

func (d *Disk) writePartial(ctx context.Context, pos uint64, blockOff int64, src []byte) error {
	bmBuf, _, err := d.readSectorBitmap(pos)
	if err != nil {
		return err
	}
	defer bmBuf.Release()
	var bm []byte
	if bmBuf != nil {
		bm = bmBuf.Bytes()
	}
	dst := d.blockDataOffset(pos, blockOff)
	if _, err := d.s.WriteAt(src, dst); err != nil {
		return fmt.Errorf("vhdx: write block: %w", err)
	}

	n := len(src) / int(d.logicalSector)
	startBit := d.sectorBitmapBitIndex(pos)
	for i := 0; i < n; i++ {
		setBit(bm, startBit+uint32(i))
	}
	return d.writeSectorBitmap(pos, bm)
}

// Extents implements sparse.BlockDevice: FullyPresent/PartiallyPresent
// regions are reported locally; NotPresent/Undefined regions are unioned
// with the parent's extents at the same logical positions; Zero/Unmapped
// regions are not reported (they read as zero, not "populated").
func (d *Disk) Extents(ctx context.Context, start, length uint64) (sparse.ExtentIter, error) {
	end := start + length
	if end > d.length {
		end = d.length
	}
	var out []sparse.Extent
	appendExtent := func(s, l uint64) {
		if l == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Start+out[n-1].Length == s {
			out[n-1].Length += l
			return
		}
		out = append(out, sparse.Extent{Start: s, Length: l})
	}

	pos := start
	for pos < end {
		blockIdx := d.addressing.BlockIndex(pos)
		blockBase := blockIdx * uint64(d.addressing.BlockSize)
		blockEnd := blockBase + uint64(d.addressing.BlockSize)
		if blockEnd > end {
			blockEnd = end
		}
		slot := d.addressing.BATSlot(pos)
		entry := d.batSlot(slot)

		switch entry.State {
		case PayloadBlockFullyPresent:
			appendExtent(pos, blockEnd-pos)
			pos = blockEnd
		case PayloadBlockPartiallyPresent:
			n, err := d.extentsPartial(ctx, pos, blockEnd, appendExtent)
			if err != nil {
				return nil, err
			}
			pos += n
		case PayloadBlockNotPresent, PayloadBlockUndefined:
			n, err := d.parentExtentsIn(ctx, pos, blockEnd, appendExtent)
			if err != nil {
				return nil, err
			}
			pos += n
		default:
			pos = blockEnd
		}
	}

	return sparse.NewSliceExtentIter(out), nil
}

func (d *Disk) extentsPartial(ctx context.Context, from, to uint64, appendExtent func(s, l uint64)) (uint64, error) {
	bmBuf, present, err := d.readSectorBitmap(from)
	if err != nil {
		return 0, err
	}
	if !present {
		return d.parentExtentsIn(ctx, from, to, appendExtent)
	}
	defer bmBuf.Release()
	bm := bmBuf.Bytes()

	sectorsPerBlock := d.addressing.SectorsPerBlock()
	pos := from
	for pos < to {
		bitIdx := d.sectorBitmapBitIndex(pos)
		_, _, sector := d.addressing.Locate(pos)
		remainInBlock := sectorsPerBlock - uint32(sector)%sectorsPerBlock
		run := runLength(bm, bitIdx, uint32(remainInBlock))
		runEnd := pos + uint64(run)*uint64(d.logicalSector)
		if runEnd > to {
			runEnd = to
		}
		if bitSet(bm, bitIdx) {
			appendExtent(pos, runEnd-pos)
			pos = runEnd
		} else {
			n, err := d.parentExtentsIn(ctx, pos, runEnd, appendExtent)
			if err != nil {
				return 0, err
			}
			pos += n
		}
	}
	return pos - from, nil
}

func (d *Disk) parentExtentsIn(ctx context.Context, from, to uint64, appendExtent func(s, l uint64)) (uint64, error) {
	it, err := d.parent.Extents(ctx, from, to-from)
	if err != nil {
		return 0, fmt.Errorf("vhdx: parent extents: %w", err)
	}
	extents, err := sparse.CollectExtents(it)
	if err != nil {
		return 0, fmt.Errorf("vhdx: parent extents: %w", err)
	}
	for _, e := range extents {
		s, l := e.Start, e.Length
		if s < from {
			l -= from - s
			s = from
		}
		if s+l > to {
			l = to - s
		}
		appendExtent(s, l)
	}
	return to - from, nil
}
