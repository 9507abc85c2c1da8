package vhd

import (
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/pkg/sparse"
)

// ReadAt implements sparse.BlockDevice. See the spec's §4.D read algorithm.
func (d *Disk) ReadAt(ctx context.Context, pos uint64, out []byte) (int, error) {
	if pos > d.length {
		return 0, fmt.Errorf("vhd: read at %d past length %d: %w", pos, d.length, sparse.ErrOutOfRange)
	}
	if len(out) == 0 || pos == d.length {
		return 0, nil
	}

	total := 0
	for total < len(out) {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("vhd: %w", sparse.ErrCancelled)
		}

		cur := pos + uint64(total)
		if cur >= d.length {
			break
		}
		block := uint32(cur / uint64(d.blockSize))
		offInBlock := uint32(cur % uint64(d.blockSize))
		want := len(out) - total
		if remain := int(d.blockSize - offInBlock); want > remain {
			want = remain
		}
		if remainingToEnd := int(d.length - cur); want > remainingToEnd {
			want = remainingToEnd
		}

		n, err := d.readBlockRange(ctx, block, offInBlock, out[total:total+want])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (d *Disk) readBlockRange(ctx context.Context, block uint32, offInBlock uint32, dst []byte) (int, error) {
	entry := d.bat[block]
	blockBase := uint64(block) * uint64(d.blockSize)

	if entry == UnallocatedEntry {
		return d.parent.ReadAt(ctx, blockBase+uint64(offInBlock), dst)
	}

	bmBuf, err := d.readBitmap(ctx, block)
	if err != nil {
		return 0, err
	}
	defer bmBuf.Release()
	bm := bmBuf.Bytes()

	total := 0
	for total < len(dst) {
		sector := (offInBlock + uint32(total)) / SectorSize
		sectorOff := (offInBlock + uint32(total)) % SectorSize
		remainSectors := d.sectorsPerBlock - sector
		run := runLength(bm, sector, remainSectors)

		runBytes := int(run*SectorSize) - int(sectorOff)
		if want := len(dst) - total; runBytes > want {
			runBytes = want
		}

		if bitSet(bm, sector) {
			dataOff := d.blockDataOffset(block) + int64(sector*SectorSize+sectorOff)
			if _, err := d.s.ReadAt(dst[total:total+runBytes], dataOff); err != nil {
				return total, fmt.Errorf("vhd: read block %d data: %w", block, err)
			}
		} else {
			parentPos := blockBase + uint64(sector*SectorSize+sectorOff)
			if _, err := d.parent.ReadAt(ctx, parentPos, dst[total:total+runBytes]); err != nil {
				return total, fmt.Errorf("vhd: read parent: %w", err)
			}
		}
		total += runBytes
	}
	return total, nil
}

// WriteAt implements sparse.BlockDevice. Writes must not extend Length. See
// the spec's §4.D write algorithm.
func (d *Disk) WriteAt(ctx context.Context, pos uint64, in []byte) (int, error) {
	if pos+uint64(len(in)) > d.length {
		return 0, fmt.Errorf("vhd: write would extend length (%d+%d > %d): %w", pos, len(in), d.length, sparse.ErrOutOfRange)
	}
	if len(in) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(in) {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("vhd: %w", sparse.ErrCancelled)
		}

		cur := pos + uint64(total)
		block := uint32(cur / uint64(d.blockSize))
		offInBlock := uint32(cur % uint64(d.blockSize))
		want := len(in) - total
		if remain := int(d.blockSize - offInBlock); want > remain {
			want = remain
		}

		if d.bat[block] == UnallocatedEntry {
			if err := d.allocateBlock(ctx, block); err != nil {
				return total, err
			}
		}

		n, err := d.writeBlockRange(ctx, block, offInBlock, in[total:total+want])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (d *Disk) writeBlockRange(ctx context.Context, block uint32, offInBlock uint32, src []byte) (int, error) {
	bmBuf, err := d.readBitmap(ctx, block)
	if err != nil {
		return 0, err
	}
	defer bmBuf.Release()
	bm := bmBuf.Bytes()
	blockBase := uint64(block) * uint64(d.blockSize)
	dirty := false

	total := 0
	for total < len(src) {
		sector := (offInBlock + uint32(total)) / SectorSize
		sectorOff := (offInBlock + uint32(total)) % SectorSize
		sectorBytesLeft := SectorSize - sectorOff
		n := int(sectorBytesLeft)
		if want := len(src) - total; n > want {
			n = want
		}

		dataOff := d.blockDataOffset(block) + int64(sector*SectorSize)

		if sectorOff == 0 && n == SectorSize {
			if _, err := d.s.WriteAt(src[total:total+n], dataOff); err != nil {
				return total, fmt.Errorf("vhd: write block %d data: %w", block, err)
			}
		} else {
			full := make([]byte, SectorSize)
			if bitSet(bm, sector) {
				if _, err := d.s.ReadAt(full, dataOff); err != nil {
					return total, fmt.Errorf("vhd: read-modify-write read block %d: %w", block, err)
				}
			} else {
				parentPos := blockBase + uint64(sector*SectorSize)
				if _, err := d.parent.ReadAt(ctx, parentPos, full); err != nil {
					return total, fmt.Errorf("vhd: read-modify-write read parent: %w", err)
				}
			}
			copy(full[sectorOff:int(sectorOff)+n], src[total:total+n])
			if _, err := d.s.WriteAt(full, dataOff); err != nil {
				return total, fmt.Errorf("vhd: read-modify-write write block %d: %w", block, err)
			}
		}

		if !bitSet(bm, sector) {
			setBit(bm, sector)
			dirty = true
		}
		total += n
	}

	if dirty {
		if err := d.writeBitmap(ctx, block, bm); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Extents implements sparse.BlockDevice: the union of this image's locally
// present sectors and, for any gap, the parent's extents mapped through the
// same logical positions (per the spec's §4.D extents algorithm).
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
		block := uint32(pos / uint64(d.blockSize))
		blockBase := uint64(block) * uint64(d.blockSize)
		blockEnd := blockBase + uint64(d.blockSize)
		if blockEnd > end {
			blockEnd = end
		}
		entry := d.bat[block]

		if entry == UnallocatedEntry {
			n, err := d.parentExtentsIn(ctx, pos, blockEnd, appendExtent)
			if err != nil {
				return nil, err
			}
			pos += n
			continue
		}

		bmBuf, err := d.readBitmap(ctx, block)
		if err != nil {
			return nil, err
		}
		bm := bmBuf.Bytes()
		for pos < blockEnd {
			offInBlock := uint32(pos - blockBase)
			sector := offInBlock / SectorSize
			remainSectors := d.sectorsPerBlock - sector
			run := runLength(bm, sector, remainSectors)
			runEnd := blockBase + uint64(sector+run)*SectorSize
			if runEnd > blockEnd {
				runEnd = blockEnd
			}
			if bitSet(bm, sector) {
				appendExtent(pos, runEnd-pos)
				pos = runEnd
			} else {
				n, err := d.parentExtentsIn(ctx, pos, runEnd, appendExtent)
				if err != nil {
					bmBuf.Release()
					return nil, err
				}
				pos += n
			}
		}
		bmBuf.Release()
	}

	return sparse.NewSliceExtentIter(out), nil
}

// parentExtentsIn queries the parent for extents within [from, to) and
// appends them (mapped 1:1, since a differencing child's logical address
// space is identical to its parent's). Returns the number of bytes advanced
// (always to-from, since the region is fully consumed regardless of what
// the parent reports).
func (d *Disk) parentExtentsIn(ctx context.Context, from, to uint64, appendExtent func(s, l uint64)) (uint64, error) {
	it, err := d.parent.Extents(ctx, from, to-from)
	if err != nil {
		return 0, fmt.Errorf("vhd: parent extents: %w", err)
	}
	extents, err := sparse.CollectExtents(it)
	if err != nil {
		return 0, fmt.Errorf("vhd: parent extents: %w", err)
	}
	for _, e := range extents {
		s := e.Start
		l := e.Length
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
