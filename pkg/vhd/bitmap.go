package vhd

// bitSet reports whether sector bit i is set (present) in bitmap b.
// Bits are packed MSB-first within each byte.
func bitSet(b []byte, i uint32) bool {
	byteIdx := i / 8
	mask := byte(1 << (7 - i%8))
	return b[byteIdx]&mask != 0
}

func setBit(b []byte, i uint32) {
	byteIdx := i / 8
	mask := byte(1 << (7 - i%8))
	b[byteIdx] |= mask
}

// runLength returns the number of consecutive sectors starting at sector
// start (up to maxSectors) that share bitSet(b, start)'s value, used to
// batch contiguous reads from the same source (file data area or parent)
// instead of one ReadAt per sector.
func runLength(b []byte, start, maxSectors uint32) uint32 {
	total := uint32(len(b)) * 8
	if start >= total {
		return 0
	}
	if maxSectors > total-start {
		maxSectors = total - start
	}
	if maxSectors == 0 {
		return 0
	}
	want := bitSet(b, start)
	n := uint32(1)
	for start+n < start+maxSectors {
		// Byte-level fast path: a whole 0x00 or 0xFF byte extends the run
		// without per-bit checks, per the spec's extents() guidance.
		if (start+n)%8 == 0 {
			byteIdx := (start + n) / 8
			if byteIdx < uint32(len(b)) {
				if !want && b[byteIdx] == 0x00 {
					n += 8
					continue
				}
				if want && b[byteIdx] == 0xFF {
					n += 8
					continue
				}
			}
		}
		if bitSet(b, start+n) != want {
			break
		}
		n++
	}
	if n > maxSectors {
		n = maxSectors
	}
	return n
}
