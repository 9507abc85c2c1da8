package vhdx

// bitSet reports whether sector bit i is set (present) in sector-bitmap
// block b. Bits are packed MSB-first within each byte, same convention as
// the VHD dynamic disk bitmap.
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

// runLength returns the number of consecutive sector bits starting at
// sector start (up to maxSectors) that share bitSet(b, start)'s value.
func runLength(b []byte, start, maxSectors uint32) uint32 {
	if maxSectors == 0 {
		return 0
	}
	want := bitSet(b, start)
	n := uint32(1)
	for start+n < start+maxSectors {
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
