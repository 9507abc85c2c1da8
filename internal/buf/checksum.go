package buf

import "hash/crc32"

// castagnoliTable is the CRC-32C (Castagnoli) polynomial table used by VHDX
// for header, region-table, and log-entry checksums. The stdlib exposes the
// Castagnoli polynomial directly, so no third-party CRC package is needed.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC-32C (Castagnoli) checksum of b.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}

// OnesComplementChecksum implements the VHD footer/header checksum
// algorithm: sum every byte of b as an unsigned 32-bit value, then take the
// bitwise complement. Callers must zero the checksum field in b before
// calling this.
func OnesComplementChecksum(b []byte) uint32 {
	var sum uint32
	for _, x := range b {
		sum += uint32(x)
	}
	return ^sum
}
