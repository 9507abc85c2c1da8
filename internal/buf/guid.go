// Package buf contains helpers for endian-safe decoding routines shared by
// the VHD, VHDX, and iSCSI codecs: integer byte order, bounds-checked
// slicing, checksums, and GUID marshalling.
package buf

import "github.com/google/uuid"

// GUID decodes a 16-byte Microsoft-style GUID from b. Microsoft stores the
// first three fields (Data1 u32, Data2 u16, Data3 u16) little-endian and the
// last two fields (an 8-byte byte-array, Data4) as-is, which differs from
// RFC 4122's all-big-endian wire format used by uuid.UUID. This converts
// between the two so callers can use uuid.UUID's String()/Parse() uniformly.
func GUID(b []byte) uuid.UUID {
	var u uuid.UUID
	if len(b) < 16 {
		return u
	}
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:16], b[8:16])
	return u
}

// PutGUID encodes u into b[:16] using Microsoft's mixed-endian GUID layout.
func PutGUID(b []byte, u uuid.UUID) {
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:16], u[8:16])
}
