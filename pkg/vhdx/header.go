package vhdx

import (
	"bytes"
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
)

// Header is one of the two 4 KiB alternating VHDX headers at Header1Offset
// and Header2Offset. The active header on open is whichever validates and
// carries the higher SequenceNumber.
//
//	Offset  Size  Field
//	0x00    4     Signature "head"
//	0x04    4     Checksum (Castagnoli CRC32, field zeroed)
//	0x08    8     SequenceNumber
//	0x10    16    FileWriteGuid
//	0x20    16    DataWriteGuid
//	0x30    16    LogGuid (zero GUID: no log entries need replay)
//	0x40    2     LogVersion
//	0x42    2     Version
//	0x44    4     LogLength
//	0x48    8     LogOffset
type Header struct {
	SequenceNumber uint64
	FileWriteGuid  uuid.UUID
	DataWriteGuid  uuid.UUID
	LogGuid        uuid.UUID
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
}

const (
	hdrChecksumOff  = 0x04
	hdrSeqOff       = 0x08
	hdrFileWriteOff = 0x10
	hdrDataWriteOff = 0x20
	hdrLogGuidOff   = 0x30
	hdrLogVerOff    = 0x40
	hdrVersionOff   = 0x42
	hdrLogLenOff    = 0x44
	hdrLogOffOff    = 0x48
)

// ParseHeader decodes and validates one 4 KiB header sector.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("vhdx: header: %w", sparse.ErrTruncated)
	}
	if !bytes.Equal(b[:4], []byte(headerSignature)) {
		return Header{}, fmt.Errorf("vhdx: header: %w", sparse.ErrFormat)
	}

	want := buf.U32LE(b[hdrChecksumOff:])
	got := crc32WithFieldZeroed(b[:headerSize], hdrChecksumOff)
	if want != got {
		return Header{}, fmt.Errorf("vhdx: header checksum mismatch (have 0x%x want 0x%x): %w", got, want, sparse.ErrFormat)
	}

	h := Header{
		SequenceNumber: buf.U64LE(b[hdrSeqOff:]),
		FileWriteGuid:  buf.GUID(b[hdrFileWriteOff:]),
		DataWriteGuid:  buf.GUID(b[hdrDataWriteOff:]),
		LogGuid:        buf.GUID(b[hdrLogGuidOff:]),
		LogVersion:     buf.U16LE(b[hdrLogVerOff:]),
		Version:        buf.U16LE(b[hdrVersionOff:]),
		LogLength:      buf.U32LE(b[hdrLogLenOff:]),
		LogOffset:      buf.U64LE(b[hdrLogOffOff:]),
	}
	return h, nil
}

// Serialize encodes h into a fresh 4 KiB header sector with a correct checksum.
func (h Header) Serialize() []byte {
	b := make([]byte, headerSize)
	copy(b[:4], []byte(headerSignature))
	buf.PutU64LE(b[hdrSeqOff:], h.SequenceNumber)
	buf.PutGUID(b[hdrFileWriteOff:], h.FileWriteGuid)
	buf.PutGUID(b[hdrDataWriteOff:], h.DataWriteGuid)
	buf.PutGUID(b[hdrLogGuidOff:], h.LogGuid)
	buf.PutU16LE(b[hdrLogVerOff:], h.LogVersion)
	buf.PutU16LE(b[hdrVersionOff:], h.Version)
	buf.PutU32LE(b[hdrLogLenOff:], h.LogLength)
	buf.PutU64LE(b[hdrLogOffOff:], h.LogOffset)

	checksum := crc32WithFieldZeroed(b, hdrChecksumOff)
	buf.PutU32LE(b[hdrChecksumOff:], checksum)
	return b
}

// crc32WithFieldZeroed computes the Castagnoli CRC32 of b with the 4-byte
// checksum field at fieldOff treated as zero, without mutating b.
func crc32WithFieldZeroed(b []byte, fieldOff int) uint32 {
	scratch := make([]byte, len(b))
	copy(scratch, b)
	buf.PutU32LE(scratch[fieldOff:], 0)
	return buf.CRC32C(scratch)
}

// ActiveHeader returns whichever of ha, hb is valid and carries the higher
// SequenceNumber, per the spec's "higher sequence and valid checksum" tie
// break. Exactly one of haErr/hbErr being non-nil falls back to the other;
// both non-nil surfaces a Format error.
func ActiveHeader(ha Header, haErr error, hb Header, hbErr error) (Header, error) {
	if haErr != nil && hbErr != nil {
		return Header{}, fmt.Errorf("vhdx: both headers invalid: %w", sparse.ErrFormat)
	}
	if haErr != nil {
		return hb, nil
	}
	if hbErr != nil {
		return ha, nil
	}
	if ha.SequenceNumber >= hb.SequenceNumber {
		return ha, nil
	}
	return hb, nil
}
