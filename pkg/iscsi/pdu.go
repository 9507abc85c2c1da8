package iscsi

import (
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/pkg/sparse"
)

// PDU is the structured-opcode union the codec returns: exactly one
// concrete type per opcode, all implementing Opcode()/encodeBody().
//
// encodeBody returns a full 48-byte BHS with every opcode-specific field
// filled in; Encode overwrites byte 0 (opcode/Immediate), byte 4 (AHS
// length, always 0) and bytes 5-7 (DataSegmentLength) itself, so
// implementations can leave those untouched.
type PDU interface {
	Opcode() Opcode
	encodeBody() (bhs [48]byte, data []byte)
}

// DigestOptions controls which optional CRC32c digests the codec attaches.
type DigestOptions struct {
	HeaderDigest bool
	DataDigest   bool
}

// Encode serializes pdu into a full wire PDU: 48-byte BHS, optional header
// digest, data segment padded to a 4-byte boundary, optional data digest.
// AHS is never emitted (TotalAHSLength is always 0) — this initiator never
// needs the extended CDB/bidirectional-read-data AHS segments RFC 3720
// defines, so that corner of the format is left unimplemented.
func Encode(pdu PDU, opts DigestOptions) []byte {
	hdr, data := pdu.encodeBody()

	bhs := make([]byte, bhsSize)
	copy(bhs, hdr[:])
	bhs[0] = byte(pdu.Opcode())
	if imm, ok := pdu.(immediatePDU); ok && imm.immediate() {
		bhs[0] |= 0x40
	}
	bhs[4] = 0 // TotalAHSLength: no AHS segments are ever emitted
	bhs[5] = byte(len(data) >> 16)
	bhs[6] = byte(len(data) >> 8)
	bhs[7] = byte(len(data))

	out := make([]byte, 0, bhsSize+4+len(data)+4+4)
	out = append(out, bhs...)

	if opts.HeaderDigest {
		var d [4]byte
		buf.PutU32BE(d[:], buf.CRC32C(bhs))
		out = append(out, d[:]...)
	}

	padded := padTo4(data)
	out = append(out, padded...)

	if opts.DataDigest {
		var d [4]byte
		buf.PutU32BE(d[:], buf.CRC32C(padded))
		out = append(out, d[:]...)
	}
	return out
}

func padTo4(b []byte) []byte {
	rem := len(b) % 4
	if rem == 0 {
		return b
	}
	out := make([]byte, len(b)+4-rem)
	copy(out, b)
	return out
}

// immediatePDU is implemented by request PDUs that carry the Immediate bit.
type immediatePDU interface {
	immediate() bool
}

// Decode parses one full wire PDU from b (BHS plus whatever digests/data
// segment opts declares are present) and returns the structured PDU plus
// the number of bytes consumed.
func Decode(b []byte, opts DigestOptions) (PDU, int, error) {
	if len(b) < bhsSize {
		return nil, 0, fmt.Errorf("iscsi: pdu: %w", sparse.ErrTruncated)
	}
	bhs := b[:bhsSize]
	pos := bhsSize

	if opts.HeaderDigest {
		if len(b) < pos+4 {
			return nil, 0, fmt.Errorf("iscsi: pdu: header digest: %w", sparse.ErrTruncated)
		}
		want := buf.U32BE(b[pos : pos+4])
		if got := buf.CRC32C(bhs); got != want {
			return nil, 0, fmt.Errorf("iscsi: pdu: header digest mismatch: %w", sparse.ErrFormat)
		}
		pos += 4
	}

	dataLen := int(bhs[5])<<16 | int(bhs[6])<<8 | int(bhs[7])
	dataEnd := pos + padLen(dataLen)
	if len(b) < dataEnd {
		return nil, 0, fmt.Errorf("iscsi: pdu: data segment: %w", sparse.ErrTruncated)
	}
	padded := b[pos:dataEnd]
	var data []byte
	if dataLen > 0 {
		data = padded[:dataLen]
	}
	pos = dataEnd

	if opts.DataDigest {
		if len(b) < pos+4 {
			return nil, 0, fmt.Errorf("iscsi: pdu: data digest: %w", sparse.ErrTruncated)
		}
		want := buf.U32BE(b[pos : pos+4])
		if got := buf.CRC32C(padded); got != want {
			return nil, 0, fmt.Errorf("iscsi: pdu: data digest mismatch: %w", sparse.ErrFormat)
		}
		pos += 4
	}

	opcode := Opcode(bhs[0] & 0x3f)
	pdu, err := decodeBody(opcode, bhs, data)
	if err != nil {
		return nil, 0, err
	}
	return pdu, pos, nil
}

func padLen(n int) int {
	rem := n % 4
	if rem == 0 {
		return n
	}
	return n + 4 - rem
}

func decodeBody(op Opcode, bhs []byte, data []byte) (PDU, error) {
	switch op {
	case OpLoginRequest:
		return decodeLoginRequest(bhs, data), nil
	case OpLoginResponse:
		return decodeLoginResponse(bhs, data), nil
	case OpTextRequest:
		return decodeTextRequest(bhs, data), nil
	case OpTextResponse:
		return decodeTextResponse(bhs, data), nil
	case OpLogoutRequest:
		return decodeLogoutRequest(bhs, data), nil
	case OpLogoutResponse:
		return decodeLogoutResponse(bhs, data), nil
	case OpScsiCommand:
		return decodeScsiCommandRequest(bhs, data), nil
	case OpScsiResponse:
		return decodeScsiResponse(bhs, data), nil
	case OpReadyToTransfer:
		return decodeReadyToTransfer(bhs, data), nil
	case OpScsiDataIn:
		return decodeScsiDataIn(bhs, data), nil
	case OpScsiDataOut:
		return decodeScsiDataOut(bhs, data), nil
	case OpNopOut:
		return decodeNopOut(bhs, data), nil
	case OpNopIn:
		return decodeNopIn(bhs, data), nil
	case OpReject:
		return decodeReject(bhs, data), nil
	default:
		return nil, fmt.Errorf("iscsi: pdu: unrecognized opcode 0x%02x: %w", byte(op), sparse.ErrProtocol)
	}
}

// setFinal/isFinal manipulate the Final bit (byte 1, bit 7): set from the
// Final field by ScsiCommandRequest, TextRequest/Response and
// ScsiDataIn/Out, and always set by NopOut, NopIn, ScsiResponse and Reject.
// Login PDUs carry their Transit flag in that bit via loginFlags instead.
func setFinal(b []byte)     { b[1] |= 0x80 }
func isFinal(b []byte) bool { return b[1]&0x80 != 0 }
