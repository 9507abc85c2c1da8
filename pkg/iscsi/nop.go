package iscsi

import (
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/pkg/sparse"
)

// NopOutNoResponseTag is the reserved 0xffffffff tag value. Ping puts it in
// an initiator-originated NopOut's TargetTag (the NopOut answers no target
// NopIn) and the target replies with a NopIn.
const NopOutNoResponseTag uint32 = 0xffffffff

type NopOut struct {
	Final        bool
	LUN          uint64
	InitiatorTag uint32
	TargetTag    uint32
	CmdSN        uint32
	ExpStatSN    uint32
	Data         []byte
}

func (NopOut) Opcode() Opcode  { return OpNopOut }
func (NopOut) immediate() bool { return true }

func (r NopOut) encodeBody() (bhs [48]byte, data []byte) {
	setFinal(bhs[:])
	buf.PutU64BE(bhs[8:16], r.LUN)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[20:24], r.TargetTag)
	buf.PutU32BE(bhs[24:28], r.CmdSN)
	buf.PutU32BE(bhs[28:32], r.ExpStatSN)
	return bhs, r.Data
}

func decodeNopOut(bhs []byte, data []byte) NopOut {
	return NopOut{
		Final:        isFinal(bhs),
		LUN:          buf.U64BE(bhs[8:16]),
		InitiatorTag: buf.U32BE(bhs[16:20]),
		TargetTag:    buf.U32BE(bhs[20:24]),
		CmdSN:        buf.U32BE(bhs[24:28]),
		ExpStatSN:    buf.U32BE(bhs[28:32]),
		Data:         data,
	}
}

type NopIn struct {
	LUN          uint64
	InitiatorTag uint32
	TargetTag    uint32
	StatSN       uint32
	ExpCmdSN     uint32
	MaxCmdSN     uint32
	Data         []byte
}

func (NopIn) Opcode() Opcode { return OpNopIn }

func (r NopIn) encodeBody() (bhs [48]byte, data []byte) {
	setFinal(bhs[:])
	buf.PutU64BE(bhs[8:16], r.LUN)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[20:24], r.TargetTag)
	buf.PutU32BE(bhs[24:28], r.StatSN)
	buf.PutU32BE(bhs[28:32], r.ExpCmdSN)
	buf.PutU32BE(bhs[32:36], r.MaxCmdSN)
	return bhs, r.Data
}

func decodeNopIn(bhs []byte, data []byte) NopIn {
	return NopIn{
		LUN:          buf.U64BE(bhs[8:16]),
		InitiatorTag: buf.U32BE(bhs[16:20]),
		TargetTag:    buf.U32BE(bhs[20:24]),
		StatSN:       buf.U32BE(bhs[24:28]),
		ExpCmdSN:     buf.U32BE(bhs[28:32]),
		MaxCmdSN:     buf.U32BE(bhs[32:36]),
		Data:         data,
	}
}

// Reject reason codes, RFC 3720 §10.17.1, trimmed to the ones this
// initiator can meaningfully react to.
const (
	RejectDataDigestError    byte = 0x02
	RejectSNACKReject        byte = 0x03
	RejectProtocolError      byte = 0x04
	RejectCmdNotSupported    byte = 0x05
	RejectImmediateCmdReject byte = 0x06
	RejectInvalidPDUField    byte = 0x09
)

type Reject struct {
	Reason   byte
	StatSN   uint32
	ExpCmdSN uint32
	MaxCmdSN uint32
	DataSN   uint32
	Data     []byte // the rejected PDU's header, per the RFC
}

// TargetRejectError is surfaced by Conn when a target sends a Reject PDU
// in place of whatever response was expected; Decode itself still returns
// the structured Reject value so PDU framing round-trips like any other
// opcode.
type TargetRejectError struct {
	Reason byte
}

func (e *TargetRejectError) Error() string {
	return fmt.Sprintf("iscsi: target reject reason 0x%02x", e.Reason)
}

func (e *TargetRejectError) Is(target error) bool {
	return target == sparse.ErrProtocol
}

func (Reject) Opcode() Opcode { return OpReject }

func (r Reject) encodeBody() (bhs [48]byte, data []byte) {
	setFinal(bhs[:])
	bhs[2] = r.Reason
	buf.PutU32BE(bhs[24:28], r.StatSN)
	buf.PutU32BE(bhs[28:32], r.ExpCmdSN)
	buf.PutU32BE(bhs[32:36], r.MaxCmdSN)
	buf.PutU32BE(bhs[36:40], r.DataSN)
	return bhs, r.Data
}

func decodeReject(bhs []byte, data []byte) Reject {
	return Reject{
		Reason:   bhs[2],
		StatSN:   buf.U32BE(bhs[24:28]),
		ExpCmdSN: buf.U32BE(bhs[28:32]),
		MaxCmdSN: buf.U32BE(bhs[32:36]),
		DataSN:   buf.U32BE(bhs[36:40]),
		Data:     data,
	}
}
