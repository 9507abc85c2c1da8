package iscsi

import "github.com/cwarnold/vdisk/internal/buf"

// Task attributes, RFC 3720 §10.3.1. This initiator only ever issues
// Simple tasks; the others exist so Decode never chokes on a target that
// echoes something else back.
const (
	TaskAttrUntagged byte = 0
	TaskAttrSimple   byte = 1
)

// ScsiCommandRequest is the BHS for opcode ScsiCommand (RFC 3720 §10.3).
type ScsiCommandRequest struct {
	Final           bool
	Read            bool
	Write           bool
	TaskAttr        byte
	LUN             uint64
	InitiatorTag    uint32
	ExpectedXferLen uint32
	CmdSN           uint32
	ExpStatSN       uint32
	CDB             [16]byte
	Data            []byte // immediate data, if any
}

func (ScsiCommandRequest) Opcode() Opcode  { return OpScsiCommand }
func (ScsiCommandRequest) immediate() bool { return false }

func (r ScsiCommandRequest) encodeBody() (bhs [48]byte, data []byte) {
	if r.Final {
		setFinal(bhs[:])
	}
	if r.Read {
		bhs[1] |= 0x40
	}
	if r.Write {
		bhs[1] |= 0x20
	}
	bhs[1] |= r.TaskAttr & 0x7
	buf.PutU64BE(bhs[8:16], r.LUN)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[20:24], r.ExpectedXferLen)
	buf.PutU32BE(bhs[24:28], r.CmdSN)
	buf.PutU32BE(bhs[28:32], r.ExpStatSN)
	copy(bhs[32:48], r.CDB[:])
	return bhs, r.Data
}

func decodeScsiCommandRequest(bhs []byte, data []byte) ScsiCommandRequest {
	var cdb [16]byte
	copy(cdb[:], bhs[32:48])
	return ScsiCommandRequest{
		Final:           isFinal(bhs),
		Read:            bhs[1]&0x40 != 0,
		Write:           bhs[1]&0x20 != 0,
		TaskAttr:        bhs[1] & 0x7,
		LUN:             buf.U64BE(bhs[8:16]),
		InitiatorTag:    buf.U32BE(bhs[16:20]),
		ExpectedXferLen: buf.U32BE(bhs[20:24]),
		CmdSN:           buf.U32BE(bhs[24:28]),
		ExpStatSN:       buf.U32BE(bhs[28:32]),
		CDB:             cdb,
		Data:            data,
	}
}

// ScsiResponse is the BHS for opcode ScsiResponse (RFC 3720 §10.4).
type ScsiResponse struct {
	Status        byte
	Response      byte
	InitiatorTag  uint32
	StatSN        uint32
	ExpCmdSN      uint32
	MaxCmdSN      uint32
	ResidualCount uint32
	Data          []byte // sense data, when Status is CheckCondition
}

func (ScsiResponse) Opcode() Opcode { return OpScsiResponse }

func (r ScsiResponse) encodeBody() (bhs [48]byte, data []byte) {
	setFinal(bhs[:])
	bhs[2] = r.Response
	bhs[3] = r.Status
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[24:28], r.StatSN)
	buf.PutU32BE(bhs[28:32], r.ExpCmdSN)
	buf.PutU32BE(bhs[32:36], r.MaxCmdSN)
	buf.PutU32BE(bhs[40:44], r.ResidualCount)
	return bhs, r.Data
}

func decodeScsiResponse(bhs []byte, data []byte) ScsiResponse {
	return ScsiResponse{
		Response:      bhs[2],
		Status:        bhs[3],
		InitiatorTag:  buf.U32BE(bhs[16:20]),
		StatSN:        buf.U32BE(bhs[24:28]),
		ExpCmdSN:      buf.U32BE(bhs[28:32]),
		MaxCmdSN:      buf.U32BE(bhs[32:36]),
		ResidualCount: buf.U32BE(bhs[40:44]),
		Data:          data,
	}
}

// ReadyToTransfer is the BHS for opcode R2T (RFC 3720 §10.8); it tells the
// initiator how much DataOut to send next and at what buffer offset.
type ReadyToTransfer struct {
	LUN            uint64
	InitiatorTag   uint32
	TargetTag      uint32
	StatSN         uint32
	ExpCmdSN       uint32
	MaxCmdSN       uint32
	R2TSN          uint32
	BufferOffset   uint32
	DesiredXferLen uint32
}

func (ReadyToTransfer) Opcode() Opcode { return OpReadyToTransfer }

func (r ReadyToTransfer) encodeBody() (bhs [48]byte, data []byte) {
	buf.PutU64BE(bhs[8:16], r.LUN)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[20:24], r.TargetTag)
	buf.PutU32BE(bhs[24:28], r.StatSN)
	buf.PutU32BE(bhs[28:32], r.ExpCmdSN)
	buf.PutU32BE(bhs[32:36], r.MaxCmdSN)
	buf.PutU32BE(bhs[36:40], r.R2TSN)
	buf.PutU32BE(bhs[40:44], r.BufferOffset)
	buf.PutU32BE(bhs[44:48], r.DesiredXferLen)
	return bhs, nil
}

func decodeReadyToTransfer(bhs []byte, data []byte) ReadyToTransfer {
	return ReadyToTransfer{
		LUN:            buf.U64BE(bhs[8:16]),
		InitiatorTag:   buf.U32BE(bhs[16:20]),
		TargetTag:      buf.U32BE(bhs[20:24]),
		StatSN:         buf.U32BE(bhs[24:28]),
		ExpCmdSN:       buf.U32BE(bhs[28:32]),
		MaxCmdSN:       buf.U32BE(bhs[32:36]),
		R2TSN:          buf.U32BE(bhs[36:40]),
		BufferOffset:   buf.U32BE(bhs[40:44]),
		DesiredXferLen: buf.U32BE(bhs[44:48]),
	}
}

// ScsiDataOut carries write data from initiator to target, RFC 3720 §10.7.
type ScsiDataOut struct {
	Final        bool
	LUN          uint64
	InitiatorTag uint32
	TargetTag    uint32
	ExpStatSN    uint32
	DataSN       uint32
	BufferOffset uint32
	Data         []byte
}

func (ScsiDataOut) Opcode() Opcode  { return OpScsiDataOut }
func (ScsiDataOut) immediate() bool { return false }

func (r ScsiDataOut) encodeBody() (bhs [48]byte, data []byte) {
	if r.Final {
		setFinal(bhs[:])
	}
	buf.PutU64BE(bhs[8:16], r.LUN)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[20:24], r.TargetTag)
	buf.PutU32BE(bhs[28:32], r.ExpStatSN)
	buf.PutU32BE(bhs[36:40], r.DataSN)
	buf.PutU32BE(bhs[40:44], r.BufferOffset)
	return bhs, r.Data
}

func decodeScsiDataOut(bhs []byte, data []byte) ScsiDataOut {
	return ScsiDataOut{
		Final:        isFinal(bhs),
		LUN:          buf.U64BE(bhs[8:16]),
		InitiatorTag: buf.U32BE(bhs[16:20]),
		TargetTag:    buf.U32BE(bhs[20:24]),
		ExpStatSN:    buf.U32BE(bhs[28:32]),
		DataSN:       buf.U32BE(bhs[36:40]),
		BufferOffset: buf.U32BE(bhs[40:44]),
		Data:         data,
	}
}

// ScsiDataIn carries read data from target to initiator, RFC 3720 §10.6.
// When Status is set, this is also the task's final status-bearing PDU and
// no separate ScsiResponse follows.
type ScsiDataIn struct {
	Final         bool
	Acknowledge   bool
	HasStatus     bool
	Status        byte
	LUN           uint64
	InitiatorTag  uint32
	TargetTag     uint32
	StatSN        uint32
	ExpCmdSN      uint32
	MaxCmdSN      uint32
	DataSN        uint32
	BufferOffset  uint32
	ResidualCount uint32
	Data          []byte
}

func (ScsiDataIn) Opcode() Opcode { return OpScsiDataIn }

func (r ScsiDataIn) encodeBody() (bhs [48]byte, data []byte) {
	if r.Final {
		setFinal(bhs[:])
	}
	if r.Acknowledge {
		bhs[1] |= 0x40
	}
	if r.HasStatus {
		bhs[1] |= 0x01
		bhs[3] = r.Status
	}
	buf.PutU64BE(bhs[8:16], r.LUN)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[20:24], r.TargetTag)
	buf.PutU32BE(bhs[24:28], r.StatSN)
	buf.PutU32BE(bhs[28:32], r.ExpCmdSN)
	buf.PutU32BE(bhs[32:36], r.MaxCmdSN)
	buf.PutU32BE(bhs[36:40], r.DataSN)
	buf.PutU32BE(bhs[40:44], r.BufferOffset)
	buf.PutU32BE(bhs[44:48], r.ResidualCount)
	return bhs, r.Data
}

func decodeScsiDataIn(bhs []byte, data []byte) ScsiDataIn {
	return ScsiDataIn{
		Final:         isFinal(bhs),
		Acknowledge:   bhs[1]&0x40 != 0,
		HasStatus:     bhs[1]&0x01 != 0,
		Status:        bhs[3],
		LUN:           buf.U64BE(bhs[8:16]),
		InitiatorTag:  buf.U32BE(bhs[16:20]),
		TargetTag:     buf.U32BE(bhs[20:24]),
		StatSN:        buf.U32BE(bhs[24:28]),
		ExpCmdSN:      buf.U32BE(bhs[28:32]),
		MaxCmdSN:      buf.U32BE(bhs[32:36]),
		DataSN:        buf.U32BE(bhs[36:40]),
		BufferOffset:  buf.U32BE(bhs[40:44]),
		ResidualCount: buf.U32BE(bhs[44:48]),
		Data:          data,
	}
}
