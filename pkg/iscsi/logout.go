package iscsi

import "github.com/cwarnold/vdisk/internal/buf"

// Logout reason codes, RFC 3720 §10.14.1.
const (
	LogoutReasonCloseSession          byte = 0
	LogoutReasonCloseConnection       byte = 1
	LogoutReasonRemoveConnForRecovery byte = 2
)

type LogoutRequest struct {
	Reason       byte
	InitiatorTag uint32
	CID          uint16
	CmdSN        uint32
	ExpStatSN    uint32
}

func (LogoutRequest) Opcode() Opcode  { return OpLogoutRequest }
func (LogoutRequest) immediate() bool { return true }

func (r LogoutRequest) encodeBody() (bhs [48]byte, data []byte) {
	bhs[1] = 0x80 | (r.Reason & 0x7f)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU16BE(bhs[20:22], r.CID)
	buf.PutU32BE(bhs[24:28], r.CmdSN)
	buf.PutU32BE(bhs[28:32], r.ExpStatSN)
	return bhs, nil
}

func decodeLogoutRequest(bhs []byte, data []byte) LogoutRequest {
	return LogoutRequest{
		Reason:       bhs[1] & 0x7f,
		InitiatorTag: buf.U32BE(bhs[16:20]),
		CID:          buf.U16BE(bhs[20:22]),
		CmdSN:        buf.U32BE(bhs[24:28]),
		ExpStatSN:    buf.U32BE(bhs[28:32]),
	}
}

type LogoutResponse struct {
	Response     byte
	InitiatorTag uint32
	StatSN       uint32
	ExpCmdSN     uint32
	MaxCmdSN     uint32
}

func (LogoutResponse) Opcode() Opcode { return OpLogoutResponse }

func (r LogoutResponse) encodeBody() (bhs [48]byte, data []byte) {
	bhs[2] = r.Response
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[24:28], r.StatSN)
	buf.PutU32BE(bhs[28:32], r.ExpCmdSN)
	buf.PutU32BE(bhs[32:36], r.MaxCmdSN)
	return bhs, nil
}

func decodeLogoutResponse(bhs []byte, data []byte) LogoutResponse {
	return LogoutResponse{
		Response:     bhs[2],
		InitiatorTag: buf.U32BE(bhs[16:20]),
		StatSN:       buf.U32BE(bhs[24:28]),
		ExpCmdSN:     buf.U32BE(bhs[28:32]),
		MaxCmdSN:     buf.U32BE(bhs[32:36]),
	}
}
