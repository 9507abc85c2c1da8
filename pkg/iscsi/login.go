package iscsi

import "github.com/cwarnold/vdisk/internal/buf"

// LoginRequest is the BHS for opcode LoginRequest (RFC 3720 §10.12,
// trimmed to the fields this initiator actually drives: a single
// connection per session, fixed version, ISID is an opaque 6-byte
// initiator qualifier the caller supplies).
type LoginRequest struct {
	Transit      bool
	Continue     bool
	CSG, NSG     byte
	ISID         [6]byte
	TSIH         uint16
	InitiatorTag uint32
	CID          uint16
	CmdSN        uint32
	ExpStatSN    uint32
	Data         []byte // text key=value pairs, NUL-separated
}

func (LoginRequest) Opcode() Opcode  { return OpLoginRequest }
func (LoginRequest) immediate() bool { return true }

func (r LoginRequest) encodeBody() (bhs [48]byte, data []byte) {
	bhs[1] = loginFlags(r.Transit, r.Continue, r.CSG, r.NSG)
	copy(bhs[8:14], r.ISID[:])
	buf.PutU16BE(bhs[14:16], r.TSIH)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU16BE(bhs[20:22], r.CID)
	buf.PutU32BE(bhs[24:28], r.CmdSN)
	buf.PutU32BE(bhs[28:32], r.ExpStatSN)
	return bhs, r.Data
}

func decodeLoginRequest(bhs []byte, data []byte) LoginRequest {
	var isid [6]byte
	copy(isid[:], bhs[8:14])
	transit, cont, csg, nsg := decodeLoginFlags(bhs[1])
	return LoginRequest{
		Transit:      transit,
		Continue:     cont,
		CSG:          csg,
		NSG:          nsg,
		ISID:         isid,
		TSIH:         buf.U16BE(bhs[14:16]),
		InitiatorTag: buf.U32BE(bhs[16:20]),
		CID:          buf.U16BE(bhs[20:22]),
		CmdSN:        buf.U32BE(bhs[24:28]),
		ExpStatSN:    buf.U32BE(bhs[28:32]),
		Data:         data,
	}
}

// LoginResponse is the BHS for opcode LoginResponse.
type LoginResponse struct {
	Transit        bool
	Continue       bool
	CSG, NSG       byte
	ISID           [6]byte
	TSIH           uint16
	InitiatorTag   uint32
	StatSN         uint32
	ExpCmdSN       uint32
	MaxCmdSN       uint32
	StatusClass    byte
	StatusDetail   byte
	Data           []byte
}

func (LoginResponse) Opcode() Opcode { return OpLoginResponse }

func (r LoginResponse) encodeBody() (bhs [48]byte, data []byte) {
	bhs[1] = loginFlags(r.Transit, r.Continue, r.CSG, r.NSG)
	bhs[36] = r.StatusClass
	bhs[37] = r.StatusDetail
	copy(bhs[8:14], r.ISID[:])
	buf.PutU16BE(bhs[14:16], r.TSIH)
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[24:28], r.StatSN)
	buf.PutU32BE(bhs[28:32], r.ExpCmdSN)
	buf.PutU32BE(bhs[32:36], r.MaxCmdSN)
	return bhs, r.Data
}

func decodeLoginResponse(bhs []byte, data []byte) LoginResponse {
	var isid [6]byte
	copy(isid[:], bhs[8:14])
	transit, cont, csg, nsg := decodeLoginFlags(bhs[1])
	return LoginResponse{
		Transit:      transit,
		Continue:     cont,
		CSG:          csg,
		NSG:          nsg,
		ISID:         isid,
		TSIH:         buf.U16BE(bhs[14:16]),
		InitiatorTag: buf.U32BE(bhs[16:20]),
		StatSN:       buf.U32BE(bhs[24:28]),
		ExpCmdSN:     buf.U32BE(bhs[28:32]),
		MaxCmdSN:     buf.U32BE(bhs[32:36]),
		StatusClass:  bhs[36],
		StatusDetail: bhs[37],
		Data:         data,
	}
}

func loginFlags(transit, cont bool, csg, nsg byte) byte {
	f := (csg&0x3)<<2 | (nsg & 0x3)
	if transit {
		f |= 0x80
	}
	if cont {
		f |= 0x40
	}
	return f
}

func decodeLoginFlags(b byte) (transit, cont bool, csg, nsg byte) {
	return b&0x80 != 0, b&0x40 != 0, (b >> 2) & 0x3, b & 0x3
}

// TextRequest/TextResponse carry key=value text negotiation per RFC 3720
// §10.11 — used after Login for parameters not settled during login, and
// unsolicited by the target for renegotiation (not driven by this
// initiator, which only ever negotiates at login time).
type TextRequest struct {
	Final        bool
	Continue     bool
	InitiatorTag uint32
	TargetTag    uint32
	CmdSN        uint32
	ExpStatSN    uint32
	Data         []byte
}

func (TextRequest) Opcode() Opcode  { return OpTextRequest }
func (TextRequest) immediate() bool { return false }

func (r TextRequest) encodeBody() (bhs [48]byte, data []byte) {
	if r.Final {
		setFinal(bhs[:])
	}
	if r.Continue {
		bhs[1] |= 0x40
	}
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[20:24], r.TargetTag)
	buf.PutU32BE(bhs[24:28], r.CmdSN)
	buf.PutU32BE(bhs[28:32], r.ExpStatSN)
	return bhs, r.Data
}

func decodeTextRequest(bhs []byte, data []byte) TextRequest {
	return TextRequest{
		Final:        isFinal(bhs),
		Continue:     bhs[1]&0x40 != 0,
		InitiatorTag: buf.U32BE(bhs[16:20]),
		TargetTag:    buf.U32BE(bhs[20:24]),
		CmdSN:        buf.U32BE(bhs[24:28]),
		ExpStatSN:    buf.U32BE(bhs[28:32]),
		Data:         data,
	}
}

type TextResponse struct {
	Final        bool
	Continue     bool
	InitiatorTag uint32
	TargetTag    uint32
	StatSN       uint32
	ExpCmdSN     uint32
	MaxCmdSN     uint32
	Data         []byte
}

func (TextResponse) Opcode() Opcode { return OpTextResponse }

func (r TextResponse) encodeBody() (bhs [48]byte, data []byte) {
	if r.Final {
		setFinal(bhs[:])
	}
	if r.Continue {
		bhs[1] |= 0x40
	}
	buf.PutU32BE(bhs[16:20], r.InitiatorTag)
	buf.PutU32BE(bhs[20:24], r.TargetTag)
	buf.PutU32BE(bhs[24:28], r.StatSN)
	buf.PutU32BE(bhs[28:32], r.ExpCmdSN)
	buf.PutU32BE(bhs[32:36], r.MaxCmdSN)
	return bhs, r.Data
}

func decodeTextResponse(bhs []byte, data []byte) TextResponse {
	return TextResponse{
		Final:        isFinal(bhs),
		Continue:     bhs[1]&0x40 != 0,
		InitiatorTag: buf.U32BE(bhs[16:20]),
		TargetTag:    buf.U32BE(bhs[20:24]),
		StatSN:       buf.U32BE(bhs[24:28]),
		ExpCmdSN:     buf.U32BE(bhs[28:32]),
		MaxCmdSN:     buf.U32BE(bhs[32:36]),
		Data:         data,
	}
}
