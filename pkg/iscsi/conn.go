package iscsi

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cwarnold/vdisk/internal/bufpool"
	"github.com/cwarnold/vdisk/pkg/sparse"
)

// ConnState is the connection's position in the login/full-feature/logout
// lifecycle (spec.md §4.I).
type ConnState int

const (
	StateSecurityNegotiation ConnState = iota
	StateLoginOperationalNegotiation
	StateFullFeaturePhase
	StateLoggedOut
)

// Conn is a single iSCSI initiator connection: exactly one TCP socket,
// one session, strict request/response with no command pipelining.
type Conn struct {
	nc   net.Conn
	opts DialOptions

	state ConnState

	digest DigestOptions

	isid [6]byte
	tsih uint16
	cid  uint16

	itt       uint32 // next Initiator Task Tag
	cmdSN     uint32 // next CmdSN to assign a non-immediate request
	expStatSN uint32 // StatSN we expect on the next status-bearing response

	negotiatedTargetMaxRecv int
}

// Dial opens a TCP connection to address and drives it through Login to
// FullFeaturePhase.
func Dial(ctx context.Context, network, address string, opts DialOptions) (*Conn, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("iscsi: dial %s: %w", address, err)
	}

	c := &Conn{
		nc:        nc,
		opts:      opts,
		cmdSN:     1,
		expStatSN: 0,
	}
	copy(c.isid[:], []byte{0x00, 0x02, 0x3d, 0x00, 0x00, 0x01})

	if err := c.securityNegotiation(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	if err := c.loginOperationalNegotiation(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	c.state = StateFullFeaturePhase
	sparse.L.Debug("iscsi login complete", "target", opts.TargetName)
	return c, nil
}

func (c *Conn) securityNegotiation(ctx context.Context) error {
	auth := "None"
	if c.opts.wantsAuth() {
		auth = "CHAP"
	}
	req := newTextParams()
	req.set("InitiatorName", c.opts.InitiatorName)
	if c.opts.InitiatorAlias != "" {
		req.set("InitiatorAlias", c.opts.InitiatorAlias)
	}
	if c.opts.TargetName != "" {
		req.set("TargetName", c.opts.TargetName)
	}
	req.set("SessionType", "Normal")
	req.set("AuthMethod", auth)

	resp, err := c.loginExchange(ctx, StageSecurityNegotiation, StageLoginOperationalNegotiation, !c.opts.wantsAuth(), req)
	if err != nil {
		return err
	}

	chosen, _ := resp.get("AuthMethod")
	if chosen != "CHAP" {
		if c.opts.wantsAuth() {
			return fmt.Errorf("iscsi: login: target refused CHAP: %w", sparse.ErrAuth)
		}
		return nil
	}
	return c.chapExchange(ctx)
}

// chapExchange drives the CHAP_A/CHAP_I/CHAP_C/CHAP_N/CHAP_R dance per
// spec.md §4.I and RFC 1994, entirely within Security Negotiation.
func (c *Conn) chapExchange(ctx context.Context) error {
	offer := newTextParams()
	offer.set("CHAP_A", strconv.Itoa(chapAlgorithm))
	resp, err := c.loginExchange(ctx, StageSecurityNegotiation, StageLoginOperationalNegotiation, false, offer)
	if err != nil {
		return err
	}

	idStr, ok := resp.get("CHAP_I")
	if !ok {
		return fmt.Errorf("iscsi: chap: missing CHAP_I: %w", sparse.ErrProtocol)
	}
	challengeStr, ok := resp.get("CHAP_C")
	if !ok {
		return fmt.Errorf("iscsi: chap: missing CHAP_C: %w", sparse.ErrProtocol)
	}

	id, err := parseCHAPByte(idStr)
	if err != nil {
		return fmt.Errorf("iscsi: chap: CHAP_I: %w", err)
	}
	challenge, err := parseCHAPHex(challengeStr)
	if err != nil {
		return fmt.Errorf("iscsi: chap: CHAP_C: %w", err)
	}

	digest := chapResponse(id, c.opts.Auth.Secret, challenge)

	answer := newTextParams()
	answer.set("CHAP_N", c.opts.Auth.Username)
	answer.set("CHAP_R", "0x"+hex.EncodeToString(digest[:]))

	_, err = c.loginExchange(ctx, StageSecurityNegotiation, StageLoginOperationalNegotiation, true, answer)
	return err
}

// parseCHAPByte parses CHAP_I: decimal per RFC 1994, unless the target
// sends it 0x-prefixed.
func parseCHAPByte(s string) (byte, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, fmt.Errorf("iscsi: chap identifier %q: %w", s, sparse.ErrProtocol)
	}
	return byte(n), nil
}

func parseCHAPHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w", sparse.ErrProtocol)
	}
	return b, nil
}

func (c *Conn) loginOperationalNegotiation(ctx context.Context) error {
	req := newTextParams()
	req.set("HeaderDigest", negotiateDigestOffer(c.opts.HeaderDigest))
	req.set("DataDigest", negotiateDigestOffer(c.opts.DataDigest))
	req.set("MaxRecvDataSegmentLength", strconv.Itoa(c.opts.maxRecvDataSegmentLength()))
	req.set("DefaultTime2Wait", "2")
	req.set("DefaultTime2Retain", "20")
	req.set("InitialR2T", "Yes")
	req.set("ImmediateData", "Yes")

	resp, err := c.loginExchange(ctx, StageLoginOperationalNegotiation, StageFullFeaturePhase, true, req)
	if err != nil {
		return err
	}

	c.digest.HeaderDigest = negotiatedDigestAccepted(resp, "HeaderDigest")
	c.digest.DataDigest = negotiatedDigestAccepted(resp, "DataDigest")
	c.negotiatedTargetMaxRecv = resp.getInt("MaxRecvDataSegmentLength", 0)
	return nil
}

func negotiateDigestOffer(want bool) string {
	if want {
		return "CRC32C,None"
	}
	return "None"
}

func negotiatedDigestAccepted(resp *textParams, key string) bool {
	v, _ := resp.get(key)
	return v == "CRC32C"
}

// loginExchange sends one LoginRequest carrying params and returns the
// parsed parameters of the matching LoginResponse, looping internally
// only to reassemble a Continue-fragmented response.
func (c *Conn) loginExchange(ctx context.Context, csg, nsg byte, transit bool, params *textParams) (*textParams, error) {
	req := LoginRequest{
		Transit:      transit,
		CSG:          csg,
		NSG:          nsg,
		ISID:         c.isid,
		TSIH:         c.tsih,
		InitiatorTag: c.nextImmediateTag(),
		CID:          c.cid,
		CmdSN:        c.cmdSN,
		ExpStatSN:    c.expStatSN,
		Data:         params.encode(),
	}
	if err := c.withCancel(ctx, func() error { return c.sendPDU(req) }); err != nil {
		return nil, err
	}

	var data []byte
	for {
		var pdu PDU
		if err := c.withCancel(ctx, func() error {
			p, err := c.recvPDU()
			pdu = p
			return err
		}); err != nil {
			return nil, err
		}
		resp, ok := pdu.(LoginResponse)
		if !ok {
			return nil, fmt.Errorf("iscsi: login: unexpected opcode %s: %w", pdu.Opcode(), sparse.ErrProtocol)
		}
		if resp.StatusClass != LoginStatusSuccess {
			return nil, fmt.Errorf("iscsi: login: status class 0x%02x detail 0x%02x: %w", resp.StatusClass, resp.StatusDetail, sparse.ErrAuth)
		}
		if err := c.observeStatSN(resp.StatSN); err != nil {
			return nil, err
		}
		c.tsih = resp.TSIH
		data = append(data, resp.Data...)
		if resp.Continue {
			continue
		}
		if resp.Transit && resp.NSG != nsg {
			return nil, fmt.Errorf("iscsi: login: unexpected next stage %d: %w", resp.NSG, sparse.ErrProtocol)
		}
		break
	}

	return parseTextParams(data)
}

// observeStatSN enforces the status sequence invariant from spec.md §4.I:
// a status-bearing PDU's StatSN must equal expStatSN (or be zero), and
// expStatSN then advances by one.
func (c *Conn) observeStatSN(statSN uint32) error {
	if statSN == 0 {
		return nil
	}
	if c.expStatSN != 0 && statSN != c.expStatSN {
		return fmt.Errorf("iscsi: bad StatSN: got %d want %d: %w", statSN, c.expStatSN, sparse.ErrProtocol)
	}
	if c.expStatSN == 0 {
		c.expStatSN = statSN
	}
	c.expStatSN++
	return nil
}

func (c *Conn) nextImmediateTag() uint32 {
	tag := c.itt
	c.itt++
	return tag
}

func (c *Conn) nextCmdSN() uint32 {
	sn := c.cmdSN
	c.cmdSN++
	return sn
}

// Ping sends an unsolicited NopOut and waits for the matching NopIn,
// returning the observed round-trip time.
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req := NopOut{
		InitiatorTag: c.nextImmediateTag(),
		TargetTag:    NopOutNoResponseTag,
		CmdSN:        c.cmdSN,
		ExpStatSN:    c.expStatSN,
	}
	if err := c.withCancel(ctx, func() error { return c.sendPDU(req) }); err != nil {
		return 0, err
	}
	var pdu PDU
	if err := c.withCancel(ctx, func() error {
		p, err := c.recvPDU()
		pdu = p
		return err
	}); err != nil {
		return 0, err
	}
	in, ok := pdu.(NopIn)
	if !ok {
		return 0, fmt.Errorf("iscsi: ping: unexpected opcode %s: %w", pdu.Opcode(), sparse.ErrProtocol)
	}
	if err := c.observeStatSN(in.StatSN); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Logout closes the session cleanly per spec.md §4.I.
func (c *Conn) Logout(ctx context.Context) error {
	req := LogoutRequest{
		Reason:       LogoutReasonCloseSession,
		InitiatorTag: c.nextImmediateTag(),
		CID:          c.cid,
		CmdSN:        c.nextCmdSN(),
		ExpStatSN:    c.expStatSN,
	}
	if err := c.withCancel(ctx, func() error { return c.sendPDU(req) }); err != nil {
		return err
	}
	var pdu PDU
	if err := c.withCancel(ctx, func() error {
		p, err := c.recvPDU()
		pdu = p
		return err
	}); err != nil {
		return err
	}
	resp, ok := pdu.(LogoutResponse)
	if !ok {
		return fmt.Errorf("iscsi: logout: unexpected opcode %s: %w", pdu.Opcode(), sparse.ErrProtocol)
	}
	if err := c.observeStatSN(resp.StatSN); err != nil {
		return err
	}
	if resp.Response != LogoutClosedSuccessfully {
		return fmt.Errorf("iscsi: logout: response code 0x%02x: %w", resp.Response, sparse.ErrProtocol)
	}
	c.state = StateLoggedOut
	return c.nc.Close()
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// withCancel runs fn to completion, but returns sparse.ErrCancelled as
// soon as ctx is done if fn hasn't finished yet; the socket is closed in
// that case since the stream's state after an aborted I/O is undefined
// per spec.md §5 and must not be reused.
func (c *Conn) withCancel(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.nc.Close()
		return fmt.Errorf("iscsi: %w", sparse.ErrCancelled)
	}
}

func (c *Conn) sendPDU(pdu PDU) error {
	b := Encode(pdu, c.digest)
	_, err := c.nc.Write(b)
	if err != nil {
		return fmt.Errorf("iscsi: write %s: %w", pdu.Opcode(), err)
	}
	return nil
}

// recvPDU reads exactly one PDU from the wire: BHS, optional header
// digest, padded data segment, optional data digest, then hands the
// assembled bytes to Decode for structural parsing and digest checks.
func (c *Conn) recvPDU() (PDU, error) {
	scratch := bufpool.Get(bhsSize)
	defer scratch.Release()
	bhs := scratch.Bytes()[:bhsSize]
	if _, err := io.ReadFull(c.nc, bhs); err != nil {
		return nil, fmt.Errorf("iscsi: read bhs: %w", sparse.ErrTruncated)
	}

	total := bhsSize
	buf := make([]byte, bhsSize)
	copy(buf, bhs)

	if c.digest.HeaderDigest {
		var d [4]byte
		if _, err := io.ReadFull(c.nc, d[:]); err != nil {
			return nil, fmt.Errorf("iscsi: read header digest: %w", sparse.ErrTruncated)
		}
		buf = append(buf, d[:]...)
		total += 4
	}

	dataLen := int(bhs[5])<<16 | int(bhs[6])<<8 | int(bhs[7])
	padded := padLen(dataLen)
	if padded > 0 {
		data := make([]byte, padded)
		if _, err := io.ReadFull(c.nc, data); err != nil {
			return nil, fmt.Errorf("iscsi: read data segment: %w", sparse.ErrTruncated)
		}
		buf = append(buf, data...)
		total += padded
	}

	if c.digest.DataDigest {
		var d [4]byte
		if _, err := io.ReadFull(c.nc, d[:]); err != nil {
			return nil, fmt.Errorf("iscsi: read data digest: %w", sparse.ErrTruncated)
		}
		buf = append(buf, d[:]...)
		total += 4
	}

	pdu, n, err := Decode(buf, c.digest)
	if err != nil {
		return nil, err
	}
	if n != total {
		return nil, fmt.Errorf("iscsi: decode consumed %d of %d bytes: %w", n, total, sparse.ErrProtocol)
	}
	if rej, ok := pdu.(Reject); ok {
		return nil, &TargetRejectError{Reason: rej.Reason}
	}
	return pdu, nil
}
