package iscsi

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// newPipeConn wires a client Conn and a target-simulating Conn together
// over an in-memory net.Pipe, reusing Conn's own PDU framing (sendPDU/
// recvPDU) on both ends so tests speak the real wire format.
func newPipeConn(opts DialOptions) (client *Conn, target *Conn) {
	c1, c2 := net.Pipe()
	return &Conn{nc: c1, opts: opts, cmdSN: 1}, &Conn{nc: c2, cmdSN: 1}
}

func recvLoginRequest(t *testing.T, target *Conn) (LoginRequest, *textParams) {
	t.Helper()
	pdu, err := target.recvPDU()
	require.NoError(t, err)
	req, ok := pdu.(LoginRequest)
	require.True(t, ok, "expected LoginRequest, got %s", pdu.Opcode())
	params, err := parseTextParams(req.Data)
	require.NoError(t, err)
	return req, params
}

// TestCHAPLoginScenarioS5 drives securityNegotiation against a simulated
// target that advertises AuthMethod=CHAP and issues the exact challenge
// from scenario S5, asserting the initiator answers with the matching
// CHAP_N/CHAP_R.
func TestCHAPLoginScenarioS5(t *testing.T) {
	opts := DialOptions{
		InitiatorName: "iqn.test",
		Auth:          CHAPCredentials{Username: "iqn.test", Secret: "opensesame"},
	}
	client, target := newPipeConn(opts)

	errCh := make(chan error, 1)
	go func() { errCh <- client.securityNegotiation(context.Background()) }()

	_, params := recvLoginRequest(t, target)
	auth, _ := params.get("AuthMethod")
	require.Equal(t, "CHAP", auth)

	reply := newTextParams()
	reply.set("AuthMethod", "CHAP")
	require.NoError(t, target.sendPDU(LoginResponse{
		CSG: StageSecurityNegotiation, NSG: StageLoginOperationalNegotiation,
		TSIH: 7, StatSN: 1, Data: reply.encode(),
	}))

	_, params = recvLoginRequest(t, target)
	a, _ := params.get("CHAP_A")
	require.Equal(t, "5", a)

	challenge := newTextParams()
	challenge.set("CHAP_A", "5")
	challenge.set("CHAP_I", "0x42")
	challenge.set("CHAP_C", "0x1234567890")
	require.NoError(t, target.sendPDU(LoginResponse{
		CSG: StageSecurityNegotiation, NSG: StageLoginOperationalNegotiation,
		TSIH: 7, StatSN: 2, Data: challenge.encode(),
	}))

	req, params := recvLoginRequest(t, target)
	require.True(t, req.Transit)

	wantChallenge := []byte{0x12, 0x34, 0x56, 0x78, 0x90}
	wantDigest := chapResponse(0x42, "opensesame", wantChallenge)
	n, _ := params.get("CHAP_N")
	r, _ := params.get("CHAP_R")
	require.Equal(t, "iqn.test", n)
	require.Equal(t, "0x"+hex.EncodeToString(wantDigest[:]), r)

	require.NoError(t, target.sendPDU(LoginResponse{
		Transit: true, CSG: StageSecurityNegotiation, NSG: StageLoginOperationalNegotiation,
		TSIH: 7, StatSN: 3,
	}))

	require.NoError(t, <-errCh)
}

func TestCHAPLoginRejectedAuthMethodFails(t *testing.T) {
	opts := DialOptions{Auth: CHAPCredentials{Username: "x", Secret: "y"}}
	client, target := newPipeConn(opts)

	errCh := make(chan error, 1)
	go func() { errCh <- client.securityNegotiation(context.Background()) }()

	recvLoginRequest(t, target)
	reply := newTextParams()
	reply.set("AuthMethod", "None")
	require.NoError(t, target.sendPDU(LoginResponse{
		CSG: StageSecurityNegotiation, NSG: StageLoginOperationalNegotiation,
		StatSN: 1, Data: reply.encode(),
	}))

	require.Error(t, <-errCh)
}

// TestReadScenarioS6 is scenario S6: a Read(6) of 8 sectors answered by two
// ScsiDataIn PDUs and a final ScsiResponse, reassembled into one buffer.
func TestReadScenarioS6(t *testing.T) {
	client, target := newPipeConn(DialOptions{})
	client.state = StateFullFeaturePhase

	inBuf := make([]byte, 4096)
	cdb := cdbRead6(0, 8)

	var n int
	errCh := make(chan error, 1)
	go func() {
		var err error
		n, err = client.send(context.Background(), 0, cdb, nil, inBuf)
		errCh <- err
	}()

	pdu, err := target.recvPDU()
	require.NoError(t, err)
	cmdReq, ok := pdu.(ScsiCommandRequest)
	require.True(t, ok)
	require.True(t, cmdReq.Read)
	require.Equal(t, cdb, cmdReq.CDB)

	payload1 := bytes.Repeat([]byte{0xAA}, 2048)
	payload2 := bytes.Repeat([]byte{0xBB}, 2048)
	require.NoError(t, target.sendPDU(ScsiDataIn{
		InitiatorTag: cmdReq.InitiatorTag, BufferOffset: 0, DataSN: 0, Data: payload1,
	}))
	require.NoError(t, target.sendPDU(ScsiDataIn{
		InitiatorTag: cmdReq.InitiatorTag, BufferOffset: 2048, DataSN: 1, Data: payload2,
	}))
	require.NoError(t, target.sendPDU(ScsiResponse{
		Status: ScsiStatusGood, InitiatorTag: cmdReq.InitiatorTag,
		StatSN: 1, ExpCmdSN: 1, MaxCmdSN: 10,
	}))

	require.NoError(t, <-errCh)
	require.Equal(t, 4096, n)
	want := append(append([]byte{}, payload1...), payload2...)
	require.Equal(t, want, inBuf)
}

// TestStatSNMonotonicIncrease is property #8: observed StatSN values across
// a session are strictly increasing by 1.
func TestStatSNMonotonicIncrease(t *testing.T) {
	client, target := newPipeConn(DialOptions{})
	client.state = StateFullFeaturePhase

	const rounds = 3
	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < rounds; i++ {
			if _, err := client.Ping(context.Background()); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	var seen []uint32
	for i := 0; i < rounds; i++ {
		pdu, err := target.recvPDU()
		require.NoError(t, err)
		out, ok := pdu.(NopOut)
		require.True(t, ok)
		statSN := uint32(i + 1)
		seen = append(seen, statSN)
		require.NoError(t, target.sendPDU(NopIn{
			InitiatorTag: out.InitiatorTag, TargetTag: NopOutNoResponseTag,
			StatSN: statSN, ExpCmdSN: 1, MaxCmdSN: 10,
		}))
	}

	require.NoError(t, <-errCh)
	for i := 1; i < len(seen); i++ {
		require.Equal(t, seen[i-1]+1, seen[i])
	}
}

func TestRejectPDUAbortsTask(t *testing.T) {
	client, target := newPipeConn(DialOptions{})
	client.state = StateFullFeaturePhase

	errCh := make(chan error, 1)
	go func() {
		_, err := client.send(context.Background(), 0, cdbTestUnitReady(), nil, nil)
		errCh <- err
	}()

	_, err := target.recvPDU()
	require.NoError(t, err)
	require.NoError(t, target.sendPDU(Reject{Reason: RejectInvalidPDUField, Data: make([]byte, 48)}))

	err = <-errCh
	require.Error(t, err)
	var rejErr *TargetRejectError
	require.ErrorAs(t, err, &rejErr)
}
