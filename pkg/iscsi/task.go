package iscsi

import (
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/pkg/sparse"
)

const (
	defaultFirstBurstLength               = 65536
	defaultMaxTargetRecvDataSegmentLength = 8192
)

// send drives one SCSI task to completion per spec.md §4.J: immediate
// data, R2T-solicited DataOut bursts, then DataIn/Response collection
// until the final PDU. outBuf is the command's write payload (nil for a
// read), inBuf receives read payload (nil for a write); returns the
// number of bytes landed in inBuf.
func (c *Conn) send(ctx context.Context, lun uint64, cdb [16]byte, outBuf, inBuf []byte) (int, error) {
	tag := c.nextImmediateTag()
	cmdSN := c.nextCmdSN()

	maxTarget := c.maxTargetRecvDataSegmentLength()
	immLen := min3(len(outBuf), defaultFirstBurstLength, maxTarget)

	expectedXfer := len(inBuf)
	if len(outBuf) > 0 {
		expectedXfer = len(outBuf)
	}

	req := ScsiCommandRequest{
		Final:           true,
		Read:            len(inBuf) > 0,
		Write:           len(outBuf) > 0,
		TaskAttr:        TaskAttrSimple,
		LUN:             lun,
		InitiatorTag:    tag,
		ExpectedXferLen: uint32(expectedXfer),
		CmdSN:           cmdSN,
		ExpStatSN:       c.expStatSN,
		CDB:             cdb,
		Data:            outBuf[:immLen],
	}
	if err := c.withCancel(ctx, func() error { return c.sendPDU(req) }); err != nil {
		return 0, err
	}
	sent := immLen

	var received int
	for {
		var pdu PDU
		if err := c.withCancel(ctx, func() error {
			p, err := c.recvPDU()
			pdu = p
			return err
		}); err != nil {
			return received, err
		}

		switch p := pdu.(type) {
		case ReadyToTransfer:
			n, err := c.sendDataOutBurst(ctx, lun, tag, p.TargetTag, p.BufferOffset, p.DesiredXferLen, outBuf)
			if err != nil {
				return received, err
			}
			sent += n

		case ScsiDataIn:
			if p.BufferOffset+uint32(len(p.Data)) > uint32(len(inBuf)) {
				return received, fmt.Errorf("iscsi: data-in overflows buffer: %w", sparse.ErrProtocol)
			}
			copy(inBuf[p.BufferOffset:], p.Data)
			received += len(p.Data)
			if p.HasStatus {
				if err := c.observeStatSN(p.StatSN); err != nil {
					return received, err
				}
				if err := scsiStatusError(p.Status, nil); err != nil {
					return received, err
				}
				return received, nil
			}

		case ScsiResponse:
			if err := c.observeStatSN(p.StatSN); err != nil {
				return received, err
			}
			sense, err := parseSense(p.Status, p.Data)
			if err != nil {
				return received, err
			}
			if serr := scsiStatusError(p.Status, sense); serr != nil {
				return received, serr
			}
			return received, nil

		default:
			return received, fmt.Errorf("iscsi: task: unexpected opcode %s: %w", pdu.Opcode(), sparse.ErrProtocol)
		}
	}
}

func (c *Conn) sendDataOutBurst(ctx context.Context, lun uint64, tag, targetTag, bufferOffset, length uint32, outBuf []byte) (int, error) {
	maxSeg := c.maxTargetRecvDataSegmentLength()
	end := int(bufferOffset + length)
	if end > len(outBuf) {
		return 0, fmt.Errorf("iscsi: r2t requests past end of output buffer: %w", sparse.ErrProtocol)
	}
	data := outBuf[bufferOffset:end]

	var dataSN uint32
	sent := 0
	for sent < len(data) {
		n := min2(maxSeg, len(data)-sent)
		final := sent+n >= len(data)
		pdu := ScsiDataOut{
			Final:        final,
			LUN:          lun,
			InitiatorTag: tag,
			TargetTag:    targetTag,
			ExpStatSN:    c.expStatSN,
			DataSN:       dataSN,
			BufferOffset: bufferOffset + uint32(sent),
			Data:         data[sent : sent+n],
		}
		if err := c.withCancel(ctx, func() error { return c.sendPDU(pdu) }); err != nil {
			return sent, err
		}
		sent += n
		dataSN++
	}
	return sent, nil
}

func (c *Conn) maxTargetRecvDataSegmentLength() int {
	if c.negotiatedTargetMaxRecv > 0 {
		return c.negotiatedTargetMaxRecv
	}
	return defaultMaxTargetRecvDataSegmentLength
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func min3(a, b, c int) int {
	return min2(min2(a, b), c)
}

// parseSense extracts sense data from a CheckCondition ScsiResponse per
// spec.md §4.J: a 2-byte BE sense length followed by that many bytes.
func parseSense(status byte, data []byte) ([]byte, error) {
	if status != ScsiStatusCheckCondition || len(data) == 0 {
		return nil, nil
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("iscsi: truncated sense length: %w", sparse.ErrProtocol)
	}
	senseLen := int(data[0])<<8 | int(data[1])
	if 2+senseLen > len(data) {
		return nil, fmt.Errorf("iscsi: truncated sense data: %w", sparse.ErrProtocol)
	}
	return data[2 : 2+senseLen], nil
}

func scsiStatusError(status byte, sense []byte) error {
	if status == ScsiStatusGood {
		return nil
	}
	return &sparse.ScsiError{Status: status, Sense: sense}
}

// CDB builders. Only the subset spec.md §4.J names is implemented.

func cdbTestUnitReady() [16]byte {
	var cdb [16]byte
	cdb[0] = CdbTestUnitReady
	return cdb
}

func cdbInquiry(allocLen uint16) [16]byte {
	var cdb [16]byte
	cdb[0] = CdbInquiry
	cdb[3] = byte(allocLen >> 8)
	cdb[4] = byte(allocLen)
	return cdb
}

func cdbReportLUNs(allocLen uint32) [16]byte {
	var cdb [16]byte
	cdb[0] = CdbReportLUNs
	cdb[2] = 0 // SELECT REPORT: all LUNs
	cdb[6] = byte(allocLen >> 24)
	cdb[7] = byte(allocLen >> 16)
	cdb[8] = byte(allocLen >> 8)
	cdb[9] = byte(allocLen)
	return cdb
}

func cdbReadCapacity10() [16]byte {
	var cdb [16]byte
	cdb[0] = CdbReadCapacity10
	return cdb
}

func cdbReadCapacity16(allocLen uint32) [16]byte {
	var cdb [16]byte
	cdb[0] = CdbReadCapacity16
	cdb[1] = 0x10 // service action
	cdb[10] = byte(allocLen >> 24)
	cdb[11] = byte(allocLen >> 16)
	cdb[12] = byte(allocLen >> 8)
	cdb[13] = byte(allocLen)
	return cdb
}

func cdbRead6(lba uint32, blocks byte) [16]byte {
	var cdb [16]byte
	cdb[0] = CdbRead6
	cdb[1] = byte(lba>>16) & 0x1f
	cdb[2] = byte(lba >> 8)
	cdb[3] = byte(lba)
	cdb[4] = blocks
	return cdb
}

func cdbRead10(lba uint32, blocks uint16) [16]byte {
	var cdb [16]byte
	cdb[0] = CdbRead10
	cdb[2] = byte(lba >> 24)
	cdb[3] = byte(lba >> 16)
	cdb[4] = byte(lba >> 8)
	cdb[5] = byte(lba)
	cdb[7] = byte(blocks >> 8)
	cdb[8] = byte(blocks)
	return cdb
}

func cdbWrite10(lba uint32, blocks uint16) [16]byte {
	var cdb [16]byte
	cdb[0] = CdbWrite10
	cdb[2] = byte(lba >> 24)
	cdb[3] = byte(lba >> 16)
	cdb[4] = byte(lba >> 8)
	cdb[5] = byte(lba)
	cdb[7] = byte(blocks >> 8)
	cdb[8] = byte(blocks)
	return cdb
}

// Inquiry returns the standard INQUIRY vendor/product identification.
func (c *Conn) Inquiry(ctx context.Context, lun uint64) (vendor, product string, err error) {
	buf := make([]byte, 96)
	n, err := c.send(ctx, lun, cdbInquiry(uint16(len(buf))), nil, buf)
	if err != nil {
		return "", "", err
	}
	if n < 36 {
		return "", "", fmt.Errorf("iscsi: inquiry: short response: %w", sparse.ErrProtocol)
	}
	return string(buf[8:16]), string(buf[16:32]), nil
}

// ReportLUNs returns the LUN numbers the target exposes.
func (c *Conn) ReportLUNs(ctx context.Context) ([]uint64, error) {
	buf := make([]byte, 16*256+8)
	n, err := c.send(ctx, 0, cdbReportLUNs(uint32(len(buf))), nil, buf)
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, fmt.Errorf("iscsi: reportluns: short response: %w", sparse.ErrProtocol)
	}
	listLen := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	count := listLen / 8
	luns := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		off := 8 + i*8
		if off+8 > n {
			break
		}
		lun := uint64(buf[off]&0x3f) << 8 |
			uint64(buf[off+1])
		luns = append(luns, lun)
	}
	return luns, nil
}

// ReadCapacity returns the LUN's block count and block size, trying the
// 10-byte command first and falling back to the 16-byte form when the
// device reports the 10-byte command's all-ones overflow sentinel.
func (c *Conn) ReadCapacity(ctx context.Context, lun uint64) (blocks uint64, blockSize uint32, err error) {
	buf := make([]byte, 8)
	if _, err := c.send(ctx, lun, cdbReadCapacity10(), nil, buf); err != nil {
		return 0, 0, err
	}
	last := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	size := uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])

	if last != 0xffffffff {
		return uint64(last) + 1, size, nil
	}

	buf16 := make([]byte, 32)
	if _, err := c.send(ctx, lun, cdbReadCapacity16(uint32(len(buf16))), nil, buf16); err != nil {
		return 0, 0, err
	}
	lastLBA := beU64(buf16[0:8])
	size = uint32(buf16[8])<<24 | uint32(buf16[9])<<16 | uint32(buf16[10])<<8 | uint32(buf16[11])
	return lastLBA + 1, size, nil
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// Read reads numBlocks blocks starting at lba into buf via READ(10).
func (c *Conn) Read(ctx context.Context, lun uint64, lba uint32, numBlocks uint16, buf []byte) (int, error) {
	return c.send(ctx, lun, cdbRead10(lba, numBlocks), nil, buf)
}

// Write writes the whole-block contents of buf starting at lba via
// WRITE(10); it performs no partial-block handling itself — that is the
// LUN block-device adapter's job.
func (c *Conn) Write(ctx context.Context, lun uint64, lba uint32, numBlocks uint16, buf []byte) (int, error) {
	return c.send(ctx, lun, cdbWrite10(lba, numBlocks), buf, nil)
}
