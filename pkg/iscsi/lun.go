package iscsi

import (
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/internal/bufpool"
	"github.com/cwarnold/vdisk/pkg/sparse"
)

// LUN adapts a single SCSI logical unit on an established connection into
// a sparse.BlockDevice. iSCSI has no notion of extent sparseness at this
// layer, so Extents always reports the whole device populated.
type LUN struct {
	conn      *Conn
	lun       uint64
	blockSize uint32
	numBlocks uint64
}

// OpenLUN issues READ CAPACITY against lun on an already-logged-in
// connection and returns the resulting block-device view.
func OpenLUN(ctx context.Context, conn *Conn, lun uint64) (*LUN, error) {
	blocks, blockSize, err := conn.ReadCapacity(ctx, lun)
	if err != nil {
		return nil, fmt.Errorf("iscsi: open lun %d: %w", lun, err)
	}
	return &LUN{conn: conn, lun: lun, blockSize: blockSize, numBlocks: blocks}, nil
}

func (l *LUN) Length() uint64 { return l.numBlocks * uint64(l.blockSize) }

func (l *LUN) ReadAt(ctx context.Context, pos uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	length := l.Length()
	if pos == length {
		return 0, nil
	}
	if pos > length || pos+uint64(len(buf)) > length {
		return 0, sparse.ErrOutOfRange
	}

	firstLBA := pos / uint64(l.blockSize)
	lastLBA := (pos + uint64(len(buf)) - 1) / uint64(l.blockSize)
	numBlocks := lastLBA - firstLBA + 1

	scratch := bufpool.Get(int(numBlocks) * int(l.blockSize))
	defer scratch.Release()
	raw := scratch.Bytes()[:int(numBlocks)*int(l.blockSize)]

	if _, err := l.conn.Read(ctx, l.lun, uint32(firstLBA), uint16(numBlocks), raw); err != nil {
		return 0, err
	}

	off := pos - firstLBA*uint64(l.blockSize)
	copy(buf, raw[off:off+uint64(len(buf))])
	return len(buf), nil
}

// WriteAt writes buf starting at pos, performing read-modify-write on the
// boundary blocks when pos or pos+len(buf) doesn't fall on a block edge.
func (l *LUN) WriteAt(ctx context.Context, pos uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	length := l.Length()
	if pos+uint64(len(buf)) > length {
		return 0, sparse.ErrOutOfRange
	}

	bs := uint64(l.blockSize)
	firstLBA := pos / bs
	lastLBA := (pos + uint64(len(buf)) - 1) / bs
	numBlocks := lastLBA - firstLBA + 1

	scratch := bufpool.Get(int(numBlocks) * int(l.blockSize))
	defer scratch.Release()
	raw := scratch.Bytes()[:int(numBlocks)*int(l.blockSize)]

	aligned := pos%bs == 0 && uint64(len(buf))%bs == 0
	if !aligned {
		if _, err := l.conn.Read(ctx, l.lun, uint32(firstLBA), uint16(numBlocks), raw); err != nil {
			return 0, fmt.Errorf("iscsi: write: read-modify-write fetch: %w", err)
		}
	}

	off := pos - firstLBA*bs
	copy(raw[off:], buf)

	if _, err := l.conn.Write(ctx, l.lun, uint32(firstLBA), uint16(numBlocks), raw); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Extents reports the entire LUN as one populated extent: iSCSI targets in
// this subset expose no thin-provisioning query (no UNMAP/Get LBA Status),
// so sparseness below the LUN is invisible at this layer.
func (l *LUN) Extents(ctx context.Context, start, length uint64) (sparse.ExtentIter, error) {
	end := start + length
	if end > l.Length() {
		end = l.Length()
	}
	if start >= end {
		return sparse.NewSliceExtentIter(nil), nil
	}
	return sparse.NewSliceExtentIter([]sparse.Extent{{Start: start, Length: end - start}}), nil
}

// Flush is a no-op: this LUN adapter buffers nothing locally, and the
// iSCSI subset implemented here has no SYNCHRONIZE CACHE CDB builder.
func (l *LUN) Flush(ctx context.Context) error { return nil }

// Close logs out the underlying connection.
func (l *LUN) Close() error {
	return l.conn.Logout(context.Background())
}
