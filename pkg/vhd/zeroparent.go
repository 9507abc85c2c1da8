package vhd

import (
	"context"

	"github.com/cwarnold/vdisk/pkg/sparse"
)

// zeroParent is the implicit all-zero parent used by non-differencing
// dynamic disks: any sector whose presence bit is clear reads as zero.
type zeroParent struct {
	length uint64
}

func (z zeroParent) ReadAt(ctx context.Context, pos uint64, p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func (z zeroParent) WriteAt(ctx context.Context, pos uint64, p []byte) (int, error) {
	return 0, sparse.ErrNotImplemented
}

func (z zeroParent) Length() uint64 { return z.length }

func (z zeroParent) Extents(ctx context.Context, start, length uint64) (sparse.ExtentIter, error) {
	return sparse.EmptyExtentIter{}, nil
}

func (z zeroParent) Flush(ctx context.Context) error { return nil }
func (z zeroParent) Close() error                    { return nil }
