package vhd

import (
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/cwarnold/vdisk/pkg/sparse"
)

// FixedDisk is a VHD whose logical bytes are stored as one flat, contiguous
// region preceding the footer, with no BAT or bitmaps (supplement §5.1: the
// original spec narrates only the dynamic engine, but the Fixed disk type
// named in its own data model needs a reader). Creating a new Fixed VHD
// remains out of scope (ErrNotImplemented); this opens and reads/writes
// within an existing one's declared capacity.
type FixedDisk struct {
	s      hoststream.Stream
	footer Footer
	length uint64
}

// OpenFixed opens an existing Fixed VHD image backed by s.
func OpenFixed(ctx context.Context, s hoststream.Stream) (*FixedDisk, error) {
	size, err := s.Size()
	if err != nil {
		return nil, fmt.Errorf("vhd: %w", err)
	}
	if size < FooterSize {
		return nil, fmt.Errorf("vhd: %w", sparse.ErrTruncated)
	}

	trailing := make([]byte, FooterSize)
	if _, err := s.ReadAt(trailing, size-FooterSize); err != nil {
		return nil, fmt.Errorf("vhd: read footer: %w", err)
	}
	footer, err := ParseFooter(trailing)
	if err != nil {
		return nil, err
	}
	if footer.DiskType != DiskTypeFixed {
		return nil, fmt.Errorf("vhd: disk type %s is not Fixed: %w", footer.DiskType, sparse.ErrFormat)
	}

	return &FixedDisk{s: s, footer: footer, length: footer.CurrentSize}, nil
}

// CreateFixed is deliberately unimplemented: the spec excludes write support
// for fixed-VHD creation.
func CreateFixed(ctx context.Context, s hoststream.Stream, size uint64) (*FixedDisk, error) {
	return nil, fmt.Errorf("vhd: create fixed disk: %w", sparse.ErrNotImplemented)
}

func (f *FixedDisk) Length() uint64 { return f.length }

func (f *FixedDisk) ReadAt(ctx context.Context, pos uint64, out []byte) (int, error) {
	if pos > f.length {
		return 0, fmt.Errorf("vhd: read at %d past length %d: %w", pos, f.length, sparse.ErrOutOfRange)
	}
	if len(out) == 0 || pos == f.length {
		return 0, nil
	}
	n := len(out)
	if remain := f.length - pos; uint64(n) > remain {
		n = int(remain)
	}
	read, err := f.s.ReadAt(out[:n], int64(pos))
	if err != nil {
		return read, fmt.Errorf("vhd: fixed read: %w", err)
	}
	return read, nil
}

func (f *FixedDisk) WriteAt(ctx context.Context, pos uint64, in []byte) (int, error) {
	if pos+uint64(len(in)) > f.length {
		return 0, fmt.Errorf("vhd: write would extend length: %w", sparse.ErrOutOfRange)
	}
	n, err := f.s.WriteAt(in, int64(pos))
	if err != nil {
		return n, fmt.Errorf("vhd: fixed write: %w", err)
	}
	return n, nil
}

// Extents always yields the single full-range extent, since a Fixed disk
// has no sparse regions by construction.
func (f *FixedDisk) Extents(ctx context.Context, start, length uint64) (sparse.ExtentIter, error) {
	end := start + length
	if end > f.length {
		end = f.length
	}
	if start >= end {
		return sparse.EmptyExtentIter{}, nil
	}
	return sparse.NewSliceExtentIter([]sparse.Extent{{Start: start, Length: end - start}}), nil
}

func (f *FixedDisk) Flush(ctx context.Context) error { return f.s.Sync() }
func (f *FixedDisk) Close() error                    { return f.s.Close() }
