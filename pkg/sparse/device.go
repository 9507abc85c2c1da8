package sparse

import "context"

// BlockDevice is the caller-facing API every image/session backend
// implements: the external interface named in the spec.
type BlockDevice interface {
	// ReadAt reads len(buf) bytes starting at pos, returning the number of
	// bytes read. A read that lands exactly at Length returns (0, nil); a
	// read that starts past Length returns ErrOutOfRange.
	ReadAt(ctx context.Context, pos uint64, buf []byte) (int, error)

	// WriteAt writes buf starting at pos. It must not extend Length.
	WriteAt(ctx context.Context, pos uint64, buf []byte) (int, error)

	// Length returns the logical size of the device in bytes.
	Length() uint64

	// Extents enumerates the populated byte ranges intersecting
	// [start, start+length), in ascending, non-overlapping order.
	Extents(ctx context.Context, start, length uint64) (ExtentIter, error)

	// Flush persists any buffered metadata (bitmaps, BAT, headers) to the
	// backing store.
	Flush(ctx context.Context) error

	// Close releases the device's resources. Flush is not implied; callers
	// that need durability must Flush first.
	Close() error
}

// Extent is a populated byte range: [Start, Start+Length).
type Extent struct {
	Start  uint64
	Length uint64
}

// ExtentIter iterates extents in ascending order, mirroring the teacher's
// NodeIter/ValueIter shape: Next advances, Extent/Err inspect the current
// state.
type ExtentIter interface {
	Next() bool
	Extent() Extent
	Err() error
}

// SliceExtentIter adapts a pre-computed []Extent to ExtentIter.
type SliceExtentIter struct {
	data []Extent
	idx  int
}

// NewSliceExtentIter returns an ExtentIter over a fixed slice of extents.
func NewSliceExtentIter(extents []Extent) *SliceExtentIter {
	return &SliceExtentIter{data: extents}
}

func (it *SliceExtentIter) Next() bool {
	if it.idx >= len(it.data) {
		return false
	}
	it.idx++
	return true
}

func (it *SliceExtentIter) Extent() Extent {
	if it.idx == 0 || it.idx > len(it.data) {
		return Extent{}
	}
	return it.data[it.idx-1]
}

func (it *SliceExtentIter) Err() error { return nil }

// EmptyExtentIter is an ExtentIter that yields nothing, used for
// freshly-initialized sparse images with no writes yet.
type EmptyExtentIter struct{}

func (EmptyExtentIter) Next() bool    { return false }
func (EmptyExtentIter) Extent() Extent { return Extent{} }
func (EmptyExtentIter) Err() error    { return nil }

// CollectExtents drains an ExtentIter into a slice; a convenience for tests
// and for callers that don't need streaming iteration.
func CollectExtents(it ExtentIter) ([]Extent, error) {
	var out []Extent
	for it.Next() {
		out = append(out, it.Extent())
	}
	return out, it.Err()
}
