package vhdx

import "sort"

// freeRegion is a [Start, Start+Length) byte range not in use by any fixed
// structure, BAT, metadata item, log, or already-allocated payload/bitmap
// block.
type freeRegion struct {
	Start  uint64
	Length uint64
}

// FreeSpaceTable tracks unused byte ranges in the file so new payload and
// sector-bitmap blocks can be placed without overlapping existing regions,
// per the spec's §4.G write policy ("allocate via FreeSpaceTable;
// first-fit").
type FreeSpaceTable struct {
	regions []freeRegion // kept sorted and coalesced by Start
	fileEnd uint64
}

// NewFreeSpaceTable builds a table whose sole free region starts at
// fileEnd, with everything before it (headers, region table, BAT, metadata,
// log) reserved by the caller never adding it as free.
func NewFreeSpaceTable(fileEnd uint64) *FreeSpaceTable {
	return &FreeSpaceTable{fileEnd: fileEnd}
}

// AddFree records [start, start+length) as available for allocation
// (used when constructing the table from an existing image's unused gaps).
func (t *FreeSpaceTable) AddFree(start, length uint64) {
	if length == 0 {
		return
	}
	t.regions = append(t.regions, freeRegion{Start: start, Length: length})
	sort.Slice(t.regions, func(i, j int) bool { return t.regions[i].Start < t.regions[j].Start })
	t.coalesce()
}

func (t *FreeSpaceTable) coalesce() {
	if len(t.regions) < 2 {
		return
	}
	out := t.regions[:1]
	for _, r := range t.regions[1:] {
		last := &out[len(out)-1]
		if last.Start+last.Length == r.Start {
			last.Length += r.Length
		} else {
			out = append(out, r)
		}
	}
	t.regions = out
}

// Allocate reserves size bytes, first-fit, returning the chosen offset. If
// no free region is large enough, the file is extended (rounded up to
// 1 MiB) and the new tail space is used.
func (t *FreeSpaceTable) Allocate(size uint64) uint64 {
	for i, r := range t.regions {
		if r.Length >= size {
			off := r.Start
			if r.Length == size {
				t.regions = append(t.regions[:i], t.regions[i+1:]...)
			} else {
				t.regions[i] = freeRegion{Start: r.Start + size, Length: r.Length - size}
			}
			return off
		}
	}

	const mib = 1024 * 1024
	grown := ((size + mib - 1) / mib) * mib
	off := t.fileEnd
	t.fileEnd += grown
	if grown > size {
		t.regions = append(t.regions, freeRegion{Start: off + size, Length: grown - size})
		sort.Slice(t.regions, func(i, j int) bool { return t.regions[i].Start < t.regions[j].Start })
	}
	return off
}

// FileEnd returns the current logical end of the file (the high-water mark
// of all allocations made through this table).
func (t *FreeSpaceTable) FileEnd() uint64 { return t.fileEnd }
