package vhdx

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/internal/buf"
	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/cwarnold/vdisk/pkg/sparse"
	"github.com/google/uuid"
)

// LogSectorSize is the 4 KiB alignment granularity of every log entry and
// every Data descriptor's payload sector.
const LogSectorSize = 4096

const (
	logEntrySignature = "loge"
	logZeroSignature  = "zero"
	logDataSignature  = "desc"

	logEntryHeaderSize = 64
	logDescriptorSize  = 32
)

// DescriptorKind distinguishes a Zero range-clear from a Data sector overwrite.
type DescriptorKind int

const (
	DescriptorZero DescriptorKind = iota
	DescriptorData
)

// Descriptor is one entry in a log entry's descriptor array.
type Descriptor struct {
	Kind           DescriptorKind
	FileOffset     uint64
	SequenceNumber uint64

	// Zero-only.
	ZeroLength uint64

	// Data-only: TrailingBytes holds the true final 4 bytes of the 4 KiB
	// payload sector, since that slot is repurposed in the data-sector copy
	// to carry the low 32 bits of SequenceNumber as a validity marker.
	TrailingBytes [4]byte
	SequenceHigh  uint32
}

// LogEntry is one self-contained record in the circular log: a header plus
// its descriptor array plus (for Data descriptors, in order) one 4 KiB
// payload sector each.
type LogEntry struct {
	SequenceNumber    uint64
	LogGuid           uuid.UUID
	Tail              uint32 // byte offset within the log of this sequence's first entry
	FlushedFileOffset uint64
	LastFileOffset    uint64
	Descriptors       []Descriptor
	DataSectors       [][]byte // raw 4 KiB payload sectors, one per Data descriptor, in order

	entryLength uint32
}

const (
	leChecksumOff   = 4
	leEntryLenOff   = 8
	leTailOff       = 12
	leSeqOff        = 16
	leDescCountOff  = 24
	leLogGuidOff    = 32
	leFlushedOff    = 48
	leLastOff       = 56
)

// NewZeroDescriptor builds a Zero descriptor clearing [fileOffset,
// +length) as of sequence.
func NewZeroDescriptor(fileOffset, length, sequence uint64) Descriptor {
	return Descriptor{Kind: DescriptorZero, FileOffset: fileOffset, ZeroLength: length, SequenceNumber: sequence}
}

// NewDataDescriptor builds a Data descriptor overwriting one 4 KiB sector
// at fileOffset with payload (which must be exactly LogSectorSize bytes),
// returning both the descriptor and the on-disk data-sector bytes (payload
// with its trailing 4 bytes replaced by the low 32 bits of sequence, per
// the format's validity marker).
func NewDataDescriptor(fileOffset, sequence uint64, payload []byte) (Descriptor, []byte) {
	var trailing [4]byte
	copy(trailing[:], payload[LogSectorSize-4:])

	sector := make([]byte, LogSectorSize)
	copy(sector, payload)
	buf.PutU32LE(sector[LogSectorSize-4:], uint32(sequence&0xFFFFFFFF))

	d := Descriptor{
		Kind:           DescriptorData,
		FileOffset:     fileOffset,
		SequenceNumber: sequence,
		TrailingBytes:  trailing,
		SequenceHigh:   uint32(sequence >> 32),
	}
	return d, sector
}

// Serialize encodes e into a 4 KiB-aligned log entry: header, descriptor
// array, then one 4 KiB data sector per Data descriptor (in dataSectors,
// which must align 1:1 with the Data descriptors in e.Descriptors).
func (e LogEntry) Serialize(dataSectors [][]byte) []byte {
	descStart := logEntryHeaderSize
	dataStart := descStart + len(e.Descriptors)*logDescriptorSize
	dataStart = ((dataStart + LogSectorSize - 1) / LogSectorSize) * LogSectorSize
	total := dataStart + len(dataSectors)*LogSectorSize
	total = ((total + LogSectorSize - 1) / LogSectorSize) * LogSectorSize

	b := make([]byte, total)
	copy(b[:4], []byte(logEntrySignature))
	buf.PutU32LE(b[leEntryLenOff:], uint32(total))
	buf.PutU32LE(b[leTailOff:], e.Tail)
	buf.PutU64LE(b[leSeqOff:], e.SequenceNumber)
	buf.PutU32LE(b[leDescCountOff:], uint32(len(e.Descriptors)))
	buf.PutGUID(b[leLogGuidOff:], e.LogGuid)
	buf.PutU64LE(b[leFlushedOff:], e.FlushedFileOffset)
	buf.PutU64LE(b[leLastOff:], e.LastFileOffset)

	dataIdx := 0
	for i, d := range e.Descriptors {
		off := descStart + i*logDescriptorSize
		dst := b[off : off+logDescriptorSize]
		switch d.Kind {
		case DescriptorZero:
			copy(dst[0:4], []byte(logZeroSignature))
			buf.PutU64LE(dst[8:16], d.ZeroLength)
			buf.PutU64LE(dst[16:24], d.FileOffset)
			buf.PutU64LE(dst[24:32], d.SequenceNumber)
		case DescriptorData:
			copy(dst[0:4], []byte(logDataSignature))
			copy(dst[4:8], d.TrailingBytes[:])
			buf.PutU64LE(dst[8:16], d.FileOffset)
			buf.PutU64LE(dst[16:24], d.SequenceNumber)
			buf.PutU32LE(dst[24:28], d.SequenceHigh)

			sectorOff := dataStart + dataIdx*LogSectorSize
			copy(b[sectorOff:sectorOff+LogSectorSize], dataSectors[dataIdx])
			dataIdx++
		}
	}

	checksum := crc32WithFieldZeroed(b, leChecksumOff)
	buf.PutU32LE(b[leChecksumOff:], checksum)
	return b
}

// ParseLogEntry decodes one log entry (header + descriptors + data
// sectors) starting at b[0]. b must be at least large enough to contain
// the full entry as declared by its EntryLength field.
func ParseLogEntry(b []byte) (LogEntry, error) {
	if len(b) < logEntryHeaderSize {
		return LogEntry{}, fmt.Errorf("vhdx: log entry: %w", sparse.ErrTruncated)
	}
	if !bytes.Equal(b[:4], []byte(logEntrySignature)) {
		return LogEntry{}, fmt.Errorf("vhdx: log entry: %w", sparse.ErrFormat)
	}

	entryLength := buf.U32LE(b[leEntryLenOff:])
	if entryLength == 0 || entryLength%LogSectorSize != 0 || int(entryLength) > len(b) {
		return LogEntry{}, fmt.Errorf("vhdx: log entry: bad entry length %d: %w", entryLength, sparse.ErrFormat)
	}

	want := buf.U32LE(b[leChecksumOff:])
	scratch := make([]byte, entryLength)
	copy(scratch, b[:entryLength])
	buf.PutU32LE(scratch[leChecksumOff:], 0)
	if got := buf.CRC32C(scratch); got != want {
		return LogEntry{}, fmt.Errorf("vhdx: log entry: checksum mismatch: %w", sparse.ErrFormat)
	}

	descCount := buf.U32LE(b[leDescCountOff:])
	e := LogEntry{
		SequenceNumber:    buf.U64LE(b[leSeqOff:]),
		LogGuid:           buf.GUID(b[leLogGuidOff:]),
		Tail:              buf.U32LE(b[leTailOff:]),
		FlushedFileOffset: buf.U64LE(b[leFlushedOff:]),
		LastFileOffset:    buf.U64LE(b[leLastOff:]),
		entryLength:       entryLength,
	}

	descStart := logEntryHeaderSize
	dataStart := descStart + int(descCount)*logDescriptorSize
	// Data sectors begin on the next 4 KiB boundary after the descriptor array.
	dataStart = ((dataStart + LogSectorSize - 1) / LogSectorSize) * LogSectorSize

	dataIdx := 0
	for i := uint32(0); i < descCount; i++ {
		off := descStart + int(i)*logDescriptorSize
		d := b[off : off+logDescriptorSize]
		switch {
		case bytes.Equal(d[0:4], []byte(logZeroSignature)):
			e.Descriptors = append(e.Descriptors, Descriptor{
				Kind:           DescriptorZero,
				ZeroLength:     buf.U64LE(d[8:16]),
				FileOffset:     buf.U64LE(d[16:24]),
				SequenceNumber: buf.U64LE(d[24:32]),
			})
		case bytes.Equal(d[0:4], []byte(logDataSignature)):
			var trailing [4]byte
			copy(trailing[:], d[4:8])
			desc := Descriptor{
				Kind:           DescriptorData,
				TrailingBytes:  trailing,
				FileOffset:     buf.U64LE(d[8:16]),
				SequenceNumber: buf.U64LE(d[16:24]),
				SequenceHigh:   buf.U32LE(d[24:28]),
			}
			e.Descriptors = append(e.Descriptors, desc)

			sectorOff := dataStart + dataIdx*LogSectorSize
			if sectorOff+LogSectorSize > len(b) {
				return LogEntry{}, fmt.Errorf("vhdx: log entry: data sector %d out of range: %w", dataIdx, sparse.ErrTruncated)
			}
			sector := make([]byte, LogSectorSize)
			copy(sector, b[sectorOff:sectorOff+LogSectorSize])
			e.DataSectors = append(e.DataSectors, sector)
			dataIdx++
		default:
			return LogEntry{}, fmt.Errorf("vhdx: log entry: unrecognized descriptor signature: %w", sparse.ErrFormat)
		}
	}

	return e, nil
}

// validDataDescriptor reports whether the i-th Data descriptor's
// cross-check passes: the descriptor's SequenceHigh must equal
// sequence>>32, and the raw data sector's trailing u32 must equal
// sequence&0xFFFFFFFF.
func (e LogEntry) validDataDescriptor(i int) bool {
	d := e.Descriptors[i]
	if d.Kind != DescriptorData {
		return false
	}
	if d.SequenceHigh != uint32(e.SequenceNumber>>32) {
		return false
	}
	var sectorIdx int
	for j := 0; j < i; j++ {
		if e.Descriptors[j].Kind == DescriptorData {
			sectorIdx++
		}
	}
	if sectorIdx >= len(e.DataSectors) {
		return false
	}
	trailing := buf.U32LE(e.DataSectors[sectorIdx][LogSectorSize-4:])
	return trailing == uint32(e.SequenceNumber&0xFFFFFFFF)
}

// reconstructedPayload returns the true 4 KiB sector content for the i-th
// Data descriptor, substituting TrailingBytes back over the validation
// marker.
func (e LogEntry) reconstructedPayload(i int) []byte {
	d := e.Descriptors[i]
	var sectorIdx int
	for j := 0; j < i; j++ {
		if e.Descriptors[j].Kind == DescriptorData {
			sectorIdx++
		}
	}
	out := make([]byte, LogSectorSize)
	copy(out, e.DataSectors[sectorIdx])
	copy(out[LogSectorSize-4:], d.TrailingBytes[:])
	return out
}

// ReplayLog scans the circular log region [logOffset, logOffset+logLength)
// of s, selects the longest self-consistent sequence chain whose head's
// Tail references a position inside the chain and which has the highest
// sequence number among candidates, and applies its descriptors in order.
// Returns the logical end-of-stream offset the caller should seek to
// (head.LastFileOffset), or 0 if there was nothing to replay.
func ReplayLog(ctx context.Context, s hoststream.Stream, logOffset, logLength uint64, logGuid uuid.UUID) (uint64, error) {
	if logLength == 0 {
		return 0, nil
	}

	type posEntry struct {
		pos   uint64
		entry LogEntry
	}

	var entries []posEntry

	for pos := uint64(0); pos+LogSectorSize <= logLength; pos += LogSectorSize {
		hdr := make([]byte, LogSectorSize)
		if _, err := s.ReadAt(hdr, int64(logOffset+pos)); err != nil {
			continue
		}
		if !bytes.Equal(hdr[:4], []byte(logEntrySignature)) {
			continue
		}
		entryLength := buf.U32LE(hdr[leEntryLenOff:])
		if entryLength == 0 || entryLength%LogSectorSize != 0 || pos+uint64(entryLength) > logLength {
			continue
		}
		full := make([]byte, entryLength)
		if _, err := s.ReadAt(full, int64(logOffset+pos)); err != nil {
			continue
		}
		e, err := ParseLogEntry(full)
		if err != nil {
			continue
		}
		if e.LogGuid != logGuid {
			continue
		}
		entries = append(entries, posEntry{pos: pos, entry: e})
	}

	if len(entries) == 0 {
		return 0, nil
	}

	// Build every maximal run of entries with strictly consecutive sequence
	// numbers, in the order encountered on disk (the circular buffer lays
	// sequences out in ascending disk-offset order within one wrap), then
	// keep only the runs that are self-consistent: the run's head (highest
	// sequence number, last in the run) must carry a Tail that references
	// the disk position of the run's own oldest entry. Among the
	// self-consistent candidates, the longest run wins, breaking ties by
	// the highest head sequence number.
	var runs [][]posEntry
	var cur []posEntry
	for _, pe := range entries {
		if len(cur) == 0 || pe.entry.SequenceNumber == cur[len(cur)-1].entry.SequenceNumber+1 {
			cur = append(cur, pe)
		} else {
			runs = append(runs, cur)
			cur = []posEntry{pe}
		}
	}
	runs = append(runs, cur)

	var bestRunPE []posEntry
	for _, run := range runs {
		head := run[len(run)-1].entry
		tail := run[0]
		if uint64(head.Tail) != tail.pos {
			continue
		}
		if len(run) > len(bestRunPE) ||
			(len(run) == len(bestRunPE) && head.SequenceNumber > bestRunPE[len(bestRunPE)-1].entry.SequenceNumber) {
			bestRunPE = run
		}
	}

	if len(bestRunPE) == 0 {
		return 0, nil
	}

	bestRun := make([]LogEntry, len(bestRunPE))
	for i, pe := range bestRunPE {
		bestRun[i] = pe.entry
	}

	// bestRun is ordered oldest (tail) first, newest (head) last: the head
	// carries the authoritative FlushedFileOffset/LastFileOffset for the
	// whole chain.
	head := bestRun[len(bestRun)-1]
	if head.FlushedFileOffset > 0 {
		size, err := s.Size()
		if err != nil {
			return 0, fmt.Errorf("vhdx: log replay: %w", err)
		}
		if head.FlushedFileOffset > uint64(size) {
			return 0, fmt.Errorf("vhdx: log replay: flushed offset %d past file length %d: %w", head.FlushedFileOffset, size, sparse.ErrTruncated)
		}
	}

	for _, e := range bestRun {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("vhdx: %w", sparse.ErrCancelled)
		}
		dataIdx := 0
		for i, d := range e.Descriptors {
			switch d.Kind {
			case DescriptorZero:
				zeros := make([]byte, d.ZeroLength)
				if _, err := s.WriteAt(zeros, int64(d.FileOffset)); err != nil {
					return 0, fmt.Errorf("vhdx: log replay: apply zero descriptor: %w", err)
				}
			case DescriptorData:
				if e.validDataDescriptor(i) {
					payload := e.reconstructedPayload(i)
					if _, err := s.WriteAt(payload, int64(d.FileOffset)); err != nil {
						return 0, fmt.Errorf("vhdx: log replay: apply data descriptor: %w", err)
					}
				}
				dataIdx++
			}
		}
	}

	return head.LastFileOffset, nil
}
