package vhdx

import (
	"bytes"
	"context"
	"testing"

	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestScenarioS4 implements the spec's S4 scenario: replay a log of three
// consecutive entries {seq=5 Zero(0,4096), seq=6 Data(4096,payload),
// seq=7 Zero(8192,4096)} and verify the resulting file bytes.
func TestScenarioS4(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	logGuid := uuid.New()

	payload := bytes.Repeat([]byte{0x7E}, LogSectorSize)

	e5 := LogEntry{SequenceNumber: 5, LogGuid: logGuid, Tail: 0,
		Descriptors: []Descriptor{NewZeroDescriptor(0, 4096, 5)}}
	b5 := e5.Serialize(nil)

	dataDesc, dataSector := NewDataDescriptor(4096, 6, payload)
	e6 := LogEntry{SequenceNumber: 6, LogGuid: logGuid, Tail: 0,
		Descriptors: []Descriptor{dataDesc}}
	b6 := e6.Serialize([][]byte{dataSector})

	e7 := LogEntry{SequenceNumber: 7, LogGuid: logGuid, Tail: 0,
		FlushedFileOffset: 0, LastFileOffset: 12288,
		Descriptors: []Descriptor{NewZeroDescriptor(8192, 4096, 7)}}
	b7 := e7.Serialize(nil)

	logOffset := uint64(0)
	off := int64(logOffset)
	_, err := s.WriteAt(b5, off)
	require.NoError(t, err)
	off += int64(len(b5))
	_, err = s.WriteAt(b6, off)
	require.NoError(t, err)
	off += int64(len(b6))
	_, err = s.WriteAt(b7, off)
	require.NoError(t, err)
	off += int64(len(b7))

	logLength := uint64(off) - logOffset

	last, err := ReplayLog(ctx, s, logOffset, logLength, logGuid)
	require.NoError(t, err)
	require.Equal(t, uint64(12288), last)

	want := make([]byte, 12288)
	copy(want[4096:8192], payload)
	require.Equal(t, want, s.Bytes()[:12288])
}

func TestReplayLogEmptyLogIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	last, err := ReplayLog(ctx, s, 0, 0, uuid.New())
	require.NoError(t, err)
	require.Zero(t, last)
}

// TestReplayLogDeterministicUnderDoubleApply is universal property #7: log
// replay is idempotent because applying the same Zero/Data descriptors
// twice produces the same file bytes as applying them once.
func TestReplayLogDeterministicUnderDoubleApply(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	logGuid := uuid.New()

	payload := bytes.Repeat([]byte{0x99}, LogSectorSize)
	dataDesc, dataSector := NewDataDescriptor(0, 1, payload)
	e := LogEntry{SequenceNumber: 1, LogGuid: logGuid, Descriptors: []Descriptor{dataDesc}}
	b := e.Serialize([][]byte{dataSector})

	_, err := s.WriteAt(b, 0)
	require.NoError(t, err)

	_, err = ReplayLog(ctx, s, 0, uint64(len(b)), logGuid)
	require.NoError(t, err)
	first := append([]byte(nil), s.Bytes()[:LogSectorSize]...)

	_, err = s.WriteAt(b, 0)
	require.NoError(t, err)
	_, err = ReplayLog(ctx, s, 0, uint64(len(b)), logGuid)
	require.NoError(t, err)
	second := s.Bytes()[:LogSectorSize]

	require.Equal(t, first, second)
	require.Equal(t, payload, second)
}

// TestReplayLogPrefersSelfConsistentChainOverDanglingHead covers spec.md
// §4.F step 3's candidate-disambiguation rule: a longer run whose head's
// Tail does not reference that run's own oldest entry must be rejected in
// favor of a shorter run that is actually self-consistent.
func TestReplayLogPrefersSelfConsistentChainOverDanglingHead(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	logGuid := uuid.New()

	// Chain A: seq 1 -> 2, both correctly backreferencing pos 0 (seq 1's
	// own disk position, the tail of this chain).
	eA1 := LogEntry{SequenceNumber: 1, LogGuid: logGuid, Tail: 0,
		Descriptors: []Descriptor{NewZeroDescriptor(0, 4096, 1)}}
	bA1 := eA1.Serialize(nil)

	eA2 := LogEntry{SequenceNumber: 2, LogGuid: logGuid, Tail: 0,
		LastFileOffset: 100,
		Descriptors:    []Descriptor{NewZeroDescriptor(4096, 4096, 2)}}
	bA2 := eA2.Serialize(nil)

	// Chain B: seq 10 -> 11 -> 12, longer than chain A, but its head (seq
	// 12) carries a dangling Tail that does not reference seq 10's actual
	// disk position (8192) — it must be rejected despite being longer.
	eB1 := LogEntry{SequenceNumber: 10, LogGuid: logGuid, Tail: 8192,
		Descriptors: []Descriptor{NewZeroDescriptor(20480, 4096, 10)}}
	bB1 := eB1.Serialize(nil)

	eB2 := LogEntry{SequenceNumber: 11, LogGuid: logGuid, Tail: 8192,
		Descriptors: []Descriptor{NewZeroDescriptor(24576, 4096, 11)}}
	bB2 := eB2.Serialize(nil)

	eB3 := LogEntry{SequenceNumber: 12, LogGuid: logGuid, Tail: 999999,
		LastFileOffset: 999,
		Descriptors:    []Descriptor{NewZeroDescriptor(28672, 4096, 12)}}
	bB3 := eB3.Serialize(nil)

	logOffset := uint64(0)
	off := int64(logOffset)
	for _, b := range [][]byte{bA1, bA2, bB1, bB2, bB3} {
		_, err := s.WriteAt(b, off)
		require.NoError(t, err)
		off += int64(len(b))
	}
	logLength := uint64(off) - logOffset

	last, err := ReplayLog(ctx, s, logOffset, logLength, logGuid)
	require.NoError(t, err)
	require.Equal(t, uint64(100), last)
}

func TestReplayLogIgnoresEntriesWithWrongLogGuid(t *testing.T) {
	ctx := context.Background()
	s := hoststream.NewMemStream()
	e := LogEntry{SequenceNumber: 1, LogGuid: uuid.New(),
		Descriptors: []Descriptor{NewZeroDescriptor(0, 4096, 1)}}
	b := e.Serialize(nil)
	_, err := s.WriteAt(b, 0)
	require.NoError(t, err)

	last, err := ReplayLog(ctx, s, 0, uint64(len(b)), uuid.New())
	require.NoError(t, err)
	require.Zero(t, last)
}
