package vhdx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitSetAndSetBit(t *testing.T) {
	b := make([]byte, 2)
	require.False(t, bitSet(b, 0))
	setBit(b, 0)
	require.True(t, bitSet(b, 0))
	require.False(t, bitSet(b, 1))
	setBit(b, 15)
	require.True(t, bitSet(b, 15))
}

func TestRunLengthAllClear(t *testing.T) {
	b := make([]byte, 4)
	require.EqualValues(t, 32, runLength(b, 0, 32))
}

func TestRunLengthAllSet(t *testing.T) {
	b := bytesFull(4)
	require.EqualValues(t, 32, runLength(b, 0, 32))
}

func TestRunLengthStopsAtTransition(t *testing.T) {
	b := make([]byte, 2)
	setBit(b, 5)
	require.EqualValues(t, 5, runLength(b, 0, 16))
}

func TestRunLengthRespectsMax(t *testing.T) {
	b := make([]byte, 4)
	require.EqualValues(t, 3, runLength(b, 0, 3))
}

func bytesFull(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}
