package vhd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitSetAndSetBit(t *testing.T) {
	b := make([]byte, 2)
	require.False(t, bitSet(b, 0))
	require.False(t, bitSet(b, 15))

	setBit(b, 0)
	require.True(t, bitSet(b, 0))
	require.Equal(t, byte(0x80), b[0])

	setBit(b, 15)
	require.True(t, bitSet(b, 15))
	require.Equal(t, byte(0x01), b[1])
}

func TestRunLengthAllClear(t *testing.T) {
	b := make([]byte, 4) // 32 sectors, all clear
	require.Equal(t, uint32(32), runLength(b, 0, 32))
}

func TestRunLengthAllSet(t *testing.T) {
	b := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	require.Equal(t, uint32(32), runLength(b, 0, 32))
}

func TestRunLengthStopsAtTransition(t *testing.T) {
	b := []byte{0xF0, 0x00} // first 4 bits set, rest clear
	require.Equal(t, uint32(4), runLength(b, 0, 16))
	require.Equal(t, uint32(12), runLength(b, 4, 16))
}

func TestRunLengthRespectsMax(t *testing.T) {
	b := []byte{0xFF}
	require.Equal(t, uint32(3), runLength(b, 0, 3))
}
