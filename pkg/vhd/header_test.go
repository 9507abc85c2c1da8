package vhd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDynamicHeaderRoundTrip(t *testing.T) {
	h := DynamicHeader{
		TableOffset:     1536,
		MaxTableEntries: 32,
		BlockSize:       DefaultBlockSize,
		ParentName:      "parent.vhd",
	}
	b := h.Serialize()
	require.Len(t, b, DynamicHeaderSize)

	got, err := ParseDynamicHeader(b)
	require.NoError(t, err)
	require.Equal(t, h.TableOffset, got.TableOffset)
	require.Equal(t, h.MaxTableEntries, got.MaxTableEntries)
	require.Equal(t, h.BlockSize, got.BlockSize)
	require.Equal(t, h.ParentName, got.ParentName)
}

func TestBlockBitmapSizeDefaultBlock(t *testing.T) {
	// 2 MiB block / 512-byte sector = 4096 sectors = 512 bitmap bytes = 1 sector.
	require.Equal(t, uint32(512), BlockBitmapSize(DefaultBlockSize))
}

func TestBlockBitmapSizeRoundsUpToSector(t *testing.T) {
	// A tiny 4 KiB block still needs a full 512-byte bitmap sector.
	require.Equal(t, uint32(512), BlockBitmapSize(4096))
}
