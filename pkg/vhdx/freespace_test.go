package vhdx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeSpaceTableAllocateExtendsFileWhenNoRegionFits(t *testing.T) {
	ft := NewFreeSpaceTable(1 << 20)
	off := ft.Allocate(1 << 20)
	require.EqualValues(t, 1<<20, off)
	require.EqualValues(t, 2<<20, ft.FileEnd())
}

func TestFreeSpaceTableAllocateRoundsGrowthUpToMiB(t *testing.T) {
	ft := NewFreeSpaceTable(0)
	off := ft.Allocate(100)
	require.Zero(t, off)
	require.EqualValues(t, 1<<20, ft.FileEnd())
}

func TestFreeSpaceTableAllocateUsesFreeRegionFirst(t *testing.T) {
	ft := NewFreeSpaceTable(1 << 20)
	ft.AddFree(0, 4096)
	off := ft.Allocate(4096)
	require.Zero(t, off)
	require.EqualValues(t, 1<<20, ft.FileEnd()) // growth untouched
}

func TestFreeSpaceTableCoalescesAdjacentRegions(t *testing.T) {
	ft := NewFreeSpaceTable(1 << 20)
	ft.AddFree(4096, 4096)
	ft.AddFree(0, 4096)
	require.Len(t, ft.regions, 1)
	require.Equal(t, freeRegion{Start: 0, Length: 8192}, ft.regions[0])
}

func TestFreeSpaceTablePartialRegionConsumption(t *testing.T) {
	ft := NewFreeSpaceTable(1 << 20)
	ft.AddFree(0, 8192)
	off := ft.Allocate(4096)
	require.Zero(t, off)
	require.Len(t, ft.regions, 1)
	require.Equal(t, freeRegion{Start: 4096, Length: 4096}, ft.regions[0])
}
