package vhd

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{
		Features:           2,
		FileFormatVersion:  formatVersion,
		DataOffset:         512,
		TimeStamp:          time.Now().UTC().Truncate(time.Second),
		CreatorApplication: 0x76646973,
		OriginalSize:       64 << 20,
		CurrentSize:        64 << 20,
		Cylinders:          512,
		Heads:              16,
		SectorsPerTrack:    63,
		DiskType:           DiskTypeDynamic,
		UniqueID:           uuid.New(),
	}

	b := f.Serialize()
	require.Len(t, b, FooterSize)

	got, err := ParseFooter(b)
	require.NoError(t, err)
	require.Equal(t, f.DiskType, got.DiskType)
	require.Equal(t, f.CurrentSize, got.CurrentSize)
	require.Equal(t, f.UniqueID, got.UniqueID)
	require.Equal(t, f.TimeStamp, got.TimeStamp)
	require.Equal(t, f.Cylinders, got.Cylinders)
}

func TestFooterChecksumMismatchRejected(t *testing.T) {
	f := Footer{DiskType: DiskTypeDynamic, CurrentSize: 1024}
	b := f.Serialize()
	b[footerChecksumOff] ^= 0xFF // corrupt the checksum

	_, err := ParseFooter(b)
	require.Error(t, err)
}

func TestFooterBadCookieRejected(t *testing.T) {
	f := Footer{DiskType: DiskTypeDynamic}
	b := f.Serialize()
	b[0] = 'X'

	_, err := ParseFooter(b)
	require.Error(t, err)
}

func TestFooterTruncatedRejected(t *testing.T) {
	_, err := ParseFooter(make([]byte, 10))
	require.Error(t, err)
}

func TestGeometryForSize(t *testing.T) {
	cyl, heads, spt := GeometryForSize(64 << 20)
	require.NotZero(t, cyl)
	require.NotZero(t, heads)
	require.NotZero(t, spt)
}
