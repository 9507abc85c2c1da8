package vhdx

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var errBadHeader = errors.New("bad header")

func TestRegionTableRoundTrip(t *testing.T) {
	rt := RegionTable{Entries: []RegionEntry{
		{GUID: RegionGUIDBAT, FileOff: 1 << 20, Length: 4096, Required: true},
		{GUID: RegionGUIDMetadata, FileOff: 2 << 20, Length: 8192, Required: false},
	}}
	b := rt.Serialize()
	got, err := ParseRegionTable(b)
	require.NoError(t, err)
	require.Equal(t, rt.Entries, got.Entries)

	e, ok := got.Find(RegionGUIDBAT)
	require.True(t, ok)
	require.EqualValues(t, 1<<20, e.FileOff)
}

func TestRegionTableRejectsBadSignature(t *testing.T) {
	b := make([]byte, regionTableSize)
	_, err := ParseRegionTable(b)
	require.Error(t, err)
}

func TestMetadataTableRoundTrip(t *testing.T) {
	mt := MetadataTable{Entries: []MetadataEntry{
		{GUID: MetaGUIDFileParameters, Offset: 65536, Length: 8, IsVirDsk: true},
		{GUID: MetaGUIDVirtualDiskSize, Offset: 65544, Length: 8, IsUser: true, IsVirDsk: true},
	}}
	b := mt.Serialize()
	got, err := ParseMetadataTable(b)
	require.NoError(t, err)
	require.Equal(t, mt.Entries, got.Entries)

	e, ok := got.Find(MetaGUIDVirtualDiskSize)
	require.True(t, ok)
	require.True(t, e.IsUser)
}

func TestFileParametersRoundTrip(t *testing.T) {
	fp := FileParameters{BlockSize: 2 << 20, LeaveBlocksAllocated: true, HasParent: true}
	got, err := ParseFileParameters(fp.Serialize())
	require.NoError(t, err)
	require.Equal(t, fp, got)
}

func TestVirtualDiskSizeRoundTrip(t *testing.T) {
	got, err := ParseVirtualDiskSize(SerializeVirtualDiskSize(64 << 20))
	require.NoError(t, err)
	require.EqualValues(t, 64<<20, got)
}

func TestLogicalSectorSizeRoundTrip(t *testing.T) {
	got, err := ParseLogicalSectorSize(SerializeLogicalSectorSize(4096))
	require.NoError(t, err)
	require.EqualValues(t, 4096, got)
}

func TestParentLocatorRoundTrip(t *testing.T) {
	pl := ParentLocator{
		LocatorType: ParentLocatorTypeVHDX,
		KeyValue: map[string]string{
			"relative_path":       `.\parent.vhdx`,
			"volume_path":         `\\?\Volume{deadbeef-0000-0000-0000-000000000000}\parent.vhdx`,
			"absolute_win32_path": `C:\images\parent.vhdx`,
		},
	}
	b, err := pl.Serialize()
	require.NoError(t, err)

	got, err := ParseParentLocator(b)
	require.NoError(t, err)
	require.Equal(t, pl.LocatorType, got.LocatorType)
	require.Equal(t, pl.KeyValue, got.KeyValue)
}

func TestHeaderRoundTripAndActiveHeaderTieBreak(t *testing.T) {
	h1 := Header{SequenceNumber: 3, FileWriteGuid: uuid.New(), LogGuid: uuid.New()}
	got, err := ParseHeader(h1.Serialize())
	require.NoError(t, err)
	require.Equal(t, h1, got)

	h2 := h1
	h2.SequenceNumber = 5

	active, err := ActiveHeader(h1, nil, h2, nil)
	require.NoError(t, err)
	require.Equal(t, h2, active)

	active, err = ActiveHeader(h2, nil, h1, nil)
	require.NoError(t, err)
	require.Equal(t, h2, active)
}

func TestActiveHeaderFallsBackWhenOneInvalid(t *testing.T) {
	h := Header{SequenceNumber: 1}
	active, err := ActiveHeader(h, nil, Header{}, errBadHeader)
	require.NoError(t, err)
	require.Equal(t, h, active)
}

func TestActiveHeaderErrorsWhenBothInvalid(t *testing.T) {
	_, err := ActiveHeader(Header{}, errBadHeader, Header{}, errBadHeader)
	require.Error(t, err)
}
