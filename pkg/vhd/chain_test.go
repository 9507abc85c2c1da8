package vhd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/stretchr/testify/require"
)

// preCreateEmpty creates an empty file at path so hoststream.OpenFile (which
// never passes O_CREATE) has something to open.
func preCreateEmpty(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestOpenChainResolvesParentFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "parent.vhd")
	childPath := filepath.Join(dir, "child.vhd")

	preCreateEmpty(t, parentPath)
	preCreateEmpty(t, childPath)

	parentStream, err := hoststream.OpenFile(parentPath)
	require.NoError(t, err)
	parentDisk, err := CreateDynamic(ctx, parentStream, 1<<20, 0, DefaultOpenOptions())
	require.NoError(t, err)

	payload := make([]byte, SectorSize)
	for i := range payload {
		payload[i] = 0x5A
	}
	_, err = parentDisk.WriteAt(ctx, 0, payload)
	require.NoError(t, err)
	require.NoError(t, parentDisk.Flush(ctx))
	require.NoError(t, parentDisk.Close())

	// CreateDynamic needs a live Parent to build the differencing child
	// against; reopen the parent read-write for that purpose.
	parentForCreate, err := hoststream.OpenFile(parentPath)
	require.NoError(t, err)
	parentDiskForCreate, err := Open(ctx, parentForCreate, DefaultOpenOptions())
	require.NoError(t, err)

	childStream, err := hoststream.OpenFile(childPath)
	require.NoError(t, err)
	childDisk, err := CreateDynamic(ctx, childStream, 1<<20, 0, OpenOptions{
		AutoCommitFooter: true,
		Parent:           parentDiskForCreate,
		ParentPath:       parentPath,
	})
	require.NoError(t, err)
	require.NoError(t, childDisk.Close()) // also closes parentDiskForCreate, since it is the child's parent

	// OpenChain must open the child read-write via FileStream and the
	// resolved parent read-only via the mmap fast path, then serve a read
	// that falls through to the parent's data.
	reopened, err := OpenChain(ctx, childPath, DefaultOpenOptions())
	require.NoError(t, err)
	defer reopened.Close()

	out := make([]byte, SectorSize)
	_, err = reopened.ReadAt(ctx, 0, out)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestOpenChainNonDifferencingHasNoParentToResolve(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.vhd")
	preCreateEmpty(t, path)

	s, err := hoststream.OpenFile(path)
	require.NoError(t, err)
	d, err := CreateDynamic(ctx, s, 1<<20, 0, DefaultOpenOptions())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	reopened, err := OpenChain(ctx, path, DefaultOpenOptions())
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint64(1<<20), reopened.Length())
}
