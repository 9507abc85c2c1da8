package vhdx

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cwarnold/vdisk/internal/hoststream"
)

// OpenChain opens the VHDX image at path and, if its FileParameters item
// marks it as differencing, recursively opens its parent chain by resolving
// the ParentLocator metadata item to a filesystem path. The root image is
// opened read-write via hoststream.OpenFile; every ancestor is opened
// through the read-only mmap fast path (hoststream.OpenMappedReadOnly) and
// skips the open-for-write ritual, since its stream cannot be written.
func OpenChain(ctx context.Context, path string, opts OpenOptions) (*Disk, error) {
	s, err := hoststream.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("vhdx: open chain %s: %w", path, err)
	}
	return openChainFrom(ctx, s, path, opts, true)
}

func openParentChain(ctx context.Context, path string) (*Disk, error) {
	s, err := hoststream.OpenMappedReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("vhdx: open parent %s: %w", path, err)
	}
	return openChainFrom(ctx, s, path, OpenOptions{}, false)
}

func openChainFrom(ctx context.Context, s hoststream.Stream, path string, opts OpenOptions, performRitual bool) (*Disk, error) {
	if opts.Parent == nil {
		parentPath, err := peekParentPath(s, path)
		if err != nil {
			return nil, err
		}
		if parentPath != "" {
			parent, err := openParentChain(ctx, parentPath)
			if err != nil {
				return nil, err
			}
			opts.Parent = parent
		}
	}
	return open(ctx, s, opts, performRitual)
}

// peekParentPath reads just enough of s's region and metadata tables to
// tell whether it is a differencing image and, if so, resolve its parent's
// path from the ParentLocator metadata item — this must happen before Open
// can be called, since Open requires the parent to already be supplied via
// OpenOptions.Parent. The region table's location is fixed regardless of
// which header is active, so this peek does not need the open-for-write
// ritual that Open performs.
func peekParentPath(s hoststream.Stream, path string) (string, error) {
	size, err := s.Size()
	if err != nil {
		return "", err
	}
	if size < FirstMetadataOffset {
		return "", nil // Open will reject this; nothing to resolve here.
	}

	regionBuf := make([]byte, regionTableSize)
	if _, err := s.ReadAt(regionBuf, RegionTable1Offset); err != nil {
		return "", err
	}
	rt, err := ParseRegionTable(regionBuf)
	if err != nil {
		regionBuf2 := make([]byte, regionTableSize)
		if _, err2 := s.ReadAt(regionBuf2, RegionTable2Offset); err2 != nil {
			return "", nil
		}
		rt, err = ParseRegionTable(regionBuf2)
		if err != nil {
			return "", nil
		}
	}

	metaEntry, ok := rt.Find(RegionGUIDMetadata)
	if !ok {
		return "", nil
	}
	metaBlob := make([]byte, metaEntry.Length)
	if _, err := s.ReadAt(metaBlob, int64(metaEntry.FileOff)); err != nil {
		return "", err
	}
	mt, err := ParseMetadataTable(metaBlob)
	if err != nil {
		return "", nil
	}

	fpEntry, ok := mt.Find(MetaGUIDFileParameters)
	if !ok {
		return "", nil
	}
	fp, err := ParseFileParameters(metaBlob[fpEntry.Offset : fpEntry.Offset+fpEntry.Length])
	if err != nil {
		return "", nil
	}
	if !fp.HasParent {
		return "", nil
	}

	plEntry, ok := mt.Find(MetaGUIDParentLocator)
	if !ok {
		return "", nil // Open will surface the missing-Parent error itself.
	}
	pl, err := ParseParentLocator(metaBlob[plEntry.Offset : plEntry.Offset+plEntry.Length])
	if err != nil {
		return "", err
	}

	if abs, ok := pl.KeyValue["absolute_win32_path"]; ok && abs != "" {
		return abs, nil
	}
	if rel, ok := pl.KeyValue["relative_path"]; ok && rel != "" {
		return filepath.Join(filepath.Dir(path), filepath.FromSlash(rel)), nil
	}
	if vol, ok := pl.KeyValue["volume_path"]; ok && vol != "" {
		return vol, nil
	}
	return "", nil
}
