package vhd

import (
	"context"
	"fmt"

	"github.com/cwarnold/vdisk/internal/hoststream"
)

// OpenChain opens the VHD image at path and, if it is a differencing disk,
// recursively opens its parent chain by resolving each ParentLocator to a
// filesystem path. The root image is opened read-write via
// hoststream.OpenFile; every ancestor is opened through the read-only mmap
// fast path (hoststream.OpenMappedReadOnly), matching the spec's
// single-owner, read-only-parent concurrency model.
func OpenChain(ctx context.Context, path string, opts OpenOptions) (*Disk, error) {
	s, err := hoststream.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("vhd: open chain %s: %w", path, err)
	}
	return openChainFrom(ctx, s, path, opts)
}

// openParentChain opens path read-only via the mmap fast path and resolves
// its own ancestors, if any.
func openParentChain(ctx context.Context, path string) (*Disk, error) {
	s, err := hoststream.OpenMappedReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("vhd: open parent %s: %w", path, err)
	}
	return openChainFrom(ctx, s, path, OpenOptions{})
}

func openChainFrom(ctx context.Context, s hoststream.Stream, path string, opts OpenOptions) (*Disk, error) {
	if opts.Parent == nil {
		parentPath, err := peekParentPath(ctx, s, path)
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
	return Open(ctx, s, opts)
}

// peekParentPath reads just enough of s's footer and dynamic header to
// tell whether it is a differencing disk and, if so, resolve its parent's
// path — this must happen before Open can be called, since Open itself
// requires the parent to already be supplied via OpenOptions.Parent.
func peekParentPath(ctx context.Context, s hoststream.Stream, path string) (string, error) {
	size, err := s.Size()
	if err != nil {
		return "", err
	}
	if size < FooterSize {
		return "", nil // Open will reject this; nothing to resolve here.
	}

	trailing := make([]byte, FooterSize)
	if _, err := s.ReadAt(trailing, size-FooterSize); err != nil {
		return "", err
	}
	footer, err := ParseFooter(trailing)
	if err != nil {
		leading := make([]byte, FooterSize)
		if _, err2 := s.ReadAt(leading, 0); err2 != nil {
			return "", nil
		}
		footer, err = ParseFooter(leading)
		if err != nil {
			return "", nil
		}
	}
	if footer.DiskType != DiskTypeDifferencing {
		return "", nil
	}

	hdrBuf := make([]byte, DynamicHeaderSize)
	if _, err := s.ReadAt(hdrBuf, int64(footer.DataOffset)); err != nil {
		return "", err
	}
	header, err := ParseDynamicHeader(hdrBuf)
	if err != nil {
		return "", err
	}
	return ResolveParentLocator(ctx, s, header.ParentLocators, path)
}
