package vhd

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/cwarnold/vdisk/internal/hoststream"
	"github.com/cwarnold/vdisk/pkg/sparse"
)

// ResolveParentLocator reads the parent locator entries and returns the
// decoded path the first usable entry refers to, preferring an absolute
// Windows path over one relative to base. Actually opening that path is the
// caller's responsibility: file-system/path plumbing is out of scope here.
func ResolveParentLocator(ctx context.Context, s hoststream.Stream, entries [ParentLocatorCount]ParentLocatorEntry, base string) (string, error) {
	var relative string

	for _, e := range entries {
		if e.PlatformCode != PlatformCodeWindowsAbsoluteUnicode && e.PlatformCode != PlatformCodeWindowsRelativeUnicode {
			continue
		}
		if e.PlatformDataLen == 0 {
			continue
		}
		raw := make([]byte, e.PlatformDataLen)
		if _, err := s.ReadAt(raw, int64(e.PlatformDataOff)); err != nil {
			return "", fmt.Errorf("vhd: parent locator: %w", err)
		}
		decoded, err := utf16BE.NewDecoder().Bytes(raw)
		if err != nil {
			continue
		}
		path := string(bytes.TrimRight(decoded, "\x00"))
		if path == "" {
			continue
		}
		if e.PlatformCode == PlatformCodeWindowsAbsoluteUnicode {
			return path, nil
		}
		if relative == "" {
			relative = path
		}
	}

	if relative != "" {
		return filepath.Join(filepath.Dir(base), relative), nil
	}
	return "", fmt.Errorf("vhd: no usable parent locator entry: %w", sparse.ErrFormat)
}
