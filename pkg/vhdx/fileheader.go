package vhdx

import (
	"bytes"
	"fmt"

	"github.com/cwarnold/vdisk/pkg/sparse"
)

// ValidateFileIdentifier checks the 8-byte "vhdxfile" signature at the start
// of the file. The remainder of the 64 KiB file-header region is a
// UTF-16 creator string the source does not need to round-trip, so it is
// left untouched on read and zero-filled on create.
func ValidateFileIdentifier(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("vhdx: file identifier: %w", sparse.ErrTruncated)
	}
	if !bytes.Equal(b[:8], []byte(fileSignature)) {
		return fmt.Errorf("vhdx: file identifier: %w", sparse.ErrFormat)
	}
	return nil
}

// NewFileIdentifier returns a fresh 64 KiB file-header-region block with
// only the signature populated.
func NewFileIdentifier() []byte {
	b := make([]byte, fileHeaderSize)
	copy(b[:8], []byte(fileSignature))
	return b
}
