package vhdx

import "github.com/cwarnold/vdisk/pkg/sparse"

// OpenOptions controls how Open behaves.
type OpenOptions struct {
	// Parent is the already-opened parent image, required when the
	// FileParameters item's HasParent flag is set.
	Parent sparse.BlockDevice

	// SkipLogReplay disables the write-ahead log replay that Open otherwise
	// performs whenever the active header's LogLength is non-zero. Open
	// still writes its open-for-write header when this is set.
	SkipLogReplay bool
}

// DefaultOpenOptions returns the zero-value defaults: no parent, replay
// any pending log on open.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{}
}
