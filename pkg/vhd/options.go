package vhd

import "github.com/cwarnold/vdisk/pkg/sparse"

// OpenOptions controls how Open behaves.
type OpenOptions struct {
	// AutoCommitFooter rewrites the trailing footer after every block
	// allocation, keeping it byte-identical to the leading footer. The
	// source's default is on; see the spec's open question about the
	// consistency window this leaves between a BAT update and the footer
	// rewrite (best-effort: a reopen recovers via the leading-footer
	// fallback in ParseFooter's caller).
	AutoCommitFooter bool

	// Parent is the already-opened parent image for a Differencing disk.
	// Required when the footer's DiskType is DiskTypeDifferencing; ignored
	// otherwise. The parent must be read-only and single-owner for the
	// lifetime of the child, per the spec's concurrency model.
	Parent sparse.BlockDevice

	// ParentPath is recorded in the differencing child's parent locator
	// (a W2ku absolute-path entry) when creating a new differencing disk via
	// CreateDynamic. Unused when opening an existing image.
	ParentPath string
}

// DefaultOpenOptions returns the source's default behavior: auto-commit the
// trailing footer on every allocation.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{AutoCommitFooter: true}
}
