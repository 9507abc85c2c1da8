//go:build !unix

package hoststream

import "os"

// fdatasync falls back to a full Sync on platforms without a cheaper
// data-only sync call.
func fdatasync(f *os.File) error {
	return f.Sync()
}
