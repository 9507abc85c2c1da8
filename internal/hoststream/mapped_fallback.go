//go:build !unix && !windows

package hoststream

import "os"

// mapReadOnly reads the entire file when mmap is not available on this platform.
func mapReadOnly(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, func() error { return nil }, err
	}
	return data, func() error { return nil }, nil
}
