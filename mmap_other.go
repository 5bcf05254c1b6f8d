//go:build !unix

package sectembed

import (
	"fmt"
	"os"
)

// mapFile reads the whole file, there is no read-only mapping here
func mapFile(path string) ([]byte, func() error, error) {
	mem, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(mem) == 0 {
		return nil, nil, fmt.Errorf("%w: %s is empty", ErrCorruptImage, path)
	}
	return mem, func() error { return nil }, nil
}
