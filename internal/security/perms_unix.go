//go:build !windows

package security

import (
	"fmt"
	"os"
)

// RestrictToOwner limits path to its owner: 0600 for files, 0700 for
// directories.
func RestrictToOwner(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	mode := os.FileMode(0o600)
	if info.IsDir() {
		mode = 0o700
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
