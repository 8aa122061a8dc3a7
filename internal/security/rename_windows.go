//go:build windows

package security

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func atomicRename(oldpath, newpath string) error {
	from, err := windows.UTF16PtrFromString(oldpath)
	if err != nil {
		return fmt.Errorf("convert %q to UTF16: %w", oldpath, err)
	}
	to, err := windows.UTF16PtrFromString(newpath)
	if err != nil {
		return fmt.Errorf("convert %q to UTF16: %w", newpath, err)
	}
	if err := windows.MoveFileEx(from, to, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH); err != nil {
		return fmt.Errorf("MoveFileEx: %w", err)
	}
	return nil
}

// syncDir is a no-op: MOVEFILE_WRITE_THROUGH already flushes the rename.
func syncDir(string) error { return nil }
