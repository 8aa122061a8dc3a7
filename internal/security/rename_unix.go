//go:build !windows

package security

import "os"

func atomicRename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// syncDir flushes the directory entry so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
