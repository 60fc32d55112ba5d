package utils

import (
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DiskUsage returns the bytes actually allocated on disk for everything
// under root. Holes in sparse files are not counted.
func DiskUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return err
		}
		// st_blocks is always in 512-byte units
		total += st.Blocks * 512
		return nil
	})
	return total, err
}

// DirSizeMB is DiskUsage rounded up to whole MiB.
func DirSizeMB(root string) (int64, error) {
	used, err := DiskUsage(root)
	if err != nil {
		return 0, err
	}
	return (used + MiB - 1) / MiB, nil
}
