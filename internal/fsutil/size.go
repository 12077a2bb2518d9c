package fsutil

import (
	"io/fs"
	"path/filepath"
)

// TreeSize returns the total size in bytes of regular files below root.
// Symbolic links are not followed.
func TreeSize(root string) (int64, error) {
	var total int64

	err := filepath.WalkDir(root, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		total += info.Size()

		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}
