package fsutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Overwrite decides what happens when a file already exists in the destination.
type Overwrite int

const (
	// OverwriteIfNewer replaces a destination file only when the source is newer.
	OverwriteIfNewer Overwrite = iota
	// OverwriteAlways replaces any destination file.
	OverwriteAlways
)

// String returns a human-readable policy name for logs.
func (o Overwrite) String() string {
	switch o {
	case OverwriteIfNewer:
		return "if-newer"
	case OverwriteAlways:
		return "always"
	default:
		return fmt.Sprintf("Overwrite(%d)", int(o))
	}
}

// CopyStats summarizes a CopyTree run.
type CopyStats struct {
	// Files is the number of regular files written.
	Files int
	// Bytes is the total size of written files.
	Bytes int64
	// Dirs is the number of directories visited below the root.
	Dirs int
	// Symlinks is the number of symbolic links recreated.
	Symlinks int
	// Skipped counts files kept because the destination was newer,
	// plus special files (sockets, devices, pipes) that are never copied.
	Skipped int
}

var (
	// ErrNotDirectory is returned when a copy source or destination is not a directory.
	ErrNotDirectory = errors.New("not a directory")
	// ErrTypeConflict is returned when a file would replace a directory or vice versa.
	ErrTypeConflict = errors.New("file type conflict")
)

// dirTimes remembers directory attributes applied after their contents are written.
type dirTimes struct {
	path    string
	mode    fs.FileMode
	modTime time.Time
}

// CopyTree recursively copies the contents of src into dst, which must already exist.
// Regular files keep their permission bits and modification times, directories keep
// theirs once populated, and symbolic links are recreated as links.
func CopyTree(ctx context.Context, src, dst string, policy Overwrite) (CopyStats, error) {
	var stats CopyStats

	root, err := filepath.EvalSymlinks(src)
	if err != nil {
		return stats, fmt.Errorf("resolve source %s: %w", src, err)
	}

	if err = requireDir(root); err != nil {
		return stats, fmt.Errorf("source %s: %w", src, err)
	}

	if err = requireDir(dst); err != nil {
		return stats, fmt.Errorf("destination %s: %w", dst, err)
	}

	var dirs []dirTimes

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			if err = ensureDir(target); err != nil {
				return err
			}

			stats.Dirs++
			dirs = append(dirs, dirTimes{path: target, mode: mode.Perm(), modTime: info.ModTime()})
		case mode&fs.ModeSymlink != 0:
			if err = copySymlink(path, target); err != nil {
				return err
			}

			stats.Symlinks++
		case mode.IsRegular():
			written, err := copyRegular(path, target, info, policy)
			if err != nil {
				return err
			}

			if !written {
				stats.Skipped++

				return nil
			}

			stats.Files++
			stats.Bytes += info.Size()
		default:
			stats.Skipped++
		}

		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}

	// Deepest first, so a parent's mtime is not bumped by restoring a child.
	for _, dir := range slices.Backward(dirs) {
		if err = os.Chmod(dir.path, dir.mode); err != nil {
			return stats, fmt.Errorf("chmod %s: %w", dir.path, err)
		}

		if err = os.Chtimes(dir.path, dir.modTime, dir.modTime); err != nil {
			return stats, fmt.Errorf("chtimes %s: %w", dir.path, err)
		}
	}

	return stats, nil
}

// copyRegular writes src over dst according to policy and reports whether it did.
func copyRegular(src, dst string, info fs.FileInfo, policy Overwrite) (bool, error) {
	existing, err := os.Lstat(dst)

	switch {
	case err == nil:
		if existing.IsDir() {
			return false, fmt.Errorf("%s: %w", dst, ErrTypeConflict)
		}

		if policy == OverwriteIfNewer && !info.ModTime().After(existing.ModTime()) {
			return false, nil
		}

		// Removing first lets read-only files be replaced.
		if err = os.Remove(dst); err != nil {
			return false, err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, err
	}

	in, err := os.Open(src)
	if err != nil {
		return false, err
	}

	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm()|0o200)
	if err != nil {
		return false, err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()

		return false, err
	}

	if err = out.Close(); err != nil {
		return false, err
	}

	// Chmod after writing: the create mode is filtered by umask and kept owner-writable.
	if err = os.Chmod(dst, info.Mode().Perm()); err != nil {
		return false, err
	}

	if err = os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return false, err
	}

	return true, nil
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}

	existing, err := os.Lstat(dst)

	switch {
	case err == nil:
		if existing.IsDir() {
			return fmt.Errorf("%s: %w", dst, ErrTypeConflict)
		}

		if err = os.Remove(dst); err != nil {
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	return os.Symlink(link, dst)
}

func ensureDir(path string) error {
	info, err := os.Lstat(path)

	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("%s: %w", path, ErrTypeConflict)
		}

		if info.Mode().Perm()&0o200 == 0 {
			return os.Chmod(path, info.Mode().Perm()|0o200)
		}

		return nil
	case errors.Is(err, fs.ErrNotExist):
		// Owner-writable until the final chmod pass restores the source mode.
		return os.Mkdir(path, 0o755)
	default:
		return err
	}
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return ErrNotDirectory
	}

	return nil
}
