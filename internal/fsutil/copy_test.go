package fsutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFile creates parent directories and a file with the given content and mtime.
func writeFile(t *testing.T, path, content string, mode os.FileMode, modTime time.Time) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(contents)
}

// TestCopyTree_PreservesAttributes verifies contents, permissions and mtimes survive the copy.
func TestCopyTree_PreservesAttributes(t *testing.T) {
	t.Parallel()

	src, dst := t.TempDir(), t.TempDir()
	modTime := time.Date(2017, 5, 1, 12, 0, 0, 0, time.UTC)

	writeFile(t, filepath.Join(src, "requests", "__init__.py"), "import api\n", 0o644, modTime)
	writeFile(t, filepath.Join(src, "bin", "tool"), "#!/bin/sh\n", 0o755, modTime)
	require.NoError(t, os.Mkdir(filepath.Join(src, "empty"), 0o750))

	stats, err := CopyTree(context.Background(), src, dst, OverwriteIfNewer)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Files)
	require.Equal(t, 3, stats.Dirs)
	require.Equal(t, int64(len("import api\n")+len("#!/bin/sh\n")), stats.Bytes)

	require.Equal(t, "import api\n", readFile(t, filepath.Join(dst, "requests", "__init__.py")))

	info, err := os.Stat(filepath.Join(dst, "bin", "tool"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	require.True(t, modTime.Equal(info.ModTime()))

	info, err = os.Stat(filepath.Join(dst, "empty"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	// The source root itself is not nested into the destination.
	_, err = os.Stat(filepath.Join(dst, filepath.Base(src)))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestCopyTree_OverwritePolicies checks the if-newer and always policies on collisions.
func TestCopyTree_OverwritePolicies(t *testing.T) {
	t.Parallel()

	older := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "util.py"), "from source", 0o644, older)
	writeFile(t, filepath.Join(dst, "util.py"), "already staged", 0o644, newer)

	stats, err := CopyTree(context.Background(), src, dst, OverwriteIfNewer)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, "already staged", readFile(t, filepath.Join(dst, "util.py")))

	stats, err = CopyTree(context.Background(), src, dst, OverwriteAlways)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, "from source", readFile(t, filepath.Join(dst, "util.py")))
}

// TestCopyTree_ReplacesReadOnlyFile ensures a read-only staged file can be replaced.
func TestCopyTree_ReplacesReadOnlyFile(t *testing.T) {
	t.Parallel()

	now := time.Now()
	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "main.py"), "app", 0o644, now)
	writeFile(t, filepath.Join(dst, "main.py"), "dependency", 0o444, now.Add(-time.Hour))

	_, err := CopyTree(context.Background(), src, dst, OverwriteAlways)
	require.NoError(t, err)
	require.Equal(t, "app", readFile(t, filepath.Join(dst, "main.py")))
}

// TestCopyTree_Symlinks verifies links are recreated rather than followed.
func TestCopyTree_Symlinks(t *testing.T) {
	t.Parallel()

	src, dst := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(src, "six.py"), "six", 0o644, time.Now())
	require.NoError(t, os.Symlink("six.py", filepath.Join(src, "six_compat.py")))

	stats, err := CopyTree(context.Background(), src, dst, OverwriteIfNewer)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Symlinks)

	link, err := os.Readlink(filepath.Join(dst, "six_compat.py"))
	require.NoError(t, err)
	require.Equal(t, "six.py", link)
}

// TestCopyTree_SymlinkedRoot follows a source root that is itself a link.
func TestCopyTree_SymlinkedRoot(t *testing.T) {
	t.Parallel()

	base, dst := t.TempDir(), t.TempDir()
	sitePackages := filepath.Join(base, "site-packages")
	writeFile(t, filepath.Join(sitePackages, "pytz", "__init__.py"), "tz", 0o644, time.Now())
	require.NoError(t, os.Symlink(sitePackages, filepath.Join(base, "link")))

	stats, err := CopyTree(context.Background(), filepath.Join(base, "link"), dst, OverwriteIfNewer)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, "tz", readFile(t, filepath.Join(dst, "pytz", "__init__.py")))
}

// TestCopyTree_Errors covers missing sources, non-directories, type conflicts and cancellation.
func TestCopyTree_Errors(t *testing.T) {
	t.Parallel()

	src, dst := t.TempDir(), t.TempDir()

	_, err := CopyTree(context.Background(), filepath.Join(src, "missing"), dst, OverwriteIfNewer)
	require.ErrorIs(t, err, os.ErrNotExist)

	file := filepath.Join(src, "file.txt")
	writeFile(t, file, "x", 0o644, time.Now())

	_, err = CopyTree(context.Background(), file, dst, OverwriteIfNewer)
	require.ErrorIs(t, err, ErrNotDirectory)

	_, err = CopyTree(context.Background(), src, file, OverwriteIfNewer)
	require.ErrorIs(t, err, ErrNotDirectory)

	require.NoError(t, os.Mkdir(filepath.Join(dst, "file.txt"), 0o755))

	_, err = CopyTree(context.Background(), src, dst, OverwriteAlways)
	require.ErrorIs(t, err, ErrTypeConflict)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = CopyTree(ctx, src, t.TempDir(), OverwriteAlways)
	require.ErrorIs(t, err, context.Canceled)
}

// TestTreeSize sums regular files only.
func TestTreeSize(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.py"), "12345", 0o644, time.Now())
	writeFile(t, filepath.Join(root, "pkg", "b.py"), "123", 0o644, time.Now())
	require.NoError(t, os.Symlink("a.py", filepath.Join(root, "c.py")))

	size, err := TreeSize(root)
	require.NoError(t, err)
	require.Equal(t, int64(8), size)

	_, err = TreeSize(filepath.Join(root, "missing"))
	require.Error(t, err)
}

// TestOverwriteString keeps log output stable.
func TestOverwriteString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "if-newer", OverwriteIfNewer.String())
	require.Equal(t, "always", OverwriteAlways.String())
	require.Equal(t, "Overwrite(7)", Overwrite(7).String())
}
