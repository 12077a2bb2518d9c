package packager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/deploy-packager/internal/archive"
	"github.com/oshokin/deploy-packager/internal/config"
	"github.com/oshokin/deploy-packager/internal/repository/manifest"
)

// layout is a throwaway project tree with absolute paths.
type layout struct {
	deps     string
	app      string
	staging  string
	archive  string
	manifest string
}

func newLayout(t *testing.T) *layout {
	t.Helper()

	root := t.TempDir()
	l := &layout{
		deps:     filepath.Join(root, "venv", "lib", "python3.6", "site-packages"),
		app:      filepath.Join(root, "project", "commute_weather"),
		staging:  filepath.Join(root, "tmp", "deploy"),
		archive:  filepath.Join(root, "shm", "deploy.zip"),
		manifest: filepath.Join(root, "shm", "deploy.manifest.yaml"),
	}

	for _, dir := range []string{l.deps, l.app, filepath.Dir(l.staging), filepath.Dir(l.archive)} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	return l
}

func (l *layout) config() *config.Config {
	cfg := config.Default()
	cfg.DependenciesPath = l.deps
	cfg.AppSourcePath = l.app
	cfg.StagingPath = l.staging
	cfg.ArchivePath = l.archive
	cfg.ManifestPath = l.manifest

	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestRun_PackagesBothSources checks entries, merge precedence, retained staging and the manifest.
func TestRun_PackagesBothSources(t *testing.T) {
	t.Parallel()

	l := newLayout(t)
	writeFile(t, filepath.Join(l.deps, "requests", "__init__.py"), "requests")
	writeFile(t, filepath.Join(l.deps, "util.py"), "dependency util")
	writeFile(t, filepath.Join(l.app, "weather.py"), "handler")
	writeFile(t, filepath.Join(l.app, "util.py"), "app util")

	// The dependency copy is newer, yet the application file must win.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(l.deps, "util.py"), future, future))

	fixed := time.Date(2017, 6, 1, 7, 0, 0, 0, time.UTC)
	err := Run(context.Background(), &Options{
		Config: l.config(),
		Now:    func() time.Time { return fixed },
	})
	require.NoError(t, err)

	names, err := archive.List(l.archive)
	require.NoError(t, err)
	require.Equal(t, []string{"requests/__init__.py", "util.py", "weather.py"}, names)

	staged, err := os.ReadFile(filepath.Join(l.staging, "util.py"))
	require.NoError(t, err)
	require.Equal(t, "app util", string(staged))

	m, err := manifest.NewFileRepository(l.manifest).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, names, m.Files)
	require.Equal(t, l.archive, m.Archive)
	require.Equal(t, "SHA-512", m.ChecksumAlgorithm)
	require.True(t, fixed.Equal(m.CreatedAt))

	if hostname, hostErr := os.Hostname(); hostErr == nil {
		require.Equal(t, hostname, m.BuiltBy.Hostname)
	}

	// The run lock is gone.
	_, err = os.Stat(lockPathFor(l.staging))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_StagingExists verifies the second run fails without touching anything.
func TestRun_StagingExists(t *testing.T) {
	t.Parallel()

	l := newLayout(t)
	writeFile(t, filepath.Join(l.app, "weather.py"), "handler")
	writeFile(t, filepath.Join(l.staging, "leftover.py"), "previous run")
	require.NoError(t, os.WriteFile(l.archive, []byte("previous archive"), 0o644))

	err := Run(context.Background(), &Options{Config: l.config()})
	require.ErrorIs(t, err, ErrStagingExists)

	contents, err := os.ReadFile(l.archive)
	require.NoError(t, err)
	require.Equal(t, "previous archive", string(contents))

	_, err = os.Stat(filepath.Join(l.staging, "leftover.py"))
	require.NoError(t, err)

	_, err = os.Stat(l.manifest)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_MissingSource fails before creating anything.
func TestRun_MissingSource(t *testing.T) {
	t.Parallel()

	l := newLayout(t)
	require.NoError(t, os.RemoveAll(l.app))

	err := Run(context.Background(), &Options{Config: l.config()})
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(l.staging)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_StagingCheckedBeforeDependencies reports a leftover staging directory
// even when no dependency directory is configured.
func TestRun_StagingCheckedBeforeDependencies(t *testing.T) {
	t.Parallel()

	l := newLayout(t)
	cfg := l.config()
	cfg.DependenciesPath = ""

	err := Run(context.Background(), &Options{Config: cfg})
	require.ErrorIs(t, err, config.ErrDependenciesRequired)

	_, err = os.Stat(l.staging)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.Mkdir(l.staging, 0o755))

	err = Run(context.Background(), &Options{Config: cfg})
	require.ErrorIs(t, err, ErrStagingExists)
	require.NotErrorIs(t, err, config.ErrDependenciesRequired)
}

// TestRun_CompressionLevel packs with the configured deflate level.
func TestRun_CompressionLevel(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("forecast = fetch(city, units='si')\n", 4096)

	sizes := make(map[int]int64, 2)

	for _, level := range []int{1, 9} {
		l := newLayout(t)
		writeFile(t, filepath.Join(l.app, "weather.py"), payload)

		cfg := l.config()
		cfg.CompressionLevel = level

		require.NoError(t, Run(context.Background(), &Options{Config: cfg}))

		info, err := os.Stat(l.archive)
		require.NoError(t, err)

		sizes[level] = info.Size()
	}

	require.Less(t, sizes[9], int64(len(payload)))
	require.GreaterOrEqual(t, sizes[1], sizes[9])

	l := newLayout(t)
	cfg := l.config()
	cfg.CompressionLevel = 12

	require.Error(t, Run(context.Background(), &Options{Config: cfg}))

	_, err := os.Stat(l.staging)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_FailureRemovesStaging checks the rollback of a half-populated staging directory.
func TestRun_FailureRemovesStaging(t *testing.T) {
	t.Parallel()

	l := newLayout(t)
	writeFile(t, filepath.Join(l.deps, "pytz", "__init__.py"), "tz")
	// A file in the dependencies collides with a directory in the app source.
	writeFile(t, filepath.Join(l.deps, "darksky"), "not a package")
	writeFile(t, filepath.Join(l.app, "darksky", "__init__.py"), "package")

	err := Run(context.Background(), &Options{Config: l.config()})
	require.Error(t, err)

	_, err = os.Stat(l.staging)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(l.archive)
	require.ErrorIs(t, err, os.ErrNotExist)

	// The next attempt is not blocked once the collision is fixed.
	require.NoError(t, os.Remove(filepath.Join(l.deps, "darksky")))
	require.NoError(t, Run(context.Background(), &Options{Config: l.config()}))
}

// TestRun_ArchivePolicy covers the overwrite and fail policies.
func TestRun_ArchivePolicy(t *testing.T) {
	t.Parallel()

	l := newLayout(t)
	writeFile(t, filepath.Join(l.app, "weather.py"), "handler")
	require.NoError(t, os.WriteFile(l.archive, []byte("previous archive"), 0o644))

	cfg := l.config()
	cfg.ArchiveExists = config.ArchiveFail

	err := Run(context.Background(), &Options{Config: cfg})
	require.ErrorIs(t, err, ErrArchiveExists)

	_, err = os.Stat(l.staging)
	require.ErrorIs(t, err, os.ErrNotExist)

	cfg.ArchiveExists = config.ArchiveOverwrite
	require.NoError(t, Run(context.Background(), &Options{Config: cfg}))

	names, err := archive.List(l.archive)
	require.NoError(t, err)
	require.Equal(t, []string{"weather.py"}, names)
}

// TestRun_InvalidPaths rejects outputs placed inside the inputs or staging.
func TestRun_InvalidPaths(t *testing.T) {
	t.Parallel()

	l := newLayout(t)

	cfg := l.config()
	cfg.StagingPath = filepath.Join(l.app, "build")
	require.ErrorIs(t, Run(context.Background(), &Options{Config: cfg}), ErrInvalidPath)

	cfg = l.config()
	cfg.ArchivePath = filepath.Join(l.staging, "deploy.zip")
	cfg.ManifestPath = l.manifest
	require.ErrorIs(t, Run(context.Background(), &Options{Config: cfg}), ErrInvalidPath)

	writeFile(t, filepath.Join(filepath.Dir(l.app), "file.txt"), "x")

	cfg = l.config()
	cfg.AppSourcePath = filepath.Join(filepath.Dir(l.app), "file.txt")
	require.ErrorIs(t, Run(context.Background(), &Options{Config: cfg}), ErrInvalidPath)

	cfg = l.config()
	cfg.DependenciesPath = ""
	require.ErrorIs(t, Run(context.Background(), &Options{Config: cfg}), config.ErrDependenciesRequired)

	require.ErrorIs(t, Run(context.Background(), nil), errOptionsNotSet)
}

// TestRun_Cancelled rolls back when the context is cancelled mid-run.
func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	l := newLayout(t)
	writeFile(t, filepath.Join(l.app, "weather.py"), "handler")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, &Options{Config: l.config()})
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(l.staging)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestWithin checks containment of paths.
func TestWithin(t *testing.T) {
	t.Parallel()

	require.True(t, within("/srv/app", "/srv/app"))
	require.True(t, within("/srv/app", "/srv/app/build/deploy"))
	require.False(t, within("/srv/app", "/srv/application"))
	require.False(t, within("/srv/app", "/srv"))
	require.False(t, within("/srv/app", "/tmp/deploy"))
	require.True(t, within("/srv/app", "/srv/app/..data"))
}

// TestAbsolute resolves relative paths against the base only.
func TestAbsolute(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/work/commute_weather", absolute("/work", "commute_weather"))
	require.Equal(t, "/dev/shm/deploy.zip", absolute("/work", "/dev/shm/../shm/deploy.zip"))
}
