package packager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/oshokin/deploy-packager/internal/archive"
	"github.com/oshokin/deploy-packager/internal/config"
	"github.com/oshokin/deploy-packager/internal/domain/bundle"
	"github.com/oshokin/deploy-packager/internal/fsutil"
	"github.com/oshokin/deploy-packager/internal/logger"
	"github.com/oshokin/deploy-packager/internal/repository/manifest"
	"github.com/oshokin/deploy-packager/internal/version"
)

// Options contains inputs for the packager entry point.
type Options struct {
	// Config holds the resolved paths; it is validated again before use.
	Config *config.Config
	// Now returns the manifest timestamp. Defaults to time.Now.
	Now func() time.Time
}

var (
	// ErrStagingExists is returned when the staging directory is already present.
	ErrStagingExists = errors.New("destination already exists")
	// ErrPackagingInProgress is returned when another run holds the staging lock.
	ErrPackagingInProgress = errors.New("another packaging run is in progress")
	// ErrArchiveExists is returned when the archive exists and the policy forbids replacing it.
	ErrArchiveExists = errors.New("archive already exists")
	// ErrInvalidPath is returned when a configured path is unusable.
	ErrInvalidPath = errors.New("invalid path")

	errOptionsNotSet = errors.New("packager options are not set")
)

// packager runs one packaging workflow. Callers use Run.
type packager struct {
	// cfg holds the absolute paths of this run.
	cfg *config.Config
	// workingDir is the invocation directory relative paths were resolved against.
	workingDir string
	// manifests persists the archive manifest.
	manifests manifest.Repository
	// now stamps the manifest.
	now func() time.Time
}

// Run validates the configuration and executes the packaging workflow.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "deploy-packager")

	if opts == nil || opts.Config == nil {
		return errOptionsNotSet
	}

	pkg, err := newPackager(opts)
	if err != nil {
		return err
	}

	if err = pkg.Run(ctx); err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	logger.Info(ctx, "Packager completed successfully")

	return nil
}

// newPackager resolves every configured path against the working directory.
func newPackager(opts *Options) (*packager, error) {
	cfg := *opts.Config
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	for _, p := range []*string{
		&cfg.DependenciesPath,
		&cfg.AppSourcePath,
		&cfg.StagingPath,
		&cfg.ArchivePath,
		&cfg.ManifestPath,
	} {
		if *p != "" {
			*p = absolute(workingDir, *p)
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &packager{
		cfg:        &cfg,
		workingDir: workingDir,
		manifests:  manifest.NewFileRepository(cfg.ManifestPath),
		now:        now,
	}, nil
}

// Run performs the packaging steps in order. Nothing is written before every
// precondition holds; once staging exists, a failure removes it again.
func (p *packager) Run(ctx context.Context) (err error) {
	logger.InfoKV(ctx, "Starting packaging",
		"working_dir", p.workingDir,
		"virtual_env", p.cfg.VirtualEnv,
		"dependencies", p.cfg.DependenciesPath,
		"app_source", p.cfg.AppSourcePath)

	if err = p.checkPreconditions(); err != nil {
		return err
	}

	guard, err := acquireGuard(ctx, lockPathFor(p.cfg.StagingPath))
	if err != nil {
		return err
	}

	defer guard.release(ctx)

	stage, err := acquireStaging(ctx, p.cfg.StagingPath)
	if err != nil {
		return err
	}

	defer func() {
		err = stage.finish(ctx, err)
	}()

	if err = p.populate(ctx); err != nil {
		return err
	}

	result, err := p.compress(ctx)
	if err != nil {
		return err
	}

	return p.writeManifest(ctx, result)
}

// checkPreconditions validates the filesystem without modifying it.
func (p *packager) checkPreconditions() error {
	held, pid, err := lockHeld(lockPathFor(p.cfg.StagingPath))
	if err != nil {
		return err
	}

	if held {
		return fmt.Errorf("%w (pid %d)", ErrPackagingInProgress, pid)
	}

	if _, err = os.Lstat(p.cfg.StagingPath); err == nil {
		return fmt.Errorf("%s: %w", p.cfg.StagingPath, ErrStagingExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat staging directory: %w", err)
	}

	// A leftover staging directory is reported first, even without a virtualenv.
	if err = config.RequireDependencies(p.cfg); err != nil {
		return err
	}

	sources := []struct {
		name string
		path string
	}{
		{"dependencies", p.cfg.DependenciesPath},
		{"app source", p.cfg.AppSourcePath},
	}

	for _, source := range sources {
		if err = requireDir(source.name, source.path); err != nil {
			return err
		}
	}

	outputs := []struct {
		name string
		path string
	}{
		{"staging", p.cfg.StagingPath},
		{"archive", p.cfg.ArchivePath},
		{"manifest", p.cfg.ManifestPath},
	}

	for _, output := range outputs {
		for _, source := range sources {
			if within(source.path, output.path) {
				return fmt.Errorf("%w: %s %s is inside %s %s",
					ErrInvalidPath, output.name, output.path, source.name, source.path)
			}
		}

		if output.name != "staging" && within(p.cfg.StagingPath, output.path) {
			return fmt.Errorf("%w: %s %s is inside staging %s",
				ErrInvalidPath, output.name, output.path, p.cfg.StagingPath)
		}
	}

	if err = requireDir("staging parent", filepath.Dir(p.cfg.StagingPath)); err != nil {
		return err
	}

	if err = requireDir("archive parent", filepath.Dir(p.cfg.ArchivePath)); err != nil {
		return err
	}

	if err = requireDir("manifest parent", filepath.Dir(p.cfg.ManifestPath)); err != nil {
		return err
	}

	if p.cfg.ArchiveExists == config.ArchiveFail {
		if _, err = os.Stat(p.cfg.ArchivePath); err == nil {
			return fmt.Errorf("%s: %w", p.cfg.ArchivePath, ErrArchiveExists)
		}
	}

	return nil
}

// populate merges the dependencies and then the application source into staging.
func (p *packager) populate(ctx context.Context) error {
	steps := []struct {
		name   string
		src    string
		policy fsutil.Overwrite
	}{
		// Staging is empty at this point, so if-newer copies every file.
		{"dependencies", p.cfg.DependenciesPath, fsutil.OverwriteIfNewer},
		// Application files always win over a dependency with the same path.
		{"app source", p.cfg.AppSourcePath, fsutil.OverwriteAlways},
	}

	for _, step := range steps {
		stats, err := fsutil.CopyTree(ctx, step.src, p.cfg.StagingPath, step.policy)
		if err != nil {
			return fmt.Errorf("copy %s: %w", step.name, err)
		}

		logger.InfoKV(ctx, "Copied "+step.name,
			"source", step.src,
			"files", stats.Files,
			"dirs", stats.Dirs,
			"symlinks", stats.Symlinks,
			"skipped", stats.Skipped,
			"overwrite", step.policy.String())
	}

	size, err := fsutil.TreeSize(p.cfg.StagingPath)
	if err != nil {
		return fmt.Errorf("measure staging directory: %w", err)
	}

	logger.InfoKV(ctx, "Staging directory ready", "path", p.cfg.StagingPath, "size", units.HumanSize(float64(size)))

	return nil
}

// compress writes the staging contents into the archive.
func (p *packager) compress(ctx context.Context) (*archive.Result, error) {
	result, err := archive.WriteFile(ctx, p.cfg.StagingPath, p.cfg.ArchivePath,
		archive.WithLevel(p.cfg.CompressionLevel))
	if err != nil {
		return nil, fmt.Errorf("compress staging directory: %w", err)
	}

	logger.InfoKV(ctx, "Archive written",
		"path", result.Path,
		"entries", len(result.Entries),
		"size", units.HumanSize(float64(result.Size)),
		"level", p.cfg.CompressionLevel,
		"uncompressed", units.HumanSize(float64(result.UncompressedSize)))

	return result, nil
}

// writeManifest records the archive checksum and entries next to it.
func (p *packager) writeManifest(ctx context.Context, result *archive.Result) error {
	checksum, err := archive.Checksum(result.Path)
	if err != nil {
		return fmt.Errorf("checksum archive: %w", err)
	}

	files := slices.Clone(result.Entries)
	slices.Sort(files)

	m := &bundle.Manifest{
		Version:           version.Short(),
		Archive:           result.Path,
		Size:              result.Size,
		Checksum:          base64.StdEncoding.EncodeToString(checksum),
		ChecksumAlgorithm: archive.DefaultChecksumFunction.String(),
		Files:             files,
		CreatedAt:         p.now().UTC(),
		BuiltBy:           detectActor(ctx),
	}

	if err = p.manifests.Save(ctx, m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	logger.InfoKV(ctx, "Manifest written", "path", p.cfg.ManifestPath)

	return nil
}

func requireDir(name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s directory: %w", name, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s %s is not a directory", ErrInvalidPath, name, path)
	}

	return nil
}

// absolute resolves path against base unless it is already absolute.
func absolute(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(base, path)
}

// within reports whether path equals dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
