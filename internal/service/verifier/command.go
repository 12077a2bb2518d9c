package verifier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/oshokin/deploy-packager/internal/archive"
	"github.com/oshokin/deploy-packager/internal/domain/bundle"
	"github.com/oshokin/deploy-packager/internal/logger"
	"github.com/oshokin/deploy-packager/internal/repository/manifest"
)

// Options are inputs accepted by the verifier entry point.
type Options struct {
	// ManifestPath is the manifest written by the packager.
	ManifestPath string
	// ArchivePath overrides the archive location recorded in the manifest.
	ArchivePath string
	// StagingName is the base name of the staging directory. Recorded files found
	// under it instead of at the root are rejected.
	StagingName string
}

var (
	// ErrChecksumMismatch is returned when the archive digest differs from the manifest.
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
	// ErrEntriesMismatch is returned when archive entries differ from the manifest.
	ErrEntriesMismatch = errors.New("archive entries do not match manifest")
	// ErrUnsafeEntry is returned for absolute, parent-relative or container-prefixed entries.
	ErrUnsafeEntry = errors.New("archive entry outside the archive root")
	// ErrUnsupportedChecksum is returned when the manifest names another digest.
	ErrUnsupportedChecksum = errors.New("unsupported checksum algorithm")

	errManifestPathRequired = errors.New("manifest path must be provided")
)

// Run loads the manifest and verifies the archive against it.
func Run(ctx context.Context, opts *Options) (*bundle.Manifest, error) {
	ctx = logger.WithName(ctx, "deploy-verifier")

	if opts == nil || opts.ManifestPath == "" {
		return nil, errManifestPathRequired
	}

	m, err := manifest.NewFileRepository(opts.ManifestPath).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", opts.ManifestPath, err)
	}

	archivePath := m.Archive
	if opts.ArchivePath != "" {
		archivePath = opts.ArchivePath
	}

	logger.InfoKV(ctx, "Verifying archive", "archive", archivePath, "manifest", opts.ManifestPath)

	if err = verifyChecksum(archivePath, m); err != nil {
		return nil, err
	}

	names, err := archive.List(archivePath)
	if err != nil {
		return nil, err
	}

	if err = verifyEntries(names, m, opts.StagingName); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Archive matches manifest", "entries", len(names), "version", m.Version)

	return m, nil
}

func verifyChecksum(archivePath string, m *bundle.Manifest) error {
	if m.ChecksumAlgorithm != "" && m.ChecksumAlgorithm != archive.DefaultChecksumFunction.String() {
		return fmt.Errorf("%w: %s", ErrUnsupportedChecksum, m.ChecksumAlgorithm)
	}

	checksum, err := archive.Checksum(archivePath)
	if err != nil {
		return fmt.Errorf("checksum archive: %w", err)
	}

	if got := base64.StdEncoding.EncodeToString(checksum); got != m.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, archivePath)
	}

	return nil
}

func verifyEntries(names []string, m *bundle.Manifest, stagingName string) error {
	recorded := make(map[string]struct{}, len(m.Files))
	for _, name := range m.Files {
		recorded[name] = struct{}{}
	}

	for _, name := range names {
		if err := checkEntryName(name); err != nil {
			return err
		}

		if wrapped(name, stagingName, recorded) {
			return fmt.Errorf("%w: %s is nested under the %s directory", ErrUnsafeEntry, name, stagingName)
		}
	}

	missing, unexpected := m.DiffFiles(names)
	if len(missing) > 0 || len(unexpected) > 0 {
		return fmt.Errorf("%w: missing %v, unexpected %v", ErrEntriesMismatch, missing, unexpected)
	}

	return nil
}

// wrapped reports whether name is a recorded file packed under the staging
// directory instead of at the root. A real package sharing the staging name
// is recorded as is and passes.
func wrapped(name, stagingName string, recorded map[string]struct{}) bool {
	if stagingName == "" {
		return false
	}

	if _, ok := recorded[name]; ok {
		return false
	}

	inner, ok := strings.CutPrefix(name, stagingName+"/")
	if !ok {
		return false
	}

	_, ok = recorded[inner]

	return ok
}

// checkEntryName rejects names that would not land inside the archive root.
func checkEntryName(name string) error {
	clean := path.Clean(name)

	switch {
	case strings.HasPrefix(name, "/"),
		clean == "..",
		strings.HasPrefix(clean, "../"):
		return fmt.Errorf("%w: %s", ErrUnsafeEntry, name)
	default:
		return nil
	}
}
