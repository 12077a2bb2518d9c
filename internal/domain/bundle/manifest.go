package bundle

import (
	"slices"
	"time"
)

// Manifest describes a deployment archive at the moment it was written.
type Manifest struct {
	// Version is the packager version that produced the archive.
	Version string
	// Archive is the path of the archive file.
	Archive string
	// Size is the archive size in bytes.
	Size int64
	// Checksum is the base64-encoded archive digest.
	Checksum string
	// ChecksumAlgorithm names the digest, e.g. SHA-512.
	ChecksumAlgorithm string
	// Files lists the archive entry names, sorted.
	Files []string
	// CreatedAt is when the archive was completed.
	CreatedAt time.Time
	// BuiltBy identifies the host and user that ran the packager.
	BuiltBy Actor
}

// Actor is the audit trail of a packaging run.
type Actor struct {
	Hostname string
	Username string
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}

	cloned := *m
	cloned.Files = slices.Clone(m.Files)

	return &cloned
}

// DiffFiles compares the recorded entries with actual ones.
// missing are recorded but absent, unexpected are present but not recorded.
func (m *Manifest) DiffFiles(actual []string) (missing, unexpected []string) {
	recorded := make(map[string]struct{}, len(m.Files))
	for _, name := range m.Files {
		recorded[name] = struct{}{}
	}

	seen := make(map[string]struct{}, len(actual))

	for _, name := range actual {
		seen[name] = struct{}{}

		if _, ok := recorded[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}

	for _, name := range m.Files {
		if _, ok := seen[name]; !ok {
			missing = append(missing, name)
		}
	}

	slices.Sort(missing)
	slices.Sort(unexpected)

	return missing, unexpected
}
