package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/deploy-packager/internal/domain/bundle"
)

// Repository defines persistence operations for archive manifests.
type Repository interface {
	Load(ctx context.Context) (*bundle.Manifest, error)
	Save(ctx context.Context, manifest *bundle.Manifest) error
}

// FileRepository stores a manifest in a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the manifest file.
	path string
	// mu protects concurrent access to the manifest file.
	mu sync.Mutex
}

// document is the on-disk YAML layout. Field names are a contract with CI.
type document struct {
	Version           string    `yaml:"version"`
	Archive           string    `yaml:"archive"`
	Size              int64     `yaml:"size"`
	Checksum          string    `yaml:"checksum"`
	ChecksumAlgorithm string    `yaml:"checksum_algorithm"`
	Files             []string  `yaml:"files"`
	CreatedAt         time.Time `yaml:"created_at"`
	BuiltBy           *actor    `yaml:"built_by,omitempty"`
}

type actor struct {
	Hostname string `yaml:"hostname,omitempty"`
	Username string `yaml:"username,omitempty"`
}

const manifestFileMode os.FileMode = 0o644

var (
	// ErrNotFound is returned when the manifest file does not exist yet.
	ErrNotFound = errors.New("manifest not found")

	errManifestIsNotSet = errors.New("manifest is not set")
)

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the manifest file location.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the manifest from disk.
func (r *FileRepository) Load(_ context.Context) (*bundle.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read manifest file: %w", err)
	}

	var doc document
	if err = yaml.Unmarshal(contents, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest file: %w", err)
	}

	return fromDocument(&doc), nil
}

// Save writes the manifest to disk.
func (r *FileRepository) Save(_ context.Context, manifest *bundle.Manifest) error {
	if manifest == nil {
		return errManifestIsNotSet
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(toDocument(manifest))
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err = os.WriteFile(r.path, data, manifestFileMode); err != nil {
		return fmt.Errorf("write manifest file: %w", err)
	}

	return nil
}

func fromDocument(doc *document) *bundle.Manifest {
	m := &bundle.Manifest{
		Version:           doc.Version,
		Archive:           doc.Archive,
		Size:              doc.Size,
		Checksum:          doc.Checksum,
		ChecksumAlgorithm: doc.ChecksumAlgorithm,
		Files:             doc.Files,
		CreatedAt:         doc.CreatedAt,
	}

	if doc.BuiltBy != nil {
		m.BuiltBy = bundle.Actor{
			Hostname: doc.BuiltBy.Hostname,
			Username: doc.BuiltBy.Username,
		}
	}

	return m
}

func toDocument(manifest *bundle.Manifest) *document {
	doc := &document{
		Version:           manifest.Version,
		Archive:           manifest.Archive,
		Size:              manifest.Size,
		Checksum:          manifest.Checksum,
		ChecksumAlgorithm: manifest.ChecksumAlgorithm,
		Files:             manifest.Files,
		CreatedAt:         manifest.CreatedAt.UTC(),
	}

	if manifest.BuiltBy != (bundle.Actor{}) {
		doc.BuiltBy = &actor{
			Hostname: manifest.BuiltBy.Hostname,
			Username: manifest.BuiltBy.Username,
		}
	}

	return doc
}
