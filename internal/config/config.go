package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ArchivePolicy decides what happens when the archive path is already taken.
type ArchivePolicy string

const (
	// ArchiveOverwrite replaces an existing archive once the new one is complete.
	ArchiveOverwrite ArchivePolicy = "overwrite"
	// ArchiveFail refuses to package when an archive already exists.
	ArchiveFail ArchivePolicy = "fail"
)

// Config holds the paths and knobs used by a packaging run.
type Config struct {
	// VirtualEnv is the root of the dependency-isolation environment.
	// It is used to derive DependenciesPath when the latter is not set.
	VirtualEnv string `json:"virtual_env,omitempty" yaml:"virtual_env,omitempty"`
	// PythonVersion selects the lib/python<version>/site-packages layout.
	PythonVersion string `json:"python_version" yaml:"python_version"`
	// DependenciesPath is the directory with installed third-party packages.
	DependenciesPath string `json:"dependencies_path" yaml:"dependencies_path"`
	// AppSourcePath is the directory with first-party source files.
	AppSourcePath string `json:"app_source_path" yaml:"app_source_path"`
	// StagingPath is the scratch directory merging both sources. It must not exist.
	StagingPath string `json:"staging_path" yaml:"staging_path"`
	// ArchivePath is where the zip archive is written.
	ArchivePath string `json:"archive_path" yaml:"archive_path"`
	// ManifestPath is where the archive manifest is written.
	ManifestPath string `json:"manifest_path" yaml:"manifest_path"`
	// ArchiveExists is the policy applied to a pre-existing archive.
	ArchiveExists ArchivePolicy `json:"archive_exists" yaml:"archive_exists"`
	// CompressionLevel is the deflate level, 1 (fastest) to 9 (smallest).
	CompressionLevel int `json:"compression_level" yaml:"compression_level"`
	// LogLevel is the minimum level of log messages (debug, info, warn, error).
	LogLevel string `json:"log_level" yaml:"log_level"`
}

const (
	// DefaultConfigFilename is the default filename for packager settings.
	DefaultConfigFilename = "deploy-packager.yaml"

	// DefaultStagingPath is the staging directory used when nothing else is configured.
	DefaultStagingPath = "/tmp/deploy"

	// DefaultArchivePath is memory-backed on purpose: CI picks the archive up from here.
	DefaultArchivePath = "/dev/shm/deploy.zip"

	// DefaultManifestPath is what ManifestPathFor derives from DefaultArchivePath.
	DefaultManifestPath = "/dev/shm/deploy.manifest.yaml"

	// DefaultAppSourcePath is relative to the invocation directory.
	DefaultAppSourcePath = "commute_weather"

	// DefaultPythonVersion matches the function runtime.
	DefaultPythonVersion = "3.6"

	// DefaultCompressionLevel keeps the deployment archive as small as possible.
	DefaultCompressionLevel = flate.BestCompression

	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// EnvVirtualEnv names the variable pointing at the active virtualenv root.
	EnvVirtualEnv = "VIRTUAL_ENV"

	// EnvLogLevel overrides the log level.
	EnvLogLevel = "DEPLOY_PACKAGER_LOG_LEVEL"
)

var (
	// ErrNotFound is returned by Load when the settings file does not exist.
	ErrNotFound = errors.New("settings file not found")
	// ErrDependenciesRequired is returned by RequireDependencies when neither a
	// dependency path nor a virtualenv is known.
	ErrDependenciesRequired = errors.New("dependencies path must be provided (set " + EnvVirtualEnv + " or dependencies_path)")

	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errPathRequired is returned when a mandatory path is empty.
	errPathRequired = errors.New("path must be provided")
	// errUnknownPolicy is returned for an unsupported archive_exists value.
	errUnknownPolicy = errors.New("unknown archive policy")
	// errSamePath is returned when two outputs point at the same location.
	errSamePath = errors.New("paths must differ")
	// errInvalidCompressionLevel is returned for a level outside deflate's range.
	errInvalidCompressionLevel = errors.New("invalid compression level")
)

// Default returns the built-in settings. DependenciesPath and ManifestPath stay
// empty until Validate derives them from VirtualEnv and ArchivePath.
func Default() *Config {
	return &Config{
		PythonVersion:    DefaultPythonVersion,
		AppSourcePath:    DefaultAppSourcePath,
		StagingPath:      DefaultStagingPath,
		ArchivePath:      DefaultArchivePath,
		ArchiveExists:    ArchiveOverwrite,
		CompressionLevel: DefaultCompressionLevel,
		LogLevel:         DefaultLogLevel,
	}
}

// ApplyEnvironment copies recognized environment variables into cfg.
// lookup is usually os.Getenv.
func ApplyEnvironment(cfg *Config, lookup func(string) string) {
	if value := strings.TrimSpace(lookup(EnvVirtualEnv)); value != "" {
		cfg.VirtualEnv = value
	}

	if value := strings.TrimSpace(lookup(EnvLogLevel)); value != "" {
		cfg.LogLevel = value
	}
}

// Overlay copies every non-empty field of override into base.
func Overlay(base, override *Config) {
	if override == nil {
		return
	}

	setIfPresent(&base.VirtualEnv, override.VirtualEnv)
	setIfPresent(&base.PythonVersion, override.PythonVersion)
	setIfPresent(&base.DependenciesPath, override.DependenciesPath)
	setIfPresent(&base.AppSourcePath, override.AppSourcePath)
	setIfPresent(&base.StagingPath, override.StagingPath)
	setIfPresent(&base.ArchivePath, override.ArchivePath)
	setIfPresent(&base.ManifestPath, override.ManifestPath)
	setIfPresent(&base.LogLevel, override.LogLevel)

	if override.ArchiveExists != "" {
		base.ArchiveExists = override.ArchiveExists
	}

	if override.CompressionLevel != 0 {
		base.CompressionLevel = override.CompressionLevel
	}
}

// Resolve builds the effective settings: defaults, then the environment, then the
// settings file at path, then overrides. A missing settings file is an error only
// when required is set. The result is validated.
func Resolve(path string, required bool, overrides *Config, lookup func(string) string) (*Config, error) {
	cfg := Default()

	if lookup != nil {
		ApplyEnvironment(cfg, lookup)
	}

	fromFile, err := Load(path)

	switch {
	case err == nil:
		Overlay(cfg, fromFile)
	case errors.Is(err, ErrNotFound) && !required:
	default:
		return nil, err
	}

	Overlay(cfg, overrides)

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load reads settings from the provided path without validating them.
// Files with a .json or .jsonc extension may contain comments.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(contents)))
		decoder.DisallowUnknownFields()

		err = decoder.Decode(&cfg)
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(contents))
		decoder.KnownFields(true)

		err = decoder.Decode(&cfg)
	}

	if err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Marshal renders settings as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errConfigIsNotSet
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	return data, nil
}

// Validate fills derived defaults and checks the settings for required fields.
// It does not touch the filesystem. An unknown dependency path is allowed here
// because only packaging needs it; see RequireDependencies.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.PythonVersion == "" {
		settings.PythonVersion = DefaultPythonVersion
	}

	if settings.ArchiveExists == "" {
		settings.ArchiveExists = ArchiveOverwrite
	}

	if settings.LogLevel == "" {
		settings.LogLevel = DefaultLogLevel
	}

	if settings.CompressionLevel == 0 {
		settings.CompressionLevel = DefaultCompressionLevel
	}

	if settings.DependenciesPath == "" && settings.VirtualEnv != "" {
		settings.DependenciesPath = SitePackages(settings.VirtualEnv, settings.PythonVersion)
	}

	required := []struct {
		name  string
		value string
	}{
		{"app_source_path", settings.AppSourcePath},
		{"staging_path", settings.StagingPath},
		{"archive_path", settings.ArchivePath},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s: %w", field.name, errPathRequired)
		}
	}

	if settings.ManifestPath == "" {
		settings.ManifestPath = ManifestPathFor(settings.ArchivePath)
	}

	switch settings.ArchiveExists {
	case ArchiveOverwrite, ArchiveFail:
	default:
		return fmt.Errorf("%w: %q (valid: %s, %s)", errUnknownPolicy, settings.ArchiveExists, ArchiveOverwrite, ArchiveFail)
	}

	if settings.CompressionLevel < flate.BestSpeed || settings.CompressionLevel > flate.BestCompression {
		return fmt.Errorf("%w: %d (valid: %d to %d)",
			errInvalidCompressionLevel, settings.CompressionLevel, flate.BestSpeed, flate.BestCompression)
	}

	if filepath.Clean(settings.ArchivePath) == filepath.Clean(settings.ManifestPath) {
		return fmt.Errorf("archive_path and manifest_path: %w", errSamePath)
	}

	if filepath.Clean(settings.StagingPath) == filepath.Clean(settings.ArchivePath) {
		return fmt.Errorf("staging_path and archive_path: %w", errSamePath)
	}

	return nil
}

// RequireDependencies fails when no dependency directory could be determined.
func RequireDependencies(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if strings.TrimSpace(settings.DependenciesPath) == "" {
		return ErrDependenciesRequired
	}

	return nil
}

// SitePackages returns the site-packages directory of a virtualenv.
func SitePackages(virtualEnv, pythonVersion string) string {
	return filepath.Join(virtualEnv, "lib", "python"+pythonVersion, "site-packages")
}

// ManifestPathFor derives a manifest location from an archive path:
// /dev/shm/deploy.zip becomes /dev/shm/deploy.manifest.yaml.
func ManifestPathFor(archivePath string) string {
	base := strings.TrimSuffix(archivePath, filepath.Ext(archivePath))

	return base + ".manifest.yaml"
}

func setIfPresent(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
