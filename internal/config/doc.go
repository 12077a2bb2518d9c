// Package config defines the packager settings and provides helpers to load,
// validate and save them in YAML format (JSONC is accepted on load).
//
// The Default* constants are the single source of truth for the staging and
// archive locations; CI reads them through `deploy-packager config`.
package config
