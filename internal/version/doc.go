// Package version exposes build metadata for the packager.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. Short is written into archive manifests; Full is printed by
// the `version` subcommand.
package version
