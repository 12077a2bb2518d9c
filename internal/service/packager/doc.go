// Package packager assembles the deployment archive.
//
// It merges the installed dependencies and the application source into a fresh
// staging directory, compresses the staging contents into a zip whose root holds
// those contents directly, and records a manifest next to the archive. The
// staging directory is kept after a successful run and removed after a failed one.
package packager
