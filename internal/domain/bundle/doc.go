// Package bundle contains the domain types describing a produced deployment archive.
//
// Manifest records what was packed (entry names, size, checksum) so consumers
// such as CI can pick the archive up and verify it without re-reading the config.
package bundle
