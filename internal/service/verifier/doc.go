// Package verifier checks a deployment archive against the manifest written by
// the packager: the archive digest must match and the entry list must be the
// recorded one, with every entry at the archive root rather than under a
// container directory.
package verifier
