// Package fsutil provides the filesystem primitives used to populate the
// staging directory: a merge copy that preserves permissions and modification
// times, and a recursive size counter.
package fsutil
