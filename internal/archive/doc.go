// Package archive builds and inspects the deployment zip.
//
// Entries are named relative to the archived directory, so its contents sit at
// the archive root with no container directory. Files are deflated with
// github.com/klauspost/compress at the configured level (best compression by
// default) and the archive replaces its destination only once complete.
package archive
