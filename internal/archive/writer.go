package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/oshokin/deploy-packager/internal/logger"
)

const (
	// DefaultFileMode is applied to the finished archive.
	DefaultFileMode os.FileMode = 0o644

	// tempPattern names in-progress archives next to their destination.
	tempPattern = ".deploy-packager-*.zip.tmp"
)

var (
	// ErrSymlinkLoop is returned when directory links point back at an ancestor.
	ErrSymlinkLoop = errors.New("symbolic link loop")
	// ErrInvalidLevel is returned for a compression level outside flate's range.
	ErrInvalidLevel = errors.New("invalid compression level")
)

// Result describes a written archive.
type Result struct {
	// Path is the final archive location.
	Path string
	// Entries lists entry names in the order they were written.
	Entries []string
	// Size is the archive size in bytes.
	Size int64
	// UncompressedSize is the total size of the archived files.
	UncompressedSize int64
}

// Option configures archive writing.
type Option func(*options)

type options struct {
	level int
}

// WithLevel sets the deflate level, flate.BestSpeed through flate.BestCompression.
func WithLevel(level int) Option {
	return func(o *options) {
		o.level = level
	}
}

// WriteFile archives the contents of root into dst. The archive is assembled in a
// temporary file in dst's directory and renamed over dst on success, so a failed
// run never leaves a partial archive and an existing one is replaced atomically.
func WriteFile(ctx context.Context, root, dst string, opts ...Option) (*Result, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temporary archive: %w", err)
	}

	tmpName := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	result, err := Write(ctx, root, tmp, opts...)
	if err != nil {
		return nil, err
	}

	if err = tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync archive: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}

	if err = os.Chmod(tmpName, DefaultFileMode); err != nil {
		return nil, fmt.Errorf("chmod archive: %w", err)
	}

	if err = os.Rename(tmpName, dst); err != nil {
		return nil, fmt.Errorf("move archive into place: %w", err)
	}

	committed = true

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	result.Path = dst
	result.Size = info.Size()

	return result, nil
}

// Write streams a zip of root's contents into w.
func Write(ctx context.Context, root string, w io.Writer, opts ...Option) (*Result, error) {
	o := options{level: flate.BestCompression}
	for _, opt := range opts {
		opt(&o)
	}

	if o.level < flate.BestSpeed || o.level > flate.BestCompression {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, o.level)
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, o.level)
	})

	b := &builder{
		zw:      zw,
		result:  &Result{},
		visited: make(map[string]struct{}),
	}

	if err := b.addDir(ctx, root, ""); err != nil {
		_ = zw.Close()

		return nil, fmt.Errorf("archive %s: %w", root, err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}

	return b.result, nil
}

// builder walks a directory tree and appends entries to a zip writer.
type builder struct {
	zw     *zip.Writer
	result *Result
	// visited holds resolved directories on the current path, to break link loops.
	visited map[string]struct{}
}

// addDir appends the contents of dir under the entry prefix.
func (b *builder) addDir(ctx context.Context, dir, prefix string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}

	if _, seen := b.visited[resolved]; seen {
		return fmt.Errorf("%s: %w", dir, ErrSymlinkLoop)
	}

	b.visited[resolved] = struct{}{}
	defer delete(b.visited, resolved)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	// Directories holding files are implied by their entries; only empty ones are stored.
	if len(entries) == 0 && prefix != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}

		return b.addHeaderOnly(ctx, info, prefix+"/")
	}

	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return err
		}

		fullPath := filepath.Join(dir, entry.Name())
		name := path.Join(prefix, entry.Name())

		// Links are followed, so the archive holds their targets.
		info, err := os.Stat(fullPath)
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			if err = b.addDir(ctx, fullPath, name); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err = b.addFile(ctx, fullPath, name, info); err != nil {
				return err
			}
		default:
			logger.DebugKV(ctx, "Skipping special file", "path", fullPath, "mode", info.Mode().String())
		}
	}

	return nil
}

func (b *builder) addFile(ctx context.Context, fullPath, name string, info fs.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	header.Method = zip.Deflate

	w, err := b.zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	written, err := io.Copy(w, f)
	if err != nil {
		return fmt.Errorf("compress %s: %w", fullPath, err)
	}

	b.result.Entries = append(b.result.Entries, name)
	b.result.UncompressedSize += written

	logger.DebugKV(ctx, "Added file", "entry", name, "bytes", written)

	return nil
}

func (b *builder) addHeaderOnly(ctx context.Context, info fs.FileInfo, name string) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	header.Method = zip.Store

	if _, err = b.zw.CreateHeader(header); err != nil {
		return err
	}

	b.result.Entries = append(b.result.Entries, name)

	logger.DebugKV(ctx, "Added directory", "entry", name)

	return nil
}
