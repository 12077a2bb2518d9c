package packager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
	"go.uber.org/multierr"

	"github.com/oshokin/deploy-packager/internal/logger"
)

const (
	// lockSuffix is appended to the staging path to name the run lock.
	lockSuffix = ".lock"

	lockFileMode os.FileMode = 0o644

	// lockAttempts bounds stale lock recovery.
	lockAttempts = 2
)

// runGuard is a PID lock file that keeps two runs off the same staging directory.
type runGuard struct {
	path string
}

// lockPathFor returns the lock file guarding the staging directory.
func lockPathFor(stagingPath string) string {
	return stagingPath + lockSuffix
}

// acquireGuard creates the lock file. A lock left by a dead process is removed
// and acquisition is retried; a lock held by a live process yields ErrPackagingInProgress.
func acquireGuard(ctx context.Context, path string) (*runGuard, error) {
	for range lockAttempts {
		err := createLock(path)
		if err == nil {
			return &runGuard{path: path}, nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}

		held, pid, err := lockHeld(path)
		if err != nil {
			return nil, err
		}

		if held {
			return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrPackagingInProgress, pid, path)
		}

		logger.InfoKV(ctx, "Removing stale run lock", "path", path, "pid", pid)

		if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale run lock: %w", err)
		}
	}

	return nil, fmt.Errorf("%w (lock %s)", ErrPackagingInProgress, path)
}

// createLock publishes a lock file that already holds our PID. The PID is written
// to a temporary file first and hard-linked into place, so the lock never exists empty.
func createLock(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create run lock: %w", err)
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	_, writeErr := tmp.WriteString(strconv.Itoa(os.Getpid()))
	if err = multierr.Combine(writeErr, tmp.Close()); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}

	if err = os.Chmod(tmp.Name(), lockFileMode); err != nil {
		return fmt.Errorf("chmod run lock: %w", err)
	}

	// Link fails with EEXIST when another run got there first.
	if err = os.Link(tmp.Name(), path); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, fs.ErrExist) {
			return fs.ErrExist
		}

		return fmt.Errorf("create run lock: %w", err)
	}

	return nil
}

// release removes the lock file.
func (g *runGuard) release(ctx context.Context) {
	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WarnKV(ctx, "Unable to remove run lock", "path", g.path, "error", err)
	}
}

// lockHeld reports whether the lock at path belongs to a running process.
// A missing lock is not held; an unreadable PID is treated as stale.
func lockHeld(path string) (bool, int, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, 0, nil
		}

		return false, 0, fmt.Errorf("read run lock: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil || pid <= 0 {
		return false, 0, nil
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return false, pid, fmt.Errorf("look up lock owner: %w", err)
	}

	return process != nil, pid, nil
}
