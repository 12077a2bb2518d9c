package packager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/multierr"

	"github.com/oshokin/deploy-packager/internal/logger"
)

// stagingDirMode is used for a freshly created staging directory.
const stagingDirMode os.FileMode = 0o755

// staging owns the staging directory for the duration of a run.
type staging struct {
	path string
}

// acquireStaging creates the staging directory. It fails with ErrStagingExists
// when the directory is already there, without touching it.
func acquireStaging(ctx context.Context, path string) (*staging, error) {
	if err := os.Mkdir(path, stagingDirMode); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrStagingExists)
		}

		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	logger.InfoKV(ctx, "Created staging directory", "path", path)

	return &staging{path: path}, nil
}

// finish keeps the directory when runErr is nil and removes it otherwise.
// It returns runErr combined with any cleanup failure.
func (s *staging) finish(ctx context.Context, runErr error) error {
	if runErr == nil {
		return nil
	}

	logger.WarnKV(ctx, "Removing staging directory after failed run", "path", s.path)

	if err := os.RemoveAll(s.path); err != nil {
		return multierr.Append(runErr, fmt.Errorf("remove staging directory: %w", err))
	}

	return runErr
}
