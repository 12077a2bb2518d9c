package packager

import (
	"context"
	"os"
	"os/user"

	"github.com/oshokin/deploy-packager/internal/domain/bundle"
	"github.com/oshokin/deploy-packager/internal/logger"
)

// detectActor gathers host and user information for the manifest audit trail.
// CI containers often run as a uid without a passwd entry, so lookup failures
// leave the field empty instead of failing the run.
func detectActor(ctx context.Context) bundle.Actor {
	var actor bundle.Actor

	hostname, err := os.Hostname()
	if err != nil {
		logger.WarnKV(ctx, "Failed to detect hostname", "error", err)
	} else {
		actor.Hostname = hostname
	}

	currentUser, err := user.Current()
	if err != nil {
		logger.WarnKV(ctx, "Failed to detect current user", "error", err)
	} else {
		actor.Username = currentUser.Username
	}

	return actor
}
