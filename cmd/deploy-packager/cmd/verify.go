package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/deploy-packager/internal/service/verifier"
)

// newVerifyCommand checks an archive against its manifest.
func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the archive checksum and entries against the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			cfg, err := resolveConfig(ctx, cmd)
			if err != nil {
				return err
			}

			opts := &verifier.Options{
				ManifestPath: cfg.ManifestPath,
				StagingName:  filepath.Base(cfg.StagingPath),
			}

			// The manifest records the archive path; only an explicit flag overrides it.
			if cmd.Flags().Changed("archive") {
				opts.ArchivePath = cfg.ArchivePath
			}

			m, err := verifier.Run(ctx, opts)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d entries, version %s)\n", m.Archive, len(m.Files), m.Version)

			return err
		},
	}
}
