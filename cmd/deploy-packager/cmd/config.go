package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oshokin/deploy-packager/internal/config"
	"github.com/oshokin/deploy-packager/internal/logger"
)

// newConfigCommand prints or saves the effective settings, so CI reads the
// archive location from the same source as the packager.
func newConfigCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := resolveConfig(ctx, cmd)
			if err != nil {
				return err
			}

			if output != "" {
				if err = config.Save(output, cfg); err != nil {
					return err
				}

				logger.InfoKV(ctx, "Settings saved", "path", output)

				return nil
			}

			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(data)

			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the settings to this file instead of stdout")

	return cmd
}
