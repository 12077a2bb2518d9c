package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/deploy-packager/internal/config"
	"github.com/oshokin/deploy-packager/internal/logger"
	"github.com/oshokin/deploy-packager/internal/service/packager"
	"github.com/oshokin/deploy-packager/internal/version"
)

const (
	// exitPrecondition is returned when the run refused to start (staging exists, run in progress).
	exitPrecondition = 1
	// exitFailure is returned for every other error.
	exitFailure = 2
)

var (
	// configPath to the configuration file.
	configPath string
	// overrides collects path flags; empty values leave lower layers in place.
	overrides config.Config
	// archivePolicy is the raw --archive-exists value.
	archivePolicy string

	// rootCmd packages the deployment archive when invoked without a subcommand.
	rootCmd = &cobra.Command{
		Use:   "deploy-packager",
		Short: "Assemble the deployment archive for the function",
		Long: `Copies the installed dependencies (<virtualenv>/lib/python<version>/site-packages)
and the application source into a fresh staging directory, then compresses the
staging contents into a zip archive with no container directory at its root.

The staging directory must not exist; remove it before running again.
Settings come from defaults, the VIRTUAL_ENV variable, the settings file and flags,
in increasing order of precedence.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			cfg, err := resolveConfig(ctx, cmd)
			if err != nil {
				return err
			}

			return packager.Run(ctx, &packager.Options{Config: cfg})
		},
	}
)

// Execute runs the deploy-packager CLI and exits with non-zero status on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, packager.ErrStagingExists),
		errors.Is(err, packager.ErrPackagingInProgress),
		errors.Is(err, packager.ErrArchiveExists):
		return exitPrecondition
	default:
		return exitFailure
	}
}

// resolveConfig layers defaults, environment, settings file and flags, then applies the log level.
func resolveConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	flags := overrides
	flags.ArchiveExists = config.ArchivePolicy(archivePolicy)

	cfg, err := config.Resolve(configPath, cmd.Flags().Changed("config"), &flags, os.Getenv)
	if err != nil {
		return nil, err
	}

	level, ok := logger.ParseLogLevel(cfg.LogLevel)
	if !ok {
		logger.WarnKV(ctx, "Unknown log level, using info", "log_level", cfg.LogLevel)
	}

	logger.SetLevel(level)

	return cfg, nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Path flags are persistent so `config` and `verify` see the same locations.
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", config.DefaultConfigFilename,
		"path to settings file (YAML, or JSON with comments)")
	flags.StringVar(&overrides.DependenciesPath, "dependencies", "",
		"installed dependencies directory (default: derived from $"+config.EnvVirtualEnv+")")
	flags.StringVar(&overrides.AppSourcePath, "app-source", "",
		"application source directory (default \""+config.DefaultAppSourcePath+"\")")
	flags.StringVar(&overrides.StagingPath, "staging", "",
		"staging directory, must not exist (default \""+config.DefaultStagingPath+"\")")
	flags.StringVar(&overrides.ArchivePath, "archive", "",
		"output archive path (default \""+config.DefaultArchivePath+"\")")
	flags.StringVar(&overrides.ManifestPath, "manifest", "",
		"output manifest path (default: next to the archive)")
	flags.StringVar(&overrides.PythonVersion, "python-version", "",
		"python version of the site-packages layout (default \""+config.DefaultPythonVersion+"\")")
	flags.StringVar(&archivePolicy, "archive-exists", "",
		"what to do with an existing archive: overwrite or fail (default \"overwrite\")")
	flags.IntVar(&overrides.CompressionLevel, "compression-level", 0,
		"deflate level from 1 (fastest) to 9 (smallest) (default "+strconv.Itoa(config.DefaultCompressionLevel)+")")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(version.NewCommand(), newConfigCommand(), newVerifyCommand())
}
