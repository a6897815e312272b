package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pkarpov/gridhost/internal/config"
	"github.com/pkarpov/gridhost/internal/logger"
	"github.com/pkarpov/gridhost/internal/service/host"
	"github.com/pkarpov/gridhost/internal/version"
)

// errBadLogLevel is returned for log level values outside the known set.
var errBadLogLevel = errors.New("unsupported log level")

var (
	// configPath to the configuration YAML file.
	configPath string
	// engineType selects the adapter for the loaded module.
	engineType string
	// hotSwap keeps the previous module generation serving during replacement.
	hotSwap bool
	// logLevel sets the minimum level for log output.
	logLevel string

	// rootCmd represents the base command for running a worker host.
	rootCmd = &cobra.Command{
		Use:   "gridhost <package-file>",
		Short: "Run a worker that loads a versioned module package.",
		Long: `Starts a worker host that extracts the given module package into the shared
version cache and loads it inside an isolated module host process.

The package file name must follow the <name>-v<version>.zip convention.
A bare file name is downloaded from the configured update folder; a path is
used as-is. The engine type picks the adapter loaded next to the package's
primary module. The worker serves until interrupted.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(_ *cobra.Command, _ []string) error {
			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q: %w", logLevel, errBadLogLevel)
			}

			logger.SetLevel(level)

			return nil
		},
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &host.Options{
				ConfigPath:  configPath,
				EngineType:  engineType,
				PackageFile: args[0],
				HotSwap:     hotSwap,
			}

			return host.Run(ctx, options)
		},
	}
)

// Execute runs the gridhost CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&engineType, "engine", "e", "symphony", "engine type of the loaded module")
	rootCmd.Flags().BoolVar(&hotSwap, "hot-swap", false, "keep the previous module serving while the new one starts")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum level for log output")
}
