package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pkarpov/gridhost/internal/config"
	"github.com/pkarpov/gridhost/internal/service/installer"
	"github.com/pkarpov/gridhost/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// sourceDir holds the module baseline and its manifest.
	sourceDir string
	// installDir overrides the configured installation directory.
	installDir string

	// rootCmd represents the base command for syncing the module installation directory.
	rootCmd = &cobra.Command{
		Use:   "gridhost-installer",
		Short: "Sync the module installation directory against a baseline.",
		Long: `Reads the baseline manifest produced by gridhost-packager and replaces
every installed module file whose checksum no longer matches.

Replacements are atomic and checksum-verified. Files already up to date are
left untouched, so repeated runs are cheap.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &installer.Options{
				ConfigPath: configPath,
				SourceDir:  sourceDir,
				InstallDir: installDir,
			}

			return installer.Run(ctx, options)
		},
	}
)

// Execute runs the gridhost-installer CLI and exits with non-zero status on error.
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
	rootCmd.Flags().StringVarP(&sourceDir, "source", "s", ".", "directory holding the module baseline")
	rootCmd.Flags().StringVarP(&installDir, "install-dir", "i", "", "override the configured installation directory")
}
