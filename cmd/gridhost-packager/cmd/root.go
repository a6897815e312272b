package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pkarpov/gridhost/internal/service/packager"
	"github.com/pkarpov/gridhost/internal/version"
)

// rootCmd represents the base command for building a module baseline manifest.
var rootCmd = &cobra.Command{
	Use:   "gridhost-packager <source-dir>",
	Short: "Build a checksum manifest for a directory of compiled modules.",
	Long: `Scans a directory of compiled module files, computes a checksum for each
and writes a baseline manifest next to them.

The manifest is consumed by gridhost-installer on target machines to bring
the module installation directory up to date.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		// Setup graceful shutdown handling.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		return packager.Run(ctx, &packager.Options{SourceDir: args[0]})
	},
}

// Execute runs the gridhost-packager CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
