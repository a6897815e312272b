package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pkarpov/gridhost/internal/logger"
	"github.com/pkarpov/gridhost/internal/modhost"
	"github.com/pkarpov/gridhost/internal/version"
	"github.com/pkarpov/gridhost/internal/workerapi"
)

var (
	// socketPath is the unix socket the control channel listens on.
	socketPath string
	// packageDir is the extracted version directory of the served package.
	packageDir string
	// primaryModule is the file name of the package's primary module.
	primaryModule string
	// adapterModule is the file name of the engine adapter module.
	adapterModule string
	// installDir is the fallback module resolution directory.
	installDir string

	// rootCmd represents the base command for serving one module generation.
	rootCmd = &cobra.Command{
		Use:   "gridhost-module",
		Short: "Serve one loaded module generation over a control socket.",
		Long: `Loads the adapter and primary modules of an extracted package and serves
instance requests over a unix control socket.

This binary is spawned by gridhost, one process per loaded package, so that
unloading a package is a process exit. It is not meant to be run by hand.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return serve(ctx)
		},
	}
)

// serve loads the module files and runs the control channel until shutdown.
func serve(ctx context.Context) error {
	ctx = logger.WithName(ctx, "gridhost-module")

	err := modhost.LoadModules(ctx, modhost.PluginOpener{}, packageDir, installDir, adapterModule, primaryModule)
	if err != nil {
		return err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}

	logger.InfoKV(ctx, "Module host serving", "socket", socketPath, "package_dir", packageDir)

	return modhost.NewServer(workerapi.Default()).Serve(ctx, listener)
}

// Execute runs the gridhost-module CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path for the control channel")
	rootCmd.Flags().StringVar(&packageDir, "package-dir", "", "extracted package version directory")
	rootCmd.Flags().StringVar(&primaryModule, "primary", "", "primary module file name")
	rootCmd.Flags().StringVar(&adapterModule, "adapter", "", "engine adapter module file name")
	rootCmd.Flags().StringVar(&installDir, "install-dir", "", "fallback module installation directory")

	for _, name := range []string{"socket", "package-dir", "primary", "adapter"} {
		if err := rootCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}
