package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-ps"

	"github.com/pkarpov/gridhost/internal/cache"
	"github.com/pkarpov/gridhost/internal/config"
	"github.com/pkarpov/gridhost/internal/fetcher"
	"github.com/pkarpov/gridhost/internal/loader"
	"github.com/pkarpov/gridhost/internal/logger"
)

// Options are inputs accepted by the host entry point.
type Options struct {
	// ConfigPath is an optional path to the settings YAML file.
	ConfigPath string
	// EngineType selects the adapter table entry for the loaded module.
	EngineType string
	// PackageFile is a module archive: either a local path or a bare file
	// name resolved against the configured update folder.
	PackageFile string
	// HotSwap keeps the previous module generation serving while the new
	// one starts.
	HotSwap bool
}

// orphanedParentID is the parent a module host is re-parented to once its
// owning worker dies.
const orphanedParentID = 1

// Run loads a worker module and serves it until the context is canceled.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "gridhost")

	cfg, err := loadSettings(opts.ConfigPath)
	if err != nil {
		return err
	}

	reapStaleModuleHosts(ctx, filepath.Base(cfg.ModuleHostPath))

	packagePath, err := resolvePackagePath(ctx, cfg, opts.PackageFile)
	if err != nil {
		return err
	}

	moduleLoader := newLoader(cfg)

	if err = moduleLoader.Replace(ctx, opts.EngineType, packagePath, opts.HotSwap); err != nil {
		return err
	}

	// Best-effort teardown of the running generation.
	defer func() {
		if unloadErr := moduleLoader.Unload(ctx); unloadErr != nil {
			logger.ErrorKV(ctx, "Module unload failed", "error", unloadErr)
		}
	}()

	worker, err := moduleLoader.WorkerInstance(ctx)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Module loaded and worker ready",
		"engine_type", opts.EngineType,
		"package", packagePath,
		"instance_id", worker.ID())

	<-ctx.Done()

	logger.Info(ctx, "Shutting down")

	return nil
}

// loadSettings reads the settings file, falling back to defaults when the
// file does not exist.
func loadSettings(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = &config.Config{}
	if err = config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newLoader assembles the extraction cache, launcher and loader from settings.
func newLoader(cfg *config.Config) *loader.Loader {
	extractionCache := cache.New(cfg.CacheRoot, cache.WithPollInterval(cfg.LockPollInterval))
	launcher := loader.NewProcessLauncher(
		cfg.ModuleHostPath,
		filepath.Join(cfg.StagingDir, "sockets"),
		cfg.InstallDir,
		cfg.ControlTimeout)

	return loader.New(extractionCache, launcher, loader.WithExtractWait(cfg.ExtractWaitTimeout))
}

// resolvePackagePath returns a local path for the requested module archive,
// downloading it from the update folder when only a bare name is given.
func resolvePackagePath(ctx context.Context, cfg *config.Config, packageFile string) (string, error) {
	if packageFile == "" {
		return "", fmt.Errorf("package file is not specified: %w", os.ErrNotExist)
	}

	if _, err := os.Stat(packageFile); err == nil {
		return packageFile, nil
	}

	if cfg.UpdateFolder == "" || strings.ContainsRune(packageFile, os.PathSeparator) {
		return "", fmt.Errorf("package file %s: %w", packageFile, os.ErrNotExist)
	}

	logger.InfoKV(ctx, "Downloading module package",
		"file", packageFile,
		"update_folder", cfg.UpdateFolder)

	adapter := fetcher.NewHTTPAdapter(cfg.UpdateFolder, cfg.StagingDir)

	return adapter.DownloadFile(ctx, packageFile)
}

// staleModuleHostPIDs filters a process listing down to module hosts whose
// owning worker is gone. A module host re-parented to init lost its worker;
// hosts still parented to a live process are left alone, as is this process
// itself.
func staleModuleHostPIDs(processList []ps.Process, hostExecutable string, selfPID int) []int {
	var pids []int

	for _, process := range processList {
		if process.Pid() == selfPID {
			continue
		}

		if process.Executable() != hostExecutable || process.PPid() != orphanedParentID {
			continue
		}

		pids = append(pids, process.Pid())
	}

	return pids
}

// reapStaleModuleHosts kills module host processes orphaned by a dead worker.
func reapStaleModuleHosts(ctx context.Context, hostExecutable string) {
	processList, err := ps.Processes()
	if err != nil {
		logger.WarnKV(ctx, "Unable to list processes", "error", err)
		return
	}

	for _, processID := range staleModuleHostPIDs(processList, hostExecutable, os.Getpid()) {
		runningProcess, findErr := os.FindProcess(processID)
		if findErr != nil {
			continue
		}

		logger.InfoKV(ctx, "Killing orphaned module host", "pid", processID)

		if killErr := runningProcess.Kill(); killErr != nil {
			logger.WarnKV(ctx, "Unable to kill orphaned module host", "pid", processID, "error", killErr)
		}
	}
}
