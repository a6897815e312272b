package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkarpov/gridhost/internal/cache"
	"github.com/pkarpov/gridhost/internal/config"
	"github.com/pkarpov/gridhost/internal/logger"
	"github.com/pkarpov/gridhost/internal/modhost"
	"github.com/pkarpov/gridhost/internal/packageref"
	"github.com/pkarpov/gridhost/internal/workerapi"
)

var (
	// ErrUnknownEngineType is returned for engine types outside the supported set.
	ErrUnknownEngineType = errors.New("unknown engine type")

	// ErrModuleLoadFailed is returned when a package could not be materialized
	// into a live module host generation.
	ErrModuleLoadFailed = errors.New("module load failed")

	// ErrNoModuleLoaded is returned for instance requests against an unloaded Loader.
	ErrNoModuleLoaded = errors.New("no module is loaded")

	// errNotAWorker flags adapter types that do not implement the Worker interface.
	errNotAWorker = errors.New("registered type does not implement Worker")
)

// engineAdapters maps supported execution engine types to their adapter packages.
// The set is closed on purpose: an unknown engine fails fast instead of
// loading a package nobody can drive.
//
//nolint:gochecknoglobals // Static lookup table.
var engineAdapters = map[string]string{
	"symphony": "SymphonyAdapter",
	"unified":  "UnifiedAdapter",
}

// AdapterPackage resolves an engine type to its adapter package name.
func AdapterPackage(engineType string) (string, error) {
	adapter, ok := engineAdapters[engineType]
	if !ok {
		return "", fmt.Errorf("%s: %w", engineType, ErrUnknownEngineType)
	}

	return adapter, nil
}

// Loader drives a single live module host generation.
type Loader struct {
	// cache resolves and extracts package archives.
	cache *cache.Cache
	// launcher starts module host generations.
	launcher Launcher
	// extractWait bounds waiting for a foreign extraction to finish.
	extractWait time.Duration
	// current is the live generation, nil when unloaded.
	current *generation
}

// generation records what is currently loaded and owns its module host.
type generation struct {
	// engineType is the engine the package was loaded for.
	engineType string
	// archivePath is the staged archive the package came from.
	archivePath string
	// adapterPackage is the resolved adapter package name.
	adapterPackage string
	// host is the running module host for this generation.
	host Generation
}

// Option configures loader behaviour.
type Option func(*Loader)

// WithExtractWait overrides the bound on waiting for foreign extractions.
func WithExtractWait(wait time.Duration) Option {
	return func(l *Loader) {
		if wait > 0 {
			l.extractWait = wait
		}
	}
}

// New creates a loader in the unloaded state.
func New(packageCache *cache.Cache, launcher Launcher, opts ...Option) *Loader {
	l := &Loader{
		cache:       packageCache,
		launcher:    launcher,
		extractWait: config.DefaultExtractWaitTimeout,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Loaded reports whether a generation is currently live.
func (l *Loader) Loaded() bool {
	return l.current != nil
}

// ShouldReload reports whether a request for the engine/archive pair requires
// replacing the live generation. Only an exact match on both keeps it.
func (l *Loader) ShouldReload(engineType, archivePath string) bool {
	if l.current == nil {
		return true
	}

	return l.current.engineType != engineType || l.current.archivePath != archivePath
}

// Load tears down any live generation and brings up a new one for the
// engine/archive pair. On failure the loader is left unloaded.
func (l *Loader) Load(ctx context.Context, engineType, stagedArchivePath string) error {
	if l.current != nil {
		if err := l.Unload(ctx); err != nil {
			return err
		}
	}

	next, err := l.startGeneration(ctx, engineType, stagedArchivePath)
	if err != nil {
		return err
	}

	l.current = next

	return nil
}

// Replace brings the loader to the requested engine/archive pair.
//
// Without hot-swap the old generation is torn down before the new one is
// built. With hot-swap the new generation is built first and the old one is
// retired only once its replacement is live, so a load failure keeps the old
// code serving.
func (l *Loader) Replace(ctx context.Context, engineType, archivePath string, hotSwap bool) error {
	if !l.ShouldReload(engineType, archivePath) {
		logger.DebugKV(ctx, "Requested package already loaded",
			"engine_type", engineType, "archive", archivePath)

		return nil
	}

	if !hotSwap {
		return l.Load(ctx, engineType, archivePath)
	}

	next, err := l.startGeneration(ctx, engineType, archivePath)
	if err != nil {
		return err
	}

	previous := l.current
	l.current = next

	if previous != nil {
		if stopErr := previous.host.Stop(ctx); stopErr != nil {
			logger.WarnKV(ctx, "Failed to stop previous generation",
				"archive", previous.archivePath, "error", stopErr)
		}
	}

	return nil
}

// startGeneration materializes a package into a running module host.
func (l *Loader) startGeneration(ctx context.Context, engineType, archivePath string) (*generation, error) {
	adapterPackage, err := AdapterPackage(engineType)
	if err != nil {
		return nil, err
	}

	ref, err := packageref.Parse(archivePath)
	if err != nil {
		return nil, err
	}

	artifactPath, err := l.ensureExtracted(ctx, ref, archivePath)
	if err != nil {
		return nil, err
	}

	spec := GenerationSpec{
		PackageDir:    filepath.Dir(artifactPath),
		PrimaryModule: filepath.Base(artifactPath),
		AdapterModule: adapterPackage + filepath.Ext(artifactPath),
	}

	host, err := l.launcher.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("start module host for %s: %v: %w", ref, err, ErrModuleLoadFailed)
	}

	logger.InfoKV(ctx, "Package loaded",
		"package", ref.String(), "engine_type", engineType, "adapter", adapterPackage)

	return &generation{
		engineType:     engineType,
		archivePath:    archivePath,
		adapterPackage: adapterPackage,
		host:           host,
	}, nil
}

// ensureExtracted extracts the archive and waits until the artifact is
// observable. Extract may have returned optimistically while another process
// held the extraction lock, so presence is confirmed with a bounded wait and
// one retry that re-runs the idempotent extraction.
func (l *Loader) ensureExtracted(ctx context.Context, ref packageref.Ref, archivePath string) (string, error) {
	artifactPath, err := l.cache.Extract(ctx, ref, archivePath)
	if err != nil {
		return "", err
	}

	present, err := l.cache.IsExtracted(ctx, ref, l.extractWait)
	if err != nil {
		return "", err
	}

	if !present {
		// The other extractor finished or vanished without producing the
		// artifact; race for the lock ourselves this time.
		if artifactPath, err = l.cache.Extract(ctx, ref, archivePath); err != nil {
			return "", err
		}

		if present, err = l.cache.IsExtracted(ctx, ref, l.extractWait); err != nil {
			return "", err
		}

		if !present {
			return "", fmt.Errorf("package %s never became available: %w", ref, ErrModuleLoadFailed)
		}
	}

	return artifactPath, nil
}

// WorkerInstance instantiates the adapter's conventional GridWorker type in
// the live generation.
func (l *Loader) WorkerInstance(ctx context.Context) (*Instance, error) {
	if l.current == nil {
		return nil, ErrNoModuleLoaded
	}

	typeName := l.current.adapterPackage + "." + workerapi.WorkerTypeName

	instanceID, isWorker, err := l.current.host.Client().NewInstance(
		ctx, l.current.adapterPackage, workerapi.WorkerTypeName)
	if err != nil {
		return nil, err
	}

	if !isWorker {
		return nil, &workerapi.Error{Op: typeName, Err: errNotAWorker}
	}

	return &Instance{
		client:     l.current.host.Client(),
		instanceID: instanceID,
	}, nil
}

// ServiceInstance instantiates a namespace-qualified service type in the live
// generation. A generation that cannot produce a declared service is not
// left half-alive: on a missing type the loader unloads itself before
// reporting the failure.
func (l *Loader) ServiceInstance(ctx context.Context, namespace, typeName string) (*Instance, error) {
	if l.current == nil {
		return nil, ErrNoModuleLoaded
	}

	instanceID, _, err := l.current.host.Client().NewInstance(ctx, namespace, typeName)
	if err != nil {
		if errors.Is(err, workerapi.ErrTypeNotFound) {
			if unloadErr := l.Unload(ctx); unloadErr != nil {
				logger.WarnKV(ctx, "Failed to unload after missing service type", "error", unloadErr)
			}
		}

		return nil, err
	}

	return &Instance{
		client:     l.current.host.Client(),
		instanceID: instanceID,
	}, nil
}

// Unload retires the live generation, releasing the module host and
// everything it loaded. Calling Unload on an unloaded Loader is a no-op.
func (l *Loader) Unload(ctx context.Context) error {
	if l.current == nil {
		return nil
	}

	current := l.current
	l.current = nil

	if err := current.host.Stop(ctx); err != nil {
		return fmt.Errorf("stop module host: %w", err)
	}

	logger.InfoKV(ctx, "Package unloaded", "archive", current.archivePath)

	return nil
}

// Instance is a handle to one object living inside a module host generation.
// It becomes unusable once its generation is retired.
type Instance struct {
	// client is the control channel of the owning generation.
	client *modhost.Client
	// instanceID identifies the object inside the module host.
	instanceID uint64
}

// ID returns the instance identifier assigned by the module host.
func (i *Instance) ID() uint64 {
	return i.instanceID
}

// Execute runs a payload through the remote instance.
func (i *Instance) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return i.client.Invoke(ctx, i.instanceID, payload)
}
