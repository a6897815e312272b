package loader

import (
	"archive/zip"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkarpov/gridhost/internal/cache"
	"github.com/pkarpov/gridhost/internal/modhost"
	"github.com/pkarpov/gridhost/internal/workerapi"
)

// echoWorker is the GridWorker implementation served by the fake generations.
type echoWorker struct{}

// Execute returns the payload with a marker prefix.
func (echoWorker) Execute(_ context.Context, payload []byte) ([]byte, error) {
	return append([]byte("echo:"), payload...), nil
}

// fakeLauncher runs module host generations in-process over real control sockets.
type fakeLauncher struct {
	t        *testing.T
	registry *workerapi.Registry
	// failStart makes Start fail when set.
	failStart error
	// started and stopped count generation transitions.
	started int
	stopped int
}

// Start brings up an in-process control server backed by the fake's registry.
func (f *fakeLauncher) Start(ctx context.Context, _ GenerationSpec) (Generation, error) {
	if f.failStart != nil {
		return nil, f.failStart
	}

	socketPath := filepath.Join(f.t.TempDir(), "control.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	server := modhost.NewServer(f.registry)
	served := make(chan error, 1)

	go func() {
		served <- server.Serve(context.Background(), listener)
	}()

	client, err := modhost.Dial(ctx, socketPath, modhost.WithCallTimeout(time.Second))
	if err != nil {
		return nil, err
	}

	f.started++

	return &fakeGeneration{
		launcher: f,
		client:   client,
		served:   served,
	}, nil
}

// fakeGeneration is a Generation backed by an in-process control server.
type fakeGeneration struct {
	launcher *fakeLauncher
	client   *modhost.Client
	served   chan error
}

// Client returns the control channel of the generation.
func (g *fakeGeneration) Client() *modhost.Client {
	return g.client
}

// Stop shuts the in-process server down and records the retirement.
func (g *fakeGeneration) Stop(ctx context.Context) error {
	g.launcher.stopped++

	_ = g.client.Shutdown(ctx)
	_ = g.client.Close()
	<-g.served

	return nil
}

// stageArchive writes a well-formed package zip into dir and returns its path.
func stageArchive(t *testing.T, dir, name, version string) string {
	t.Helper()

	staged := filepath.Join(dir, name+"-v"+version+".zip")

	file, err := os.Create(staged)
	require.NoError(t, err)

	writer := zip.NewWriter(file)
	for _, entryName := range []string{
		name + "/" + version + "/" + name + ".so",
		name + "/" + version + "/SymphonyAdapter.so",
	} {
		entry, entryErr := writer.Create(entryName)
		require.NoError(t, entryErr)

		_, entryErr = entry.Write([]byte("module bytes"))
		require.NoError(t, entryErr)
	}

	require.NoError(t, writer.Close())
	require.NoError(t, file.Close())

	return staged
}

// newTestLoader wires a loader against a temp cache and a fake launcher.
func newTestLoader(t *testing.T, registry *workerapi.Registry) (*Loader, *fakeLauncher, string) {
	t.Helper()

	dir := t.TempDir()
	packageCache := cache.New(filepath.Join(dir, "packages"), cache.WithPollInterval(10*time.Millisecond))
	launcher := &fakeLauncher{t: t, registry: registry}

	return New(packageCache, launcher, WithExtractWait(time.Second)), launcher, dir
}

// workerRegistry builds a registry with the conventional worker and a sample service.
func workerRegistry() *workerapi.Registry {
	registry := workerapi.NewRegistry()
	registry.Register("SymphonyAdapter", workerapi.WorkerTypeName, func() (any, error) {
		return echoWorker{}, nil
	})
	registry.Register("SampleNs", "FooImpl", func() (any, error) {
		return "foo service", nil
	})

	return registry
}

// TestAdapterPackage checks the engine lookup table.
func TestAdapterPackage(t *testing.T) {
	t.Parallel()

	adapter, err := AdapterPackage("symphony")
	require.NoError(t, err)
	require.Equal(t, "SymphonyAdapter", adapter)

	adapter, err = AdapterPackage("unified")
	require.NoError(t, err)
	require.Equal(t, "UnifiedAdapter", adapter)

	_, err = AdapterPackage("mapreduce")
	require.ErrorIs(t, err, ErrUnknownEngineType)
}

// TestShouldReload covers the exact-match-keeps-it decision table.
func TestShouldReload(t *testing.T) {
	t.Parallel()

	ld, _, dir := newTestLoader(t, workerRegistry())
	staged := stageArchive(t, dir, "sample", "1.0.0")

	// Nothing loaded yet.
	require.True(t, ld.ShouldReload("symphony", staged))

	require.NoError(t, ld.Load(context.Background(), "symphony", staged))

	// Exact match keeps the live generation.
	require.False(t, ld.ShouldReload("symphony", staged))

	// Any mismatch forces a reload.
	require.True(t, ld.ShouldReload("unified", staged))
	require.True(t, ld.ShouldReload("symphony", filepath.Join(dir, "other-v2.zip")))

	require.NoError(t, ld.Unload(context.Background()))
}

// TestLoaderLifecycle walks load, instantiation, invocation, and unload.
func TestLoaderLifecycle(t *testing.T) {
	t.Parallel()

	ld, launcher, dir := newTestLoader(t, workerRegistry())
	staged := stageArchive(t, dir, "sample", "1.0.0")

	require.False(t, ld.Loaded())
	require.NoError(t, ld.Load(context.Background(), "symphony", staged))
	require.True(t, ld.Loaded())

	worker, err := ld.WorkerInstance(context.Background())
	require.NoError(t, err)

	output, err := worker.Execute(context.Background(), []byte("task"))
	require.NoError(t, err)
	require.Equal(t, "echo:task", string(output))

	service, err := ld.ServiceInstance(context.Background(), "SampleNs", "FooImpl")
	require.NoError(t, err)
	require.NotNil(t, service)

	require.NoError(t, ld.Unload(context.Background()))
	require.False(t, ld.Loaded())
	require.Equal(t, 1, launcher.stopped)

	// Queries after unload fail cleanly.
	_, err = ld.WorkerInstance(context.Background())
	require.ErrorIs(t, err, ErrNoModuleLoaded)

	_, err = ld.ServiceInstance(context.Background(), "SampleNs", "FooImpl")
	require.ErrorIs(t, err, ErrNoModuleLoaded)

	// Unload is idempotent.
	require.NoError(t, ld.Unload(context.Background()))
	require.Equal(t, 1, launcher.stopped)
}

// TestServiceInstanceMissingTypeUnloads verifies the fail-fast teardown.
func TestServiceInstanceMissingTypeUnloads(t *testing.T) {
	t.Parallel()

	ld, launcher, dir := newTestLoader(t, workerRegistry())
	staged := stageArchive(t, dir, "sample", "1.0.0")

	require.NoError(t, ld.Load(context.Background(), "symphony", staged))

	_, err := ld.ServiceInstance(context.Background(), "SampleNs", "Missing")
	require.ErrorIs(t, err, workerapi.ErrTypeNotFound)

	// The loader did not stay half-alive.
	require.False(t, ld.Loaded())
	require.Equal(t, 1, launcher.stopped)
}

// TestLoadFailures checks the typed failures of the load path.
func TestLoadFailures(t *testing.T) {
	t.Parallel()

	ld, launcher, dir := newTestLoader(t, workerRegistry())
	staged := stageArchive(t, dir, "sample", "1.0.0")

	// Engine outside the supported set.
	err := ld.Load(context.Background(), "mapreduce", staged)
	require.ErrorIs(t, err, ErrUnknownEngineType)
	require.False(t, ld.Loaded())

	// Archive name without a version separator.
	err = ld.Load(context.Background(), "symphony", filepath.Join(dir, "sample.zip"))
	require.Error(t, err)
	require.False(t, ld.Loaded())

	// Module host failing to start surfaces ErrModuleLoadFailed.
	launcher.failStart = errors.New("no such executable")

	err = ld.Load(context.Background(), "symphony", staged)
	require.ErrorIs(t, err, ErrModuleLoadFailed)
	require.False(t, ld.Loaded())
}

// TestWorkerInstanceRequiresWorker rejects adapters whose GridWorker is not a Worker.
func TestWorkerInstanceRequiresWorker(t *testing.T) {
	t.Parallel()

	registry := workerapi.NewRegistry()
	registry.Register("SymphonyAdapter", workerapi.WorkerTypeName, func() (any, error) {
		return "not a worker", nil
	})

	ld, _, dir := newTestLoader(t, registry)
	staged := stageArchive(t, dir, "sample", "1.0.0")

	require.NoError(t, ld.Load(context.Background(), "symphony", staged))

	t.Cleanup(func() {
		_ = ld.Unload(context.Background())
	})

	_, err := ld.WorkerInstance(context.Background())

	var apiErr *workerapi.Error

	require.ErrorAs(t, err, &apiErr)
}

// TestReplaceHotSwap verifies the new generation is live before the old one retires.
func TestReplaceHotSwap(t *testing.T) {
	t.Parallel()

	ld, launcher, dir := newTestLoader(t, workerRegistry())
	first := stageArchive(t, dir, "sample", "1.0.0")
	second := stageArchive(t, dir, "sample", "2.0.0")

	require.NoError(t, ld.Load(context.Background(), "symphony", first))
	require.Equal(t, 1, launcher.started)

	require.NoError(t, ld.Replace(context.Background(), "symphony", second, true))
	require.Equal(t, 2, launcher.started)
	require.Equal(t, 1, launcher.stopped)
	require.True(t, ld.Loaded())

	// Matching engine and archive is a no-op.
	require.NoError(t, ld.Replace(context.Background(), "symphony", second, true))
	require.Equal(t, 2, launcher.started)

	// A failed hot-swap keeps the live generation serving.
	launcher.failStart = errors.New("boom")
	err := ld.Replace(context.Background(), "unified", first, true)
	require.Error(t, err)
	require.True(t, ld.Loaded())
	require.False(t, ld.ShouldReload("symphony", second))

	launcher.failStart = nil
	require.NoError(t, ld.Unload(context.Background()))
}
