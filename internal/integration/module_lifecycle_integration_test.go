package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkarpov/gridhost/internal/cache"
	"github.com/pkarpov/gridhost/internal/fetcher"
	"github.com/pkarpov/gridhost/internal/loader"
	"github.com/pkarpov/gridhost/internal/modhost"
	"github.com/pkarpov/gridhost/internal/packageref"
	"github.com/pkarpov/gridhost/internal/workerapi"
)

// mustParseRef parses a package file name or fails the test.
func mustParseRef(t *testing.T, fileName string) packageref.Ref {
	t.Helper()

	ref, err := packageref.Parse(fileName)
	require.NoError(t, err)

	return ref
}

// echoWorker implements the conventional worker contract for tests.
type echoWorker struct{}

func (echoWorker) Execute(_ context.Context, payload []byte) ([]byte, error) {
	return append([]byte("echo:"), payload...), nil
}

// serverLauncher runs real module host control servers in-process over unix
// sockets, standing in for the gridhost-module subprocess.
type serverLauncher struct {
	t        *testing.T
	registry *workerapi.Registry
	started  int
	stopped  int
}

func (l *serverLauncher) Start(ctx context.Context, spec loader.GenerationSpec) (loader.Generation, error) {
	l.t.Helper()

	// The real launcher spawns a subprocess that opens these files; here the
	// layout is just verified.
	require.DirExists(l.t, spec.PackageDir)
	require.FileExists(l.t, filepath.Join(spec.PackageDir, spec.PrimaryModule))

	socketPath := filepath.Join(l.t.TempDir(), "control.sock")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(l.t, err)

	server := modhost.NewServer(l.registry)
	go func() {
		_ = server.Serve(context.Background(), listener)
	}()

	client, err := modhost.Dial(ctx, socketPath)
	require.NoError(l.t, err)

	l.started++

	return &serverGeneration{launcher: l, client: client}, nil
}

type serverGeneration struct {
	launcher *serverLauncher
	client   *modhost.Client
}

func (g *serverGeneration) Client() *modhost.Client {
	return g.client
}

func (g *serverGeneration) Stop(ctx context.Context) error {
	_ = g.client.Shutdown(ctx)
	_ = g.client.Close()
	g.launcher.stopped++

	return nil
}

// buildArchive produces a package archive whose layout matches the shared
// extraction cache convention.
func buildArchive(t *testing.T, name, version string) []byte {
	t.Helper()

	var buf bytes.Buffer

	writer := zip.NewWriter(&buf)
	for _, entry := range []string{
		name + "/" + version + "/" + name + ".so",
		name + "/" + version + "/SymphonyAdapter.so",
	} {
		file, err := writer.Create(entry)
		require.NoError(t, err)

		_, err = file.Write([]byte("module: " + entry))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	return buf.Bytes()
}

// TestModuleLifecycle_FetchExtractLoadInvoke walks the full path a worker
// takes: download the package archive, extract it into the shared cache,
// load it into a module host generation, run the worker, hot-swap to a new
// version and unload.
//
//nolint:funlen // Integration test requires comprehensive setup and verification.
func TestModuleLifecycle_FetchExtractLoadInvoke(t *testing.T) {
	ctx := context.Background()

	// Serve two package versions over HTTP like an update folder would.
	archives := map[string][]byte{
		"sample-v1.0.0.zip": buildArchive(t, "sample", "1.0.0"),
		"sample-v1.1.0.zip": buildArchive(t, "sample", "1.1.0"),
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := archives[filepath.Base(r.URL.Path)]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		_, _ = w.Write(body)
	}))
	defer ts.Close()

	stagingDir := t.TempDir()
	adapter := fetcher.NewHTTPAdapter(ts.URL, stagingDir)

	stagedPath, err := adapter.DownloadFile(ctx, "sample-v1.0.0.zip")
	require.NoError(t, err)
	require.FileExists(t, stagedPath)

	// Registry mirrors what the adapter module's init would register.
	registry := workerapi.NewRegistry()
	registry.Register("SymphonyAdapter", workerapi.WorkerTypeName, func() (any, error) {
		return echoWorker{}, nil
	})

	launcher := &serverLauncher{t: t, registry: registry}
	packageCache := cache.New(t.TempDir(), cache.WithPollInterval(10*time.Millisecond))
	moduleLoader := loader.New(packageCache, launcher, loader.WithExtractWait(time.Second))

	require.NoError(t, moduleLoader.Load(ctx, "symphony", stagedPath))
	require.True(t, moduleLoader.Loaded())

	worker, err := moduleLoader.WorkerInstance(ctx)
	require.NoError(t, err)

	reply, err := worker.Execute(ctx, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("echo:ping"), reply)

	// Same engine and archive: nothing to do.
	require.False(t, moduleLoader.ShouldReload("symphony", stagedPath))
	require.NoError(t, moduleLoader.Replace(ctx, "symphony", stagedPath, true))
	require.Equal(t, 1, launcher.started)

	// New version arrives: hot-swap retires the old generation only after
	// the replacement is live.
	nextPath, err := adapter.DownloadFile(ctx, "sample-v1.1.0.zip")
	require.NoError(t, err)

	require.True(t, moduleLoader.ShouldReload("symphony", nextPath))
	require.NoError(t, moduleLoader.Replace(ctx, "symphony", nextPath, true))
	require.Equal(t, 2, launcher.started)
	require.Equal(t, 1, launcher.stopped)

	worker, err = moduleLoader.WorkerInstance(ctx)
	require.NoError(t, err)

	reply, err = worker.Execute(ctx, []byte("again"))
	require.NoError(t, err)
	require.Equal(t, []byte("echo:again"), reply)

	require.NoError(t, moduleLoader.Unload(ctx))
	require.False(t, moduleLoader.Loaded())
	require.Equal(t, 2, launcher.stopped)

	// Both versions stay materialized in the shared cache for other workers.
	for _, version := range []string{"1.0.0", "1.1.0"} {
		ref := mustParseRef(t, "sample-v"+version+".zip")
		present, presentErr := packageCache.IsExtracted(ctx, ref, 0)
		require.NoError(t, presentErr)
		require.True(t, present)
	}
}

// TestModuleLifecycle_SharedCacheAcrossWorkers extracts the same package from
// two loaders sharing one cache root and verifies the second load reuses the
// extracted version.
func TestModuleLifecycle_SharedCacheAcrossWorkers(t *testing.T) {
	ctx := context.Background()

	stagedPath := filepath.Join(t.TempDir(), "shared-v2.0.0.zip")
	require.NoError(t, os.WriteFile(stagedPath, buildArchive(t, "shared", "2.0.0"), 0o600))

	registry := workerapi.NewRegistry()
	registry.Register("SymphonyAdapter", workerapi.WorkerTypeName, func() (any, error) {
		return echoWorker{}, nil
	})

	cacheRoot := t.TempDir()

	for i := 0; i < 2; i++ {
		launcher := &serverLauncher{t: t, registry: registry}
		packageCache := cache.New(cacheRoot, cache.WithPollInterval(10*time.Millisecond))
		moduleLoader := loader.New(packageCache, launcher, loader.WithExtractWait(time.Second))

		require.NoError(t, moduleLoader.Load(ctx, "symphony", stagedPath))

		worker, err := moduleLoader.WorkerInstance(ctx)
		require.NoError(t, err)

		reply, err := worker.Execute(ctx, []byte("shared"))
		require.NoError(t, err)
		require.Equal(t, []byte("echo:shared"), reply)

		require.NoError(t, moduleLoader.Unload(ctx))
	}
}
