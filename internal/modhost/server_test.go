package modhost

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkarpov/gridhost/internal/workerapi"
)

// echoWorker is a minimal Worker implementation for control channel tests.
type echoWorker struct{}

// Execute returns the payload with a marker prefix.
func (echoWorker) Execute(_ context.Context, payload []byte) ([]byte, error) {
	return append([]byte("echo:"), payload...), nil
}

// testRegistry builds a registry with a worker type and a plain service type.
func testRegistry() *workerapi.Registry {
	registry := workerapi.NewRegistry()
	registry.Register("SymphonyAdapter", workerapi.WorkerTypeName, func() (any, error) {
		return echoWorker{}, nil
	})
	registry.Register("SampleNs", "FooImpl", func() (any, error) {
		return "plain service", nil
	})

	return registry
}

// startServer runs a control server on a unix socket and returns a connected client.
func startServer(t *testing.T, registry *workerapi.Registry) (*Client, chan error) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "control.sock")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	server := NewServer(registry)
	served := make(chan error, 1)

	go func() {
		served <- server.Serve(context.Background(), listener)
	}()

	client, err := Dial(context.Background(), socketPath, WithCallTimeout(time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = os.Remove(socketPath)
	})

	return client, served
}

// TestControlRoundtrip exercises ping, instantiation, invocation, and shutdown.
func TestControlRoundtrip(t *testing.T) {
	t.Parallel()

	client, served := startServer(t, testRegistry())

	require.NoError(t, client.Ping(context.Background()))

	// Worker instantiation via the conventional type name.
	id, isWorker, err := client.NewInstance(context.Background(), "SymphonyAdapter", workerapi.WorkerTypeName)
	require.NoError(t, err)
	require.True(t, isWorker)
	require.NotZero(t, id)

	output, err := client.Invoke(context.Background(), id, []byte("task"))
	require.NoError(t, err)
	require.Equal(t, "echo:task", string(output))

	// Plain service instantiation.
	serviceID, isWorker, err := client.NewInstance(context.Background(), "SampleNs", "FooImpl")
	require.NoError(t, err)
	require.False(t, isWorker)
	require.NotEqual(t, id, serviceID)

	// Invoking a non-worker instance is rejected by the module host.
	_, err = client.Invoke(context.Background(), serviceID, nil)
	require.Error(t, err)

	// Shutdown makes Serve return.
	require.NoError(t, client.Shutdown(context.Background()))

	select {
	case err = <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after shutdown")
	}
}

// TestControlTypedErrors checks that typed errors survive the wire.
func TestControlTypedErrors(t *testing.T) {
	t.Parallel()

	errFactory := errors.New("constructor blew up")

	registry := testRegistry()
	registry.Register("SampleNs", "Broken", func() (any, error) {
		return nil, errFactory
	})

	client, _ := startServer(t, registry)

	// Missing registration maps back to ErrTypeNotFound.
	_, _, err := client.NewInstance(context.Background(), "SampleNs", "Missing")
	require.ErrorIs(t, err, workerapi.ErrTypeNotFound)

	// A failing factory comes back as *workerapi.Error with the op preserved.
	_, _, err = client.NewInstance(context.Background(), "SampleNs", "Broken")

	var apiErr *workerapi.Error

	require.ErrorAs(t, err, &apiErr)
	require.Contains(t, apiErr.Op, "SampleNs.Broken")
	require.Contains(t, err.Error(), "constructor blew up")
}

// TestResolveModuleFile verifies the package-dir-first, install-dir-fallback order.
func TestResolveModuleFile(t *testing.T) {
	t.Parallel()

	packageDir := t.TempDir()
	installDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(packageDir, "sample.so"), []byte("pkg"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "sample.so"), []byte("inst"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "extra.so"), []byte("inst"), 0o644))

	// Package directory wins when both exist.
	path, err := ResolveModuleFile(packageDir, installDir, "sample.so")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(packageDir, "sample.so"), path)

	// Fallback to the installation directory.
	path, err = ResolveModuleFile(packageDir, installDir, "extra.so")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(installDir, "extra.so"), path)

	// Missing everywhere.
	_, err = ResolveModuleFile(packageDir, installDir, "absent.so")
	require.ErrorIs(t, err, os.ErrNotExist)
}
