package packager_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pkarpov/gridhost/internal/service/installer"
	"github.com/pkarpov/gridhost/internal/service/packager"
)

func TestBuildManifest(t *testing.T) {
	t.Parallel()

	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "grid_worker.so"), []byte("worker"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "notes.txt"), []byte("skip me"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(sourceDir, "nested.so"), 0o755))

	manifest, err := packager.BuildManifest(sourceDir)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 1)
	require.Contains(t, manifest.Files, "grid_worker.so")
	require.NotEmpty(t, manifest.VersionNumber)
}

func TestBuildManifestEmptyDir(t *testing.T) {
	t.Parallel()

	_, err := packager.BuildManifest(t.TempDir())
	require.Error(t, err)
}

func TestRunRoundtripsThroughInstaller(t *testing.T) {
	t.Parallel()

	sourceDir := t.TempDir()
	installDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "grid_worker.so"), []byte("worker"), 0o600))

	err := packager.Run(context.Background(), &packager.Options{SourceDir: sourceDir})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(sourceDir, installer.ManifestFilename))

	updated, err := installer.Sync(context.Background(), sourceDir, installDir)
	require.NoError(t, err)
	require.Equal(t, 1, updated)
	require.FileExists(t, filepath.Join(installDir, "grid_worker.so"))
}
