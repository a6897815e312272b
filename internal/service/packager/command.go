package packager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pkarpov/gridhost/internal/config"
	"github.com/pkarpov/gridhost/internal/logger"
	"github.com/pkarpov/gridhost/internal/service/installer"
)

// Options contains inputs for the packager entry point.
type Options struct {
	// SourceDir is the directory holding compiled module files to describe.
	SourceDir string
}

// errNoModuleFiles indicates the source directory holds nothing worth packaging.
var errNoModuleFiles = errors.New("no module files found")

// Run builds and writes a baseline manifest for a directory of compiled modules.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "gridhost-packager")

	manifest, err := BuildManifest(opts.SourceDir)
	if err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	manifestPath := filepath.Join(opts.SourceDir, installer.ManifestFilename)

	logger.InfoKV(ctx, "Saving module baseline manifest", "path", manifestPath)

	contents, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err = os.WriteFile(manifestPath, contents, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	printNextSteps(ctx, opts.SourceDir, manifest)
	logger.Info(ctx, "Packager completed successfully")

	return nil
}

// BuildManifest checksums every module file in sourceDir and returns a
// manifest describing the baseline.
func BuildManifest(sourceDir string) (*installer.Manifest, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("read source directory: %w", err)
	}

	manifest := installer.NewManifest()

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), installer.ModuleFileExtension) {
			continue
		}

		checksum, checksumErr := installer.FileChecksum(filepath.Join(sourceDir, entry.Name()))
		if checksumErr != nil {
			return nil, checksumErr
		}

		manifest.Files[entry.Name()] = base64.StdEncoding.EncodeToString(checksum)
	}

	if len(manifest.Files) == 0 {
		return nil, fmt.Errorf("%s: %w", sourceDir, errNoModuleFiles)
	}

	return manifest, nil
}

// printNextSteps logs human-readable guidance for distributing the baseline.
func printNextSteps(ctx context.Context, sourceDir string, manifest *installer.Manifest) {
	files := make([]string, 0, len(manifest.Files)+1)
	for fileName := range manifest.Files {
		files = append(files, fileName)
	}

	files = append(files, installer.ManifestFilename)
	sort.Strings(files)

	var builder strings.Builder

	builder.WriteString("Copy the following files from ")
	builder.WriteString(sourceDir)
	builder.WriteString(" to the update folder or next to the host binary:\n")

	for i, name := range files {
		if i == 0 {
			builder.WriteString(name)
		} else {
			builder.WriteString(",\n")
			builder.WriteString(name)
		}
	}

	builder.WriteString("\nOn each target machine, run: gridhost-installer --source ")
	builder.WriteString(sourceDir)

	logger.Info(ctx, builder.String())
}
