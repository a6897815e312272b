package installer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	goupdate "github.com/doitdistributed/go-update"
	"gopkg.in/yaml.v3"

	"github.com/pkarpov/gridhost/internal/config"
	"github.com/pkarpov/gridhost/internal/logger"
)

// Options are inputs accepted by the installer entry point.
type Options struct {
	// ConfigPath is the optional path to settings YAML file.
	ConfigPath string
	// SourceDir is the directory holding the new module baseline and its manifest.
	SourceDir string
	// InstallDir overrides the configured installation directory.
	InstallDir string
}

// errNoChecksum is returned when a manifest entry lacks a checksum.
var errNoChecksum = errors.New("checksum missing for file")

// Run synchronizes the well-known installation directory against a module
// baseline and is the public entry point for the CLI.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "gridhost-installer")

	installDir := opts.InstallDir
	if installDir == "" {
		settings, err := config.Load(opts.ConfigPath)

		switch {
		case err == nil:
			installDir = settings.InstallDir
		case errors.Is(err, os.ErrNotExist):
			installDir = config.DefaultInstallDir
		default:
			return err
		}
	}

	updated, err := Sync(ctx, opts.SourceDir, installDir)
	if err != nil {
		logger.ErrorKV(ctx, "Installer run failed", "error", err)
		return err
	}

	logger.InfoKV(ctx, "Installer completed", "updated_files", updated, "install_dir", installDir)

	return nil
}

// Sync brings installDir in line with the manifest in sourceDir and returns
// how many files were updated. Files whose checksums already match are left
// untouched.
func Sync(ctx context.Context, sourceDir, installDir string) (int, error) {
	manifest, err := loadManifest(sourceDir)
	if err != nil {
		return 0, err
	}

	if err = os.MkdirAll(installDir, DefaultFileMode); err != nil {
		return 0, fmt.Errorf("create install directory: %w", err)
	}

	names := make([]string, 0, len(manifest.Files))
	for name := range manifest.Files {
		names = append(names, name)
	}

	sort.Strings(names)

	var updated int

	for _, name := range names {
		applied, applyErr := syncFile(ctx, manifest, sourceDir, installDir, name)
		if applyErr != nil {
			return updated, applyErr
		}

		if applied {
			updated++
		}
	}

	return updated, nil
}

// syncFile installs one baseline file when its checksum differs from the
// installed copy. Returns whether the file was replaced.
func syncFile(ctx context.Context, manifest *Manifest, sourceDir, installDir, name string) (bool, error) {
	encoded, ok := manifest.Files[name]
	if !ok {
		return false, fmt.Errorf("checksum for %s: %w", name, errNoChecksum)
	}

	checksum, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("decode checksum for %s: %w", name, err)
	}

	target := filepath.Join(installDir, name)
	if current, checksumErr := FileChecksum(target); checksumErr == nil && bytes.Equal(current, checksum) {
		logger.DebugKV(ctx, "Module file is current", "file", name)
		return false, nil
	}

	data, err := os.ReadFile(filepath.Clean(filepath.Join(sourceDir, name)))
	if err != nil {
		return false, fmt.Errorf("read baseline file %s: %w", name, err)
	}

	if _, err = os.Stat(target); err != nil && os.IsNotExist(err) {
		if _, err = os.Create(target); err != nil {
			return false, fmt.Errorf("create %s: %w", target, err)
		}
	}

	logger.InfoKV(ctx, "Installing module file", "file", name)

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: DefaultFileMode,
		Checksum:   checksum,
		Hash:       DefaultChecksumFunction,
	}

	if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return false, fmt.Errorf("apply %s: %w", name, err)
	}

	oldFileName := target + ".old"
	if _, err = os.Stat(oldFileName); err == nil {
		_ = os.Remove(oldFileName)
	}

	return true, nil
}

// loadManifest reads the baseline manifest from the source directory.
func loadManifest(sourceDir string) (*Manifest, error) {
	contents, err := os.ReadFile(filepath.Clean(filepath.Join(sourceDir, ManifestFilename)))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err = yaml.Unmarshal(contents, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	return &manifest, nil
}
