package modhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"plugin"

	"github.com/pkarpov/gridhost/internal/logger"
)

// Opener loads one module file into the process, triggering the type
// registrations in its init functions. Tests substitute a fake; the shim
// binary uses PluginOpener.
type Opener interface {
	Open(path string) error
}

// PluginOpener loads Go plugin object files with the runtime plugin loader.
type PluginOpener struct{}

// Open loads the plugin at path.
func (PluginOpener) Open(path string) error {
	if _, err := plugin.Open(path); err != nil {
		return fmt.Errorf("open module %s: %w", path, err)
	}

	return nil
}

// ResolveModuleFile locates a module file for a loaded package.
// The directory beside the primary module wins; the well-known installation
// directory is the fallback for modules the package did not ship itself.
func ResolveModuleFile(packageDir, installDir, fileName string) (string, error) {
	primary := filepath.Join(packageDir, fileName)
	if _, err := os.Stat(primary); err == nil {
		return primary, nil
	}

	fallback := filepath.Join(installDir, fileName)
	if _, err := os.Stat(fallback); err == nil {
		return fallback, nil
	}

	return "", fmt.Errorf("module %s found neither in %s nor in %s: %w",
		fileName, packageDir, installDir, os.ErrNotExist)
}

// errNoModuleFiles is returned when a load request names no module files.
var errNoModuleFiles = errors.New("no module files to load")

// LoadModules resolves and opens every requested module file for a package.
func LoadModules(ctx context.Context, opener Opener, packageDir, installDir string, moduleFiles ...string) error {
	if len(moduleFiles) == 0 {
		return errNoModuleFiles
	}

	for _, fileName := range moduleFiles {
		path, err := ResolveModuleFile(packageDir, installDir, fileName)
		if err != nil {
			return err
		}

		logger.InfoKV(ctx, "Opening module", "module", fileName, "path", path)

		if err = opener.Open(path); err != nil {
			return err
		}
	}

	return nil
}
