package installer

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkarpov/gridhost/internal/version"

	// Ensure SHA512 available for checksum calculation.
	_ "crypto/sha512"
)

var errHashUnavailable = errors.New("hash function unavailable")

const (
	// ManifestFilename stores the module baseline description shipped with a release.
	ManifestFilename = "gridhost-modules.yaml"

	// ModuleFileExtension is the extension of loadable module files.
	ModuleFileExtension = ".so"

	// DefaultFileMode is used for installed module files.
	DefaultFileMode os.FileMode = 0o755

	// DefaultChecksumFunction is used to calculate module file hashes.
	DefaultChecksumFunction crypto.Hash = crypto.SHA512

	// defaultMapCapacity is the default initial capacity for maps.
	defaultMapCapacity = 16
)

// Manifest describes a published module baseline for the installation directory.
type Manifest struct {
	// VersionNumber is the semantic version of this baseline.
	VersionNumber string `yaml:"version"`
	// Files maps module file names to their base64-encoded checksums.
	Files map[string]string `yaml:"files"`
}

// NewManifest produces a Manifest initialized with defaults.
func NewManifest() *Manifest {
	return &Manifest{
		VersionNumber: version.Short(),
		Files:         make(map[string]string, defaultMapCapacity),
	}
}

// FileChecksum returns checksum bytes for a file using DefaultChecksumFunction.
func FileChecksum(path string) ([]byte, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	if !DefaultChecksumFunction.Available() {
		return nil, fmt.Errorf("checksum calculation not possible: %w", errHashUnavailable)
	}

	hasher := DefaultChecksumFunction.New()
	if _, err = hasher.Write(contents); err != nil {
		return nil, fmt.Errorf("calculate checksum: %w", err)
	}

	return hasher.Sum(nil), nil
}
