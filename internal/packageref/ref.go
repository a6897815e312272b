// Package packageref derives canonical package references from archive file names.
//
// Package archives follow the `<name>-v<version>.<ext>` convention; the
// version is taken verbatim and later used as a cache path segment, so no
// semantic-version parsing happens here.
package packageref

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// versionSeparator splits an archive file name into name and version parts.
// Matching is case-insensitive, so "Sample-V1.2.zip" parses too.
const versionSeparator = "-v"

// ErrMalformedPackageName is returned when a file name does not split into
// exactly one name and one version on the version separator.
var ErrMalformedPackageName = errors.New("package file name must look like <name>-v<version>")

// Ref identifies a package by name and version.
// It is immutable once constructed.
type Ref struct {
	// Name is the package name, e.g. "sample" for "sample-v1.0.0.zip".
	Name string
	// Version is the verbatim version string, e.g. "1.0.0".
	Version string
}

// String renders the reference in its canonical file-name form without extension.
func (r Ref) String() string {
	return r.Name + versionSeparator + r.Version
}

// Parse derives a Ref from an archive file name.
// The extension is stripped first; the remainder must contain the version
// separator exactly once, otherwise ErrMalformedPackageName is returned.
func Parse(fileName string) (Ref, error) {
	base := filepath.Base(fileName)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	lowered := strings.ToLower(base)
	if strings.Count(lowered, versionSeparator) != 1 {
		return Ref{}, fmt.Errorf("%s: %w", fileName, ErrMalformedPackageName)
	}

	separatorAt := strings.Index(lowered, versionSeparator)

	return Ref{
		Name:    base[:separatorAt],
		Version: base[separatorAt+len(versionSeparator):],
	}, nil
}
