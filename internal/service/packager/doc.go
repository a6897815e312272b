// Package packager produces the baseline manifest for a directory of
// compiled module files.
//
// It computes SHA-512 checksums for every module file in the source
// directory and persists them as YAML. The installer consumes the manifest
// to bring the installation directory of a target machine up to date.
package packager
