// Package config loads, validates, and persists YAML settings shared by the
// worker host binaries: cache and staging locations, the well-known module
// installation directory, the update folder URL, and the timeouts governing
// extraction waits and module host control calls.
package config
