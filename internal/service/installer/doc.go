// Package installer synchronizes the well-known module installation
// directory against a packaged baseline. Each file listed in the baseline
// manifest is checksum-verified and replaced atomically when it differs
// from the installed copy.
package installer
