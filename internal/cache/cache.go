package cache

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkarpov/gridhost/internal/config"
	"github.com/pkarpov/gridhost/internal/logger"
	"github.com/pkarpov/gridhost/internal/packageref"
)

const (
	// artifactExtension is the extension of a package's primary loadable module.
	artifactExtension = ".so"

	// lockExtension is the extension of the transient extraction sentinel file.
	lockExtension = ".lock"

	// archiveExtension is the only accepted package archive format.
	archiveExtension = ".zip"

	// dirPermissions is used for version directories; other worker processes
	// under different users must be able to read extracted packages.
	dirPermissions os.FileMode = 0o755
)

var (
	// ErrArtifactMissing is returned when a version directory exists but holds
	// neither the artifact nor an extraction lock. The cache state cannot be
	// trusted at that point and the caller must not proceed.
	ErrArtifactMissing = errors.New("version directory exists but artifact is missing")

	// ErrLockTimeout is returned when a foreign extraction lock does not
	// disappear within the caller's wait budget.
	ErrLockTimeout = errors.New("timed out waiting for extraction lock to clear")

	// ErrUnsupportedFormat is returned for staged files that are not zip archives.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrExtractionIncomplete is returned when an archive extracted cleanly
	// but did not produce the expected artifact layout.
	ErrExtractionIncomplete = errors.New("archive did not produce the expected artifact")

	// ErrArchiveOperation wraps unexpected I/O failures during locking or extraction.
	ErrArchiveOperation = errors.New("archive operation failed")

	// errIllegalArchivePath guards against zip entries escaping the cache root.
	errIllegalArchivePath = errors.New("archive entry escapes extraction root")
)

// Cache resolves and materializes extracted package versions under a shared root.
type Cache struct {
	// root is the shared extraction root, e.g. /tmp/packages.
	root string
	// pollInterval is the delay between checks of a foreign extraction lock.
	pollInterval time.Duration
}

// Option configures cache behaviour.
type Option func(*Cache)

// WithPollInterval overrides the delay between extraction lock checks.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Cache) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// New creates a cache rooted at the provided shared directory.
func New(root string, opts ...Option) *Cache {
	c := &Cache{
		root:         filepath.Clean(root),
		pollInterval: config.DefaultLockPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ArtifactPath computes the expected primary artifact location for a reference.
// It performs no I/O.
func (c *Cache) ArtifactPath(ref packageref.Ref) string {
	return filepath.Join(c.versionDir(ref), ref.Name+artifactExtension)
}

// versionDir computes the version-qualified directory for a reference.
func (c *Cache) versionDir(ref packageref.Ref) string {
	return filepath.Join(c.root, ref.Name, ref.Version)
}

// lockFilePath computes the extraction sentinel location for a reference.
func (c *Cache) lockFilePath(ref packageref.Ref) string {
	return filepath.Join(c.versionDir(ref), ref.Name+lockExtension)
}

// IsExtracted reports whether the package version is already extracted.
//
// A missing version directory simply means "not extracted yet". When only the
// lock file is present, another process is extracting: this call polls until
// the lock disappears (reporting false so the caller can re-check or extract)
// or until maxWait elapses, which surfaces ErrLockTimeout. A directory with
// neither artifact nor lock is inconsistent and surfaces ErrArtifactMissing.
func (c *Cache) IsExtracted(ctx context.Context, ref packageref.Ref, maxWait time.Duration) (bool, error) {
	if _, err := os.Stat(c.versionDir(ref)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("stat version directory: %v: %w", err, ErrArchiveOperation)
	}

	var (
		deadline = time.Now().Add(maxWait)
		polled   bool
	)

	for {
		if _, err := os.Stat(c.ArtifactPath(ref)); err == nil {
			return true, nil
		}

		_, err := os.Stat(c.lockFilePath(ref))
		if errors.Is(err, os.ErrNotExist) {
			// An extractor removes its lock only after writing the artifact,
			// so the artifact must be checked again once the lock is observed
			// absent: it may have appeared since the check above.
			if _, artifactErr := os.Stat(c.ArtifactPath(ref)); artifactErr == nil {
				return true, nil
			}

			if polled {
				// The extracting process finished and removed its lock.
				// Report not-yet-present; the caller re-checks or extracts.
				return false, nil
			}

			return false, fmt.Errorf("%s: %w", c.ArtifactPath(ref), ErrArtifactMissing)
		} else if err != nil {
			return false, fmt.Errorf("stat lock file: %v: %w", err, ErrArchiveOperation)
		}

		if !time.Now().Before(deadline) {
			return false, fmt.Errorf("%s after %s: %w", c.lockFilePath(ref), maxWait, ErrLockTimeout)
		}

		polled = true

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("wait for extraction: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

// Extract materializes the staged archive under the shared root and returns
// the primary artifact path.
//
// Extraction is idempotent: a package already present is returned untouched.
// The actual decompression happens under an exclusive advisory lock on the
// version's sentinel file; losing the lock race is not an error — the other
// process is doing the same work, so the expected artifact path is returned
// optimistically and callers that need the artifact right away wait via
// IsExtracted.
func (c *Cache) Extract(ctx context.Context, ref packageref.Ref, stagedArchivePath string) (string, error) {
	if !strings.EqualFold(filepath.Ext(stagedArchivePath), archiveExtension) {
		return "", fmt.Errorf("%s: %w", stagedArchivePath, ErrUnsupportedFormat)
	}

	// Short bounded presence check. Neither an inconsistent directory nor a
	// still-busy foreign lock is fatal here: extraction repairs the former,
	// and the try-lock below settles the latter.
	present, err := c.IsExtracted(ctx, ref, c.pollInterval)
	if err != nil && !errors.Is(err, ErrArtifactMissing) && !errors.Is(err, ErrLockTimeout) {
		return "", err
	}

	artifactPath := c.ArtifactPath(ref)
	if present {
		logger.DebugKV(ctx, "Package already extracted", "artifact", artifactPath)
		return artifactPath, nil
	}

	if err = os.MkdirAll(c.versionDir(ref), dirPermissions); err != nil {
		return "", fmt.Errorf("create version directory: %v: %w", err, ErrArchiveOperation)
	}

	acquired, release, err := acquireExtractionLock(c.lockFilePath(ref))
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrArchiveOperation)
	}

	if !acquired {
		// Another process is already extracting this exact version.
		logger.DebugKV(ctx, "Extraction lock held elsewhere, reporting expected artifact",
			"package", ref.String(), "artifact", artifactPath)

		return artifactPath, nil
	}

	defer release()

	logger.InfoKV(ctx, "Extracting package archive",
		"package", ref.String(), "archive", stagedArchivePath, "root", c.root)

	if err = extractZip(stagedArchivePath, c.root); err != nil {
		return "", fmt.Errorf("unpack %s: %v: %w", stagedArchivePath, err, ErrArchiveOperation)
	}

	if _, err = os.Stat(artifactPath); err != nil {
		return "", fmt.Errorf("%s: %w", artifactPath, ErrExtractionIncomplete)
	}

	return artifactPath, nil
}

// extractZip unpacks the whole archive into the destination root.
// Archives are expected to self-organize into <name>/<version>/ paths.
func extractZip(archivePath, destRoot string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	for _, entry := range reader.File {
		if err = extractZipEntry(entry, destRoot); err != nil {
			return err
		}
	}

	return nil
}

// extractZipEntry writes a single archive entry below the destination root.
func extractZipEntry(entry *zip.File, destRoot string) error {
	target := filepath.Join(destRoot, filepath.Clean(entry.Name))
	if !strings.HasPrefix(target, destRoot+string(os.PathSeparator)) {
		return fmt.Errorf("%s: %w", entry.Name, errIllegalArchivePath)
	}

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(target, dirPermissions)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return fmt.Errorf("create directory for %s: %w", entry.Name, err)
	}

	source, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entry.Name, err)
	}

	defer func() {
		_ = source.Close()
	}()

	destination, err := os.OpenFile(filepath.Clean(target), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entry.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	//nolint:gosec // Archives come from the trusted update folder; size limits are not enforced here.
	if _, err = io.Copy(destination, source); err != nil {
		_ = destination.Close()

		return fmt.Errorf("write %s: %w", target, err)
	}

	return destination.Close()
}
