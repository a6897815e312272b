// Package fetcher stages remote package files into a local directory.
//
// The cache and loader never talk to the network themselves; they consume a
// FileAdapter that has already placed the archive in the staging directory.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// FileAdapter supplies staged package files to the rest of the system.
type FileAdapter interface {
	// DestinationDir is the local directory files are staged into.
	DestinationDir() string
	// DownloadFile stages the named remote file and returns its local path.
	DownloadFile(ctx context.Context, name string) (string, error)
}

// errBadHTTPStatus is returned for non-OK responses from the update folder.
var errBadHTTPStatus = errors.New("unexpected http status")

// HTTPAdapter stages files from an HTTP(S) update folder.
type HTTPAdapter struct {
	// baseURL is the update folder all file names are resolved against.
	baseURL string
	// destinationDir is where downloaded files are written.
	destinationDir string
	// client performs the HTTP requests.
	client *http.Client
}

// NewHTTPAdapter creates an adapter downloading from baseURL into destinationDir.
func NewHTTPAdapter(baseURL, destinationDir string) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL:        baseURL,
		destinationDir: destinationDir,
		client:         http.DefaultClient,
	}
}

// DestinationDir returns the local staging directory.
func (a *HTTPAdapter) DestinationDir() string {
	return a.destinationDir
}

// DownloadFile fetches a file from the update folder into the staging
// directory and returns the staged path.
func (a *HTTPAdapter) DownloadFile(ctx context.Context, name string) (string, error) {
	fileURL, err := url.Parse(a.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse update folder: %w", err)
	}

	// Use path.Join to normalize duplicate slashes when composing the URL path.
	fileURL.Path = path.Join(fileURL.Path, name)
	finalURL := fileURL.String()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	response, err := a.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", finalURL, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s, %s: %w", finalURL, response.Status, errBadHTTPStatus)
	}

	if err = os.MkdirAll(a.destinationDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}

	stagedPath := filepath.Clean(filepath.Join(a.destinationDir, path.Base(name)))

	stagedFile, err := os.Create(stagedPath)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}

	if _, err = io.Copy(stagedFile, response.Body); err != nil {
		_ = stagedFile.Close()

		return "", fmt.Errorf("write staged file: %w", err)
	}

	if err = stagedFile.Close(); err != nil {
		return "", fmt.Errorf("close staged file: %w", err)
	}

	return stagedPath, nil
}
