package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the worker host binaries.
type Config struct {
	// CacheRoot is the machine-wide directory where versioned packages are extracted.
	CacheRoot string `yaml:"cache_root"`
	// StagingDir is where downloaded package archives are placed before extraction.
	StagingDir string `yaml:"staging_dir"`
	// InstallDir is the well-known installation directory consulted when a
	// module file cannot be found beside the primary module.
	InstallDir string `yaml:"install_dir"`
	// UpdateFolder is the optional URL where package archives and module
	// baselines are hosted.
	UpdateFolder string `yaml:"update_folder"`
	// ModuleHostPath is the executable spawned to host a loaded package.
	// Bare names are resolved through PATH.
	ModuleHostPath string `yaml:"module_host_path"`
	// LockPollInterval is how often the cache re-checks a foreign extraction lock.
	LockPollInterval time.Duration `yaml:"lock_poll_interval"`
	// ExtractWaitTimeout bounds how long a caller waits for another process
	// to finish extracting before giving up.
	ExtractWaitTimeout time.Duration `yaml:"extract_wait_timeout"`
	// ControlTimeout is the per-call timeout for the module host control channel.
	ControlTimeout time.Duration `yaml:"control_timeout"`
}

const (
	// DefaultConfigFilename is the default filename for worker host settings.
	DefaultConfigFilename = "gridhost-settings.yaml"

	// DefaultCacheRoot is the shared extraction root used when none is configured.
	DefaultCacheRoot = "/tmp/packages"

	// DefaultInstallDir is the default well-known module installation directory.
	DefaultInstallDir = "/opt/gridhost/modules"

	// DefaultModuleHost is the default module host executable name.
	DefaultModuleHost = "gridhost-module"

	// DefaultLockPollInterval is the default delay between extraction lock checks.
	DefaultLockPollInterval = 2 * time.Second

	// DefaultExtractWaitTimeout is the default bound on waiting for a foreign extraction.
	DefaultExtractWaitTimeout = 2 * time.Minute

	// DefaultControlTimeout is the default timeout for module host control calls.
	DefaultControlTimeout = 5 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

// errConfigIsNotSet is returned when a nil configuration is provided.
var errConfigIsNotSet = errors.New("configuration is not set")

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults for missing fields and checks formatting of the rest.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.CacheRoot == "" {
		settings.CacheRoot = DefaultCacheRoot
	}

	if settings.StagingDir == "" {
		settings.StagingDir = filepath.Join(os.TempDir(), "gridhost-staging")
	}

	if settings.InstallDir == "" {
		settings.InstallDir = DefaultInstallDir
	}

	if settings.ModuleHostPath == "" {
		settings.ModuleHostPath = DefaultModuleHost
	}

	if settings.LockPollInterval <= 0 {
		settings.LockPollInterval = DefaultLockPollInterval
	}

	if settings.ExtractWaitTimeout <= 0 {
		settings.ExtractWaitTimeout = DefaultExtractWaitTimeout
	}

	if settings.ControlTimeout <= 0 {
		settings.ControlTimeout = DefaultControlTimeout
	}

	if settings.UpdateFolder == "" {
		return nil
	}

	if _, err := url.ParseRequestURI(settings.UpdateFolder); err != nil {
		return fmt.Errorf("invalid update folder URI: %w", err)
	}

	return nil
}
