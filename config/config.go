// Package config owns the nexusd server configuration: the server home
// directory layout, config.toml loading, first-boot persistence, and
// hot-reload watching.
package config

import (
	"os"
	"path/filepath"

	"github.com/nexusai/nexus/errors"
)

// Config represents the nexusd server configuration
type Config struct {
	Host                string `mapstructure:"host"`                  // bind address
	Port                int    `mapstructure:"port"`                  // listen port
	NodeName            string `mapstructure:"node_name"`             // server identity stamped onto jobs
	RefreshRate         int    `mapstructure:"refresh_rate"`          // seconds between scheduler ticks
	MockGPUs            int    `mapstructure:"mock_gpus"`             // >0 replaces nvidia-smi with synthetic GPUs
	LogLevel            string `mapstructure:"log_level"`             // debug, info, warn, error
	ExternalCallTimeout int    `mapstructure:"external_call_timeout"` // seconds, bounds webhook and probe calls
	WandbSearchWindow   int    `mapstructure:"wandb_search_window"`   // seconds to keep probing a job for a run URL
}

// Server port constant. 54323 is the port the nexus CLI expects by default.
const DefaultPort = 54323

// File permission constants
const (
	DefaultDirPermissions   = 0o755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions  = 0o644 // Standard file permissions (rw-r--r--)
	SensitiveFilePermission = 0o600 // Owner-only files (api_token, authorized_keys)
)

// Home is the server home directory holding configuration, durable state,
// and per-job working trees. Resolved from NEXUS_HOME, else ~/.nexus.
type Home string

// ResolveHome determines the server home directory.
func ResolveHome() (Home, error) {
	if dir := os.Getenv("NEXUS_HOME"); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", errors.Wrapf(err, "invalid NEXUS_HOME %q", dir)
		}
		return Home(abs), nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	return Home(filepath.Join(userHome, ".nexus")), nil
}

// Dir returns the home directory path.
func (h Home) Dir() string { return string(h) }

// ConfigPath returns the path of config.toml.
func (h Home) ConfigPath() string { return filepath.Join(string(h), "config.toml") }

// DatabasePath returns the path of the embedded database file.
func (h Home) DatabasePath() string { return filepath.Join(string(h), "jobs.db") }

// TokenPath returns the path of the persisted API token.
func (h Home) TokenPath() string { return filepath.Join(string(h), "api_token") }

// JobsDir returns the directory holding per-job working trees.
func (h Home) JobsDir() string { return filepath.Join(string(h), "jobs") }

// LogsDir returns the directory holding the server log.
func (h Home) LogsDir() string { return filepath.Join(string(h), "logs") }

// DotEnvPath returns the path of the operator-managed .env file.
func (h Home) DotEnvPath() string { return filepath.Join(string(h), ".env") }

// Ensure creates the home directory tree.
func (h Home) Ensure() error {
	for _, dir := range []string{string(h), h.JobsDir(), h.LogsDir()} {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}
	return nil
}
