package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/nexusai/nexus/errors"
)

// WriteDefault persists the given config to configPath if no file exists
// there yet. Returns true when a file was written. Called on first boot so
// operators find a complete, commented-by-example config.toml to edit.
func WriteDefault(configPath string, cfg *Config) (bool, error) {
	if _, err := os.Stat(configPath); err == nil {
		return false, nil
	}
	if err := write(configPath, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// Write persists the config to configPath, rotating backups first.
func Write(configPath string, cfg *Config) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create config backup")
	}
	return write(configPath, cfg)
}

func write(configPath string, cfg *Config) error {
	data, err := toml.Marshal(map[string]interface{}{
		"host":                  cfg.Host,
		"port":                  cfg.Port,
		"node_name":             cfg.NodeName,
		"refresh_rate":          cfg.RefreshRate,
		"mock_gpus":             cfg.MockGPUs,
		"log_level":             cfg.LogLevel,
		"external_call_timeout": cfg.ExternalCallTimeout,
		"wandb_search_window":   cfg.WandbSearchWindow,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	markOwnWrite()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write config to %s", configPath)
	}
	return nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before
// modifying the config file.
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete oldest backup")
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}
