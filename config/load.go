package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nexusai/nexus/errors"
)

// Load reads the server configuration for the given home. Defaults apply
// when config.toml does not exist yet; NEXUS_* environment variables win
// over file values. Every call re-reads the file so the watcher can pick
// up edits without process-global caching.
func Load(home Home) (*Config, error) {
	v := newViper()

	v.SetConfigFile(home.ConfigPath())
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine on first boot; anything else is real.
		if _, statErr := os.Stat(home.ConfigPath()); statErr == nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", home.ConfigPath())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path, without
// environment variable binding. Used by tests and the config subcommand.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &cfg, nil
}

// LoadDotEnv loads {home}/.env into the process environment. Operators keep
// shared job credentials there (DISCORD_WEBHOOK_URL, WANDB_API_KEY, ...).
// A missing file is not an error.
func LoadDotEnv(home Home) error {
	if _, err := os.Stat(home.DotEnvPath()); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(home.DotEnvPath()); err != nil {
		return errors.Wrapf(err, "failed to load %s", home.DotEnvPath())
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindEnvVars(v)
	SetDefaults(v)

	return v
}
