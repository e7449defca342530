package config

import (
	"os"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "nexus"
	}

	v.SetDefault("host", "localhost")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("node_name", hostname)
	v.SetDefault("refresh_rate", 3)             // seconds between scheduler ticks
	v.SetDefault("mock_gpus", 0)                // 0 = probe real hardware
	v.SetDefault("log_level", "info")
	v.SetDefault("external_call_timeout", 10)   // seconds
	v.SetDefault("wandb_search_window", 720)    // stop probing for a run URL after 12 minutes
}

// BindEnvVars binds configuration keys to their environment variables.
// MOCK_GPUS is honored without the NEXUS_ prefix because the test harness
// and the original CLI both export it bare.
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("mock_gpus", "NEXUS_MOCK_GPUS", "MOCK_GPUS")
}
