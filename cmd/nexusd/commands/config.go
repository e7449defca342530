package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexusai/nexus/config"
)

// ConfigCmd prints the effective server configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective server configuration",
	Long: `Resolve and print the configuration the server would run with:
defaults, overridden by config.toml, overridden by NEXUS_* environment
variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := config.ResolveHome()
		if err != nil {
			return err
		}
		cfg, err := config.Load(home)
		if err != nil {
			return err
		}

		fmt.Printf("home:                  %s\n", home.Dir())
		fmt.Printf("config file:           %s\n", home.ConfigPath())
		fmt.Printf("host:                  %s\n", cfg.Host)
		fmt.Printf("port:                  %d\n", cfg.Port)
		fmt.Printf("node_name:             %s\n", cfg.NodeName)
		fmt.Printf("refresh_rate:          %d\n", cfg.RefreshRate)
		fmt.Printf("mock_gpus:             %d\n", cfg.MockGPUs)
		fmt.Printf("log_level:             %s\n", cfg.LogLevel)
		fmt.Printf("external_call_timeout: %d\n", cfg.ExternalCallTimeout)
		fmt.Printf("wandb_search_window:   %d\n", cfg.WandbSearchWindow)
		return nil
	},
}
