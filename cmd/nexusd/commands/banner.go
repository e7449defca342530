package commands

import (
	"fmt"

	"github.com/nexusai/nexus/config"
	"github.com/nexusai/nexus/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(cfg *config.Config, home config.Home, token string) {
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	info := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ███╗   ██╗███████╗██╗  ██╗██╗   ██╗███████╗\n")
	fmt.Printf("   ████╗  ██║██╔════╝╚██╗██╔╝██║   ██║██╔════╝\n")
	fmt.Printf("   ██╔██╗ ██║█████╗   ╚███╔╝ ██║   ██║███████╗\n")
	fmt.Printf("   ██║╚██╗██║██╔══╝   ██╔██╗ ██║   ██║╚════██║\n")
	fmt.Printf("   ██║ ╚████║███████╗██╔╝ ██╗╚██████╔╝███████║\n")
	fmt.Printf("   ╚═╝  ╚═══╝╚══════╝╚═╝  ╚═╝ ╚═════╝ ╚══════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ Nexus Info ────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, info.Version, info.Short())
	fmt.Printf("%s│%s Node:      %s\n", green, reset, cfg.NodeName)
	fmt.Printf("%s│%s Listening: %s:%d\n", green, reset, cfg.Host, cfg.Port)
	fmt.Printf("%s│%s Home:      %s\n", green, reset, home.Dir())
	fmt.Printf("%s│%s Log level: %s\n", green, reset, cfg.LogLevel)
	if cfg.MockGPUs > 0 {
		fmt.Printf("%s│%s GPUs:      %d (mock)\n", green, reset, cfg.MockGPUs)
	}
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%sAPI token: %s%s\n", yellow, bold, token, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
