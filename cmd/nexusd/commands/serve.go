package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/nexusai/nexus/config"
	"github.com/nexusai/nexus/db"
	"github.com/nexusai/nexus/errors"
	"github.com/nexusai/nexus/logger"
	"github.com/nexusai/nexus/server"
)

// ServeCmd starts the Nexus server.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the Nexus server",
	Long: `Start the Nexus server: the job store, GPU scheduler, and HTTP API.

The server home ($NEXUS_HOME, default ~/.nexus) holds config.toml, the
job database, per-job working trees, and the server log.`,
	RunE: runServe,
}

var (
	servePort     int
	serveHost     string
	serveLogLevel string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveHost, "host", "", "Bind address (overrides config)")
	ServeCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	home, err := config.ResolveHome()
	if err != nil {
		return err
	}
	if err := home.Ensure(); err != nil {
		return err
	}
	if err := config.LoadDotEnv(home); err != nil {
		return err
	}

	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if serveLogLevel != "" {
		cfg.LogLevel = serveLogLevel
	}

	// First boot: persist a complete config.toml for the operator to edit
	written, err := config.WriteDefault(home.ConfigPath(), cfg)
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.LogLevel, home.LogsDir()); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Cleanup()

	if written {
		logger.Infow("Wrote default configuration", "path", home.ConfigPath())
	}

	database, err := db.OpenWithMigrations(home.DatabasePath(), logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}

	watcher, err := config.NewWatcher(home)
	if err != nil {
		logger.Warnw("Config hot-reload unavailable", "error", err)
		watcher = nil
	}

	srv, err := server.New(cfg, home, database, watcher, logger.Logger)
	if err != nil {
		database.Close()
		return errors.Wrap(err, "failed to create server")
	}

	printStartupBanner(cfg, home, srv.Token())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			shutdownDone <- srv.Stop(ctx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
