package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nexusai/nexus/config"
	"github.com/nexusai/nexus/logger"
	"github.com/nexusai/nexus/scheduler"
)

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Interval:          time.Duration(cfg.RefreshRate) * time.Second,
		WandbSearchWindow: time.Duration(cfg.WandbSearchWindow) * time.Second,
	}
}

// Start reconciles orphaned jobs, starts the event hub, scheduler, and
// config watcher, then serves HTTP. Blocks until the listener fails or
// Stop shuts it down.
func (s *Server) Start() error {
	if err := s.sched.ReconcileOrphans(s.ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.runHub()

	s.sched.Start()

	if s.watcher != nil {
		s.watcher.OnReload(s.applyConfigReload)
		s.watcher.Start()
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Infow("Nexus server listening", "addr", addr, "node_name", s.cfg.NodeName)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains the server: HTTP shutdown first so no new work arrives,
// then the scheduler (waiting out an in-flight tick), then the watcher
// and event hub, and finally the database.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Shutting down Nexus server")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown did not drain cleanly", "error", err)
		}
	}

	s.sched.Stop()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	s.cancel()
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		s.logger.Warnw("Failed to close database", "error", err)
	}
	s.logger.Infow("Nexus server stopped")
	return nil
}

// applyConfigReload hot-applies the reloadable subset of the config:
// log level and scheduler tick rate. Everything else needs a restart.
func (s *Server) applyConfigReload(cfg *config.Config) error {
	if cfg.LogLevel != s.cfg.LogLevel {
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			s.logger.Warnw("Ignoring invalid log_level from config reload",
				"log_level", cfg.LogLevel, "error", err)
		} else {
			s.logger.Infow("Log level changed", "log_level", cfg.LogLevel)
			s.cfg.LogLevel = cfg.LogLevel
		}
	}

	if cfg.RefreshRate != s.cfg.RefreshRate && cfg.RefreshRate > 0 {
		s.sched.SetInterval(time.Duration(cfg.RefreshRate) * time.Second)
		s.logger.Infow("Scheduler refresh rate changed", "refresh_rate", cfg.RefreshRate)
		s.cfg.RefreshRate = cfg.RefreshRate
	}

	if cfg.Host != s.cfg.Host || cfg.Port != s.cfg.Port || cfg.MockGPUs != s.cfg.MockGPUs {
		s.logger.Warnw("Ignoring config change that needs a restart",
			"host", cfg.Host, "port", cfg.Port, "mock_gpus", cfg.MockGPUs)
	}
	return nil
}
