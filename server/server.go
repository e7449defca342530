// Package server exposes the Nexus control plane over HTTP: job
// submission and lifecycle, GPU inventory and blacklisting, artifact
// upload, server introspection, and a websocket event stream.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/nexusai/nexus/artifact"
	"github.com/nexusai/nexus/auth"
	"github.com/nexusai/nexus/config"
	"github.com/nexusai/nexus/gpu"
	"github.com/nexusai/nexus/health"
	"github.com/nexusai/nexus/job"
	"github.com/nexusai/nexus/notify"
	"github.com/nexusai/nexus/scheduler"
	"github.com/nexusai/nexus/session"
	"github.com/nexusai/nexus/wandb"
)

// Server wires the store, engine, scheduler, and HTTP surface together.
type Server struct {
	cfg  *config.Config
	home config.Home
	db   *sql.DB

	jobs      *job.Store
	artifacts *artifact.Store
	engine    *job.Engine
	probe     gpu.Probe
	blacklist *gpu.BlacklistStore
	checker   *health.Checker
	sched     *scheduler.Scheduler
	watcher   *config.Watcher

	token string

	mux        *http.ServeMux
	httpServer *http.Server

	// websocket event hub
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	events     chan job.Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// New builds a fully wired server over an open database. The config
// watcher is optional (nil in tests).
func New(cfg *config.Config, home config.Home, db *sql.DB, watcher *config.Watcher, logger *zap.SugaredLogger) (*Server, error) {
	token, err := auth.LoadOrCreateToken(home.TokenPath())
	if err != nil {
		return nil, err
	}

	jobs := job.NewStore(db)
	artifacts := artifact.NewStore(db)
	runner := session.NewScreenRunner(logger)
	engine := job.NewEngine(home.JobsDir(), artifacts, runner, logger)
	probe := gpu.NewProbe(cfg.MockGPUs, logger)
	blacklist := gpu.NewBlacklistStore(db)
	checker := health.NewChecker(home.Dir(), logger)
	notifier := notify.NewDispatcher(engine, logger)
	finder := wandb.NewFinder(logger)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		home:       home,
		db:         db,
		jobs:       jobs,
		artifacts:  artifacts,
		engine:     engine,
		probe:      probe,
		blacklist:  blacklist,
		checker:    checker,
		watcher:    watcher,
		token:      token,
		mux:        http.NewServeMux(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan job.Job, 64),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}

	s.sched = scheduler.New(jobs, artifacts, engine, probe, blacklist,
		notifier, finder, checker, s, schedulerConfig(cfg), logger)

	s.routes()
	return s, nil
}

// Scheduler exposes the scheduler for wiring (config reload callbacks).
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// Token returns the API token, shown once at startup so operators can
// configure remote clients.
func (s *Server) Token() string { return s.token }
