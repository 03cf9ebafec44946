package dev

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kreteshq/huncwot/internal/config"
	"github.com/kreteshq/huncwot/internal/metrics"
	"github.com/kreteshq/huncwot/internal/rpc"
	"github.com/kreteshq/huncwot/internal/server"
	"github.com/kreteshq/huncwot/internal/tailwind"
)

// SessionOptions configures a development session.
type SessionOptions struct {
	// Config is the project configuration.
	Config *config.Config

	// Version is shown in the startup banner.
	Version string

	// Modules holds the registered service factories.
	Modules *rpc.Modules

	// Providers contribute application routes.
	Providers []server.RouteProvider

	// Logger receives structured logs.
	Logger *slog.Logger

	// Output receives operator-facing output (default: os.Stdout).
	Output io.Writer

	// GoBinary overrides the toolchain used for builds.
	GoBinary string

	// AppOutput receives the application process's output (default: os.Stderr).
	AppOutput io.Writer
}

// Session is one run of the development loop: a compiler watcher feeding
// the orchestrator, which drives the server and live-reload clients.
type Session struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *metrics.Metrics
	manager      *server.Manager
	hub          *ReloadHub
	app          *AppProcess
	compiler     *Compiler
	orchestrator *Orchestrator
}

// NewSession wires every collaborator of the development loop.
func NewSession(opts SessionOptions) *Session {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New(".")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	modules := opts.Modules
	if modules == nil {
		modules = rpc.NewModules()
	}

	m := metrics.New(metrics.Config{Runtime: true})
	hub := NewReloadHub(logger, m)

	var database *server.Database
	if cfg.Database.Enabled {
		database = server.NewDatabase(cfg.DatabasePath(), cfg.MigrationsPath(), logger)
	}
	writer := rpc.NewWriter(cfg.Dir(), cfg.PublicPath(), m, logger)
	compiler := NewCompiler(CompilerConfig{
		ProjectPath: cfg.Dir(),
		CachePath:   filepath.Join(cfg.CachePath(), "build"),
		MainPackage: cfg.Dev.Main,
		GoBinary:    opts.GoBinary,
		Watch: WatcherConfig{
			Root:     cfg.Dir(),
			Paths:    CollectWatchPaths(cfg),
			Ignore:   CollectIgnore(cfg),
			Debounce: cfg.Dev.Debounce,
		},
		Recovery: NewErrorRecovery(cfg.Dir(), writer),
	}, logger)

	serverOpts := server.Options{
		Host:            cfg.Dev.Host,
		Port:            cfg.Dev.Port,
		Database:        cfg.Database.Enabled,
		Production:      cfg.Dev.Production,
		PublicDir:       cfg.PublicPath(),
		ReloadPath:      cfg.Reload.Path,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if !cfg.Dev.Production {
		serverOpts.ReloadHandler = http.HandlerFunc(hub.HandleWebSocket)
		serverOpts.ReloadScript = ClientScript(cfg.Reload.Path)
	}

	// With the application process enabled, the binary built from the
	// project serves its own routes and services; the manager forwards to it.
	generator := rpc.NewGenerator(modules, m, logger)
	providers := opts.Providers
	var app *AppProcess
	var runner AppRunner
	if cfg.Dev.App {
		appOpts := AppProcessOptions{
			Binary:       compiler.BinaryPath(),
			Dir:          cfg.Dir(),
			Output:       opts.AppOutput,
			ReadyTimeout: cfg.Dev.ReadyTimeout,
			Logger:       logger,
		}
		if !cfg.Dev.Production {
			appOpts.ReloadScript = cfg.Reload.Path + ".js"
		}
		app = NewAppProcess(appOpts)
		runner = app
		generator.Forward(app)
		serverOpts.Fallback = app
		providers = nil
	}

	manager := server.NewManager(server.ManagerOptions{
		Logger:    logger,
		Metrics:   m,
		Providers: providers,
		Database:  database,
	})

	var data DataHandler
	if database != nil {
		data = database
	}

	o := NewOrchestrator(OrchestratorOptions{
		Config:    cfg,
		Server:    serverOpts,
		Lifecycle: manager,
		Notifier:  hub,
		App:       runner,
		Modules:   modules,
		Generator: generator,
		Writer:    writer,
		Style:     styleCompiler(cfg, logger),
		Data:      data,
		Display:   NewDisplay(out, !cfg.Dev.Verbose),
		Version:   opts.Version,
		Logger:    logger,
		Metrics:   m,
	})

	return &Session{
		cfg:          cfg,
		logger:       logger.With("component", "session"),
		metrics:      m,
		manager:      manager,
		hub:          hub,
		app:          app,
		compiler:     compiler,
		orchestrator: o,
	}
}

// styleCompiler picks the Tailwind binary or a plain copy.
func styleCompiler(cfg *config.Config, logger *slog.Logger) StyleCompiler {
	opts := tailwind.Options{
		ProjectDir: cfg.Dir(),
		InputPath:  cfg.Style.Input,
		OutputPath: cfg.Style.Output,
		Minify:     cfg.Style.Minify,
	}
	if !cfg.Style.Tailwind {
		return tailwind.NewPassThrough(opts)
	}
	binary := tailwind.NewBinary(cfg.Dir(), cfg.Style.Version)
	return tailwind.NewTransformer(binary, opts, logger)
}

// Orchestrator returns the session's orchestrator.
func (s *Session) Orchestrator() *Orchestrator { return s.orchestrator }

// App returns the application process, or nil when it is disabled.
func (s *Session) App() *AppProcess { return s.app }

// Hub returns the live-reload hub.
func (s *Session) Hub() *ReloadHub { return s.hub }

// Run blocks until ctx is done, then stops the server.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.Dev.Production {
		os.Setenv("HUNCWOT_ENV", "production")
	}

	s.hub.Init()
	defer s.hub.Dispose()
	defer s.manager.Close()

	if n := s.DiscoverServices(); n > 0 {
		s.logger.Debug("services discovered", "count", n)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan WatchEvent, 16)
	compileErr := make(chan error, 1)
	go func() {
		compileErr <- s.compiler.Run(ctx, events)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.orchestrator.Run(ctx, events)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-compileErr:
	}
	cancel()
	<-done

	shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout+time.Second)
	defer stop()
	if stopErr := s.orchestrator.Shutdown(shutdownCtx); stopErr != nil {
		s.logger.Warn("shutdown failed", "error", stopErr)
	}
	return err
}

// DiscoverServices stages routes for every service interface already in
// the project so the first instance serves them. It returns the number of
// services found.
func (s *Session) DiscoverServices() int {
	root := s.cfg.Dir()
	ignore := CollectIgnore(s.cfg)
	w := &Watcher{config: WatcherConfig{Root: root, Ignore: ignore}}

	count := 0
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p != root && w.shouldIgnore(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(p, ".go") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || !IsServicePath(filepath.ToSlash(rel)) {
			return nil
		}
		if err := s.orchestrator.regenerate(filepath.ToSlash(rel)); err != nil {
			s.logger.Warn("service skipped", "path", filepath.ToSlash(rel), "error", err)
			return nil
		}
		count++
		return nil
	})
	return count
}
