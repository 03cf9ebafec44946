package dev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bep/debounce"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kreteshq/huncwot/internal/config"
	"github.com/kreteshq/huncwot/internal/errors"
	"github.com/kreteshq/huncwot/internal/metrics"
	"github.com/kreteshq/huncwot/internal/rpc"
	"github.com/kreteshq/huncwot/internal/server"
)

// Lifecycle is the server control surface the orchestrator drives.
// *server.Manager implements it.
type Lifecycle interface {
	Start(ctx context.Context, opts server.Options) (*server.Instance, error)
	Restart(ctx context.Context, prev *server.Instance, opts server.Options) (*server.Instance, error)
	Stop(ctx context.Context, inst *server.Instance) error
	SetServiceRoutes(service string, bindings []server.RouteBinding)
}

// Notifier pushes messages to live-reload clients. *ReloadHub implements it.
type Notifier interface {
	Broadcast(msg ReloadMessage) int
	DisconnectAll() int
}

// AppRunner runs the binary of the last successful build. *AppProcess
// implements it.
type AppRunner interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Stop()
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(ReloadMessage) int { return 0 }
func (nopNotifier) DisconnectAll() int          { return 0 }

// OrchestratorOptions wires the orchestrator to its collaborators. Only
// Config and Lifecycle are required.
type OrchestratorOptions struct {
	Config *config.Config

	// Server is passed to every Start and Restart.
	Server server.Options

	Lifecycle Lifecycle
	Notifier  Notifier

	// App, when set, is restarted on every successful build before the
	// server restarts.
	App AppRunner

	Modules   *rpc.Modules
	Generator *rpc.Generator
	Writer    *rpc.Writer

	Style      StyleCompiler
	Components ComponentHandler
	Data       DataHandler

	Display *Display
	Version string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Orchestrator turns watch events into reactions. Events are handled one
// at a time, in order; every reaction runs behind a recover boundary so a
// failure never ends the session.
type Orchestrator struct {
	cfg        *config.Config
	serverOpts server.Options
	lifecycle  Lifecycle
	notifier   Notifier
	app        AppRunner
	modules    *rpc.Modules
	generator  *rpc.Generator
	writer     *rpc.Writer
	style      StyleCompiler
	components ComponentHandler
	data       DataHandler
	display    *Display
	version    string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	reload     func(func())

	mu       sync.Mutex
	inst     *server.Instance
	started  bool
	failed   bool // last build failed; clients are showing an error
	services map[string]string // module dir -> service name
	stopOnce sync.Once
}

// NewOrchestrator creates an orchestrator with no running instance.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New(".")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("huncwot/dev")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	modules := opts.Modules
	if modules == nil {
		modules = rpc.NewModules()
	}
	generator := opts.Generator
	if generator == nil {
		generator = rpc.NewGenerator(modules, opts.Metrics, logger)
	}
	writer := opts.Writer
	if writer == nil {
		writer = rpc.NewWriter(cfg.Dir(), cfg.PublicPath(), opts.Metrics, logger)
	}
	components := opts.Components
	if components == nil {
		components = TemplateValidator{}
	}

	o := &Orchestrator{
		cfg:        cfg,
		serverOpts: opts.Server,
		lifecycle:  opts.Lifecycle,
		notifier:   notifier,
		app:        opts.App,
		modules:    modules,
		generator:  generator,
		writer:     writer,
		style:      opts.Style,
		components: components,
		data:       opts.Data,
		display:    opts.Display,
		version:    opts.Version,
		logger:     logger.With("component", "dev"),
		metrics:    opts.Metrics,
		tracer:     tracer,
		services:   make(map[string]string),
	}
	if cfg.Reload.Debounce > 0 {
		o.reload = debounce.New(cfg.Reload.Debounce)
	}
	return o
}

// Instance returns the running server instance, or nil.
func (o *Orchestrator) Instance() *server.Instance {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inst
}

// Run handles events until ctx is done or events is closed.
func (o *Orchestrator) Run(ctx context.Context, events <-chan WatchEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			// Failures are reported by OnWatchEvent and never end the loop.
			_ = o.OnWatchEvent(ctx, ev)
		}
	}
}

// OnWatchEvent performs the reaction for one event. The returned error has
// already been logged, displayed and counted.
func (o *Orchestrator) OnWatchEvent(ctx context.Context, ev WatchEvent) (err error) {
	reaction := Classify(ev.RelativePath)
	ctx, span := o.tracer.Start(ctx, "dev.reaction",
		trace.WithAttributes(
			attribute.String("event", ev.Kind.String()),
			attribute.String("reaction", reaction.String()),
			attribute.String("path", ev.RelativePath),
		))

	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.CodeReactionPanic).
				WithDetailf("%s reaction for %q panicked: %v", ev.Kind, ev.RelativePath, r)
			o.logger.Error("reaction panicked", "event", ev.Kind.String(), "path", ev.RelativePath,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.metrics.ReactionError(errors.CodeOf(err))
			o.logger.Warn("reaction failed", "event", ev.Kind.String(), "path", ev.RelativePath, "error", err)
			o.display.Error(err)
		}
		span.End()
	}()

	o.metrics.Reaction(ev.Kind.String(), reaction.String())

	switch ev.Kind {
	case EventReady:
		return o.onReady(ctx, ev)
	case EventChanged:
		return o.onChanged(ctx, ev, reaction)
	case EventSubsequentBuild:
		return o.onSubsequentBuild(ctx, ev, reaction)
	case EventBuildFailed:
		return o.onBuildFailed(ev)
	default:
		o.logger.Debug("unknown event ignored", "kind", int(ev.Kind))
		return nil
	}
}

func (o *Orchestrator) onReady(ctx context.Context, ev WatchEvent) error {
	o.display.Diagnostics(ev.Diagnostics)
	if err := os.MkdirAll(filepath.Join(o.cfg.DistPath(), "tasks"), 0755); err != nil {
		o.logger.Warn("cannot create dist/tasks", "error", err)
	}
	o.setFailed(ev.Failed)
	if o.Instance() != nil {
		return nil
	}

	// The server starts even when the application cannot, so diagnostics
	// routes and the reload channel stay available.
	var appErr error
	if o.app != nil && !ev.Failed {
		appErr = o.app.Start(ctx)
	}
	if err := o.start(ctx); err != nil {
		return err
	}
	return appErr
}

func (o *Orchestrator) onChanged(ctx context.Context, ev WatchEvent, reaction ReactionKind) error {
	o.display.Reloaded(ev.RelativePath)
	abs := o.cfg.Resolve(filepath.FromSlash(ev.RelativePath))

	switch reaction {
	case ReactionStyle:
		if o.style == nil {
			o.logger.Debug("no style compiler configured", "path", ev.RelativePath)
			return nil
		}
		if err := o.style.Compile(ctx); err != nil {
			return errors.FromError(err, errors.CodeStyleTransform)
		}
		o.logger.Debug("styles compiled", "path", ev.RelativePath)
		return nil

	case ReactionComponent:
		return o.components.HandleComponent(ctx, abs)

	case ReactionData:
		if !o.serverOpts.Database || o.data == nil {
			o.logger.Info("data change ignored, database disabled", "path", ev.RelativePath)
			return nil
		}
		if err := o.data.HandleData(ctx, abs); err != nil {
			return errors.FromError(err, errors.CodeDatabase)
		}
		return nil

	case ReactionService:
		return o.regenerate(ev.RelativePath)

	default:
		o.logger.Debug("no reaction", "path", ev.RelativePath)
		return nil
	}
}

func (o *Orchestrator) onSubsequentBuild(ctx context.Context, ev WatchEvent, reaction ReactionKind) error {
	o.display.Reloaded(ev.RelativePath)
	o.display.Diagnostics(ev.Diagnostics)

	if dir := ModuleDir(ev.RelativePath); dir != "" {
		if o.modules.Evict(dir) {
			o.logger.Debug("module evicted", "dir", dir)
		}
	}

	// A broken interface keeps its previous routes; the rebuilt server still
	// restarts.
	var serviceErr error
	if reaction == ReactionService {
		serviceErr = o.regenerate(ev.RelativePath)
		if serviceErr != nil {
			o.display.Error(serviceErr)
			o.logger.Warn("service regeneration failed", "path", ev.RelativePath, "error", serviceErr)
		}
	}

	if o.app != nil {
		if err := o.app.Restart(ctx); err != nil {
			o.notifier.Broadcast(ReloadMessage{Type: ReloadTypeError, Error: err.Error()})
			o.setFailed(true)
			return err
		}
	}

	if err := o.restart(ctx); err != nil {
		return err
	}
	if o.setFailed(false) {
		o.notifier.Broadcast(ReloadMessage{Type: ReloadTypeClear})
	}
	o.notifyReload()
	return serviceErr
}

// setFailed records the outcome of the last build and returns the
// previous value.
func (o *Orchestrator) setFailed(failed bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev := o.failed
	o.failed = failed
	return prev
}

func (o *Orchestrator) onBuildFailed(ev WatchEvent) error {
	o.display.Diagnostics(ev.Diagnostics)
	msg := FormatDiagnostics(ev.Diagnostics)
	if msg == "" {
		msg = "build failed: " + ev.RelativePath
	}
	o.setFailed(true)
	n := o.notifier.Broadcast(ReloadMessage{Type: ReloadTypeError, Error: msg})
	o.logger.Info("build failed", "path", ev.RelativePath, "diagnostics", len(ev.Diagnostics), "clients", n)
	return nil
}

// regenerate parses the service interface at rel, writes its callers and
// stages its routes for the next restart.
func (o *Orchestrator) regenerate(rel string) error {
	abs := o.cfg.Resolve(filepath.FromSlash(rel))
	src, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			o.logger.Debug("service file removed", "path", rel)
			return nil
		}
		return errors.New(errors.CodeMalformedInterface).WithLocation(rel, 0, 0).Wrap(err)
	}

	svc, err := rpc.Describe(rel, src)
	if err != nil {
		return err
	}
	out, err := o.generator.Generate(svc)
	if err != nil {
		return err
	}
	if _, err := o.writer.Write(svc, out); err != nil {
		return err
	}

	dir := ModuleDir(rel)
	o.modules.Bind(dir, svc.Name)
	o.mu.Lock()
	prev := o.services[dir]
	o.services[dir] = svc.Name
	o.mu.Unlock()
	if prev != "" && prev != svc.Name {
		o.lifecycle.SetServiceRoutes(prev, nil)
	}
	o.lifecycle.SetServiceRoutes(svc.Name, out.Bindings)
	o.logger.Info("service routes staged", "service", svc.Name, "methods", len(out.Bindings))
	return nil
}

func (o *Orchestrator) start(ctx context.Context) error {
	inst, err := o.lifecycle.Start(ctx, o.serverOpts)
	o.mu.Lock()
	o.inst = inst
	first := inst != nil && !o.started
	if inst != nil {
		o.started = true
	}
	o.mu.Unlock()

	if first {
		database := ""
		if inst.DatabaseEnabled {
			database = o.cfg.DatabasePath()
		}
		o.display.Banner(BannerInfo{
			Version:  o.version,
			Address:  inst.Addr(),
			Database: database,
			Started:  inst.StartedAt,
		})
	}
	return err
}

func (o *Orchestrator) restart(ctx context.Context) error {
	prev := o.Instance()
	if prev == nil {
		return o.start(ctx)
	}

	if !o.cfg.Reload.KeepClientsOnRestart {
		n := o.notifier.DisconnectAll()
		o.logger.Debug("clients disconnected before restart", "clients", n)
	}

	begin := time.Now()
	inst, err := o.lifecycle.Restart(ctx, prev, o.serverOpts)
	o.mu.Lock()
	o.inst = inst
	o.mu.Unlock()
	if inst != nil {
		o.logger.Debug("server restarted", "addr", inst.Addr(), "duration", time.Since(begin).Round(time.Millisecond))
	}
	return err
}

func (o *Orchestrator) notifyReload() {
	send := func() {
		n := o.notifier.Broadcast(ReloadMessage{Type: ReloadTypeFull})
		o.logger.Debug("reload sent", "clients", n)
	}
	if o.reload != nil {
		o.reload(send)
		return
	}
	send()
}

// Shutdown gracefully stops the running instance and the application
// process. Later calls are no-ops.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.stopOnce.Do(func() {
		o.mu.Lock()
		inst := o.inst
		o.inst = nil
		o.mu.Unlock()
		if inst != nil {
			err = o.lifecycle.Stop(ctx, inst)
		}
		if o.app != nil {
			o.app.Stop()
		}
	})
	return err
}
