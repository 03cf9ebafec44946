package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kreteshq/huncwot/internal/errors"
	"github.com/kreteshq/huncwot/internal/metrics"
)

// State is the lifecycle state of the manager.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures one server instance.
type Options struct {
	Host string
	Port int

	// Database mounts the database provider when the manager has one.
	Database bool

	// Production disables reload script injection.
	Production bool

	// PublicDir is served for any path no other route matches.
	PublicDir string

	// ReloadPath is where ReloadHandler is mounted (default /__reload). The
	// client script is served at ReloadPath + ".js".
	ReloadPath    string
	ReloadHandler http.Handler
	ReloadScript  string

	// ShutdownTimeout bounds Stop (default 5s).
	ShutdownTimeout time.Duration

	// Fallback serves requests no route or public file matches, typically
	// a proxy to the application process.
	Fallback http.Handler
}

func (o Options) withDefaults() Options {
	if o.ReloadPath == "" {
		o.ReloadPath = "/__reload"
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	return o
}

// Address returns host:port.
func (o Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	// Providers contribute application routes to every instance.
	Providers []RouteProvider

	// Database is mounted when Options.Database is set.
	Database *Database
}

// Manager owns at most one active server instance and moves it through
// start, restart and stop. Route tables are assembled at start and never
// patched on a live instance.
type Manager struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	providers []RouteProvider
	database  *Database

	mu        sync.Mutex
	state     State
	active    *Instance
	accepting int
	services  map[string][]RouteBinding
}

// NewManager creates a manager in the Uninitialized state.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("huncwot/server")
	}
	return &Manager{
		logger:    logger.With("component", "server"),
		metrics:   opts.Metrics,
		tracer:    tracer,
		providers: opts.Providers,
		database:  opts.Database,
		services:  make(map[string][]RouteBinding),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the number of instances currently accepting connections.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepting
}

// Current returns the active instance, or nil.
func (m *Manager) Current() *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetServiceRoutes replaces the bindings of one service. The change takes
// effect at the next start. An empty list removes the service.
func (m *Manager) SetServiceRoutes(service string, bindings []RouteBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(bindings) == 0 {
		delete(m.services, service)
		return
	}
	cp := make([]RouteBinding, len(bindings))
	copy(cp, bindings)
	m.services[service] = cp
}

// ServiceRoutes returns the bindings registered for service.
func (m *Manager) ServiceRoutes(service string) []RouteBinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]RouteBinding, len(m.services[service]))
	copy(cp, m.services[service])
	return cp
}

// Services returns the names of services with registered routes.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start binds a listener and serves a freshly built router. A bind failure
// returns a BindError and no instance. Providers that fail produce a
// SetupError returned together with the running instance.
func (m *Manager) Start(ctx context.Context, opts Options) (*Instance, error) {
	m.mu.Lock()
	switch m.state {
	case StateUninitialized, StateStopped:
	default:
		state := m.state
		m.mu.Unlock()
		return nil, errors.New(errors.CodeServerState).
			WithDetailf("Start called while %s", state)
	}
	m.state = StateStarting
	m.mu.Unlock()

	inst, err := m.start(ctx, opts)
	m.metrics.ServerStart("start", err)
	return inst, err
}

// Restart force-drains prev, waits for its listener to close, then starts a
// replacement. The replacement never accepts before prev stopped accepting.
// With opts.Port zero the previous port is reused.
func (m *Manager) Restart(ctx context.Context, prev *Instance, opts Options) (*Instance, error) {
	m.mu.Lock()
	if m.state != StateRunning || prev == nil || prev != m.active {
		state := m.state
		m.mu.Unlock()
		return nil, errors.New(errors.CodeServerState).
			WithDetailf("Restart requires the running instance (state %s)", state)
	}
	m.state = StateRestarting
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "server.restart",
		trace.WithAttributes(attribute.Int("server.port", prev.Port)))
	defer span.End()

	began := time.Now()
	drained := m.ForceDrain(prev)
	m.metrics.DrainedSockets(drained)
	if err := m.retire(ctx, prev, 0); err != nil {
		m.setState(StateUninitialized)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if opts.Port == 0 {
		opts.Port = prev.Port
	}

	m.setState(StateStarting)
	inst, err := m.start(ctx, opts)
	m.metrics.ServerStart("restart", err)
	if inst != nil {
		m.metrics.RestartDuration(time.Since(began))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.logger.Debug("restarted", "drained", drained, "duration", time.Since(began))
	return inst, err
}

// ForceDrain hard-closes every socket tracked by inst, aborting in-flight
// requests. It returns how many sockets were closed.
func (m *Manager) ForceDrain(inst *Instance) int {
	if inst == nil {
		return 0
	}
	return inst.closeConnections()
}

// Stop gracefully closes inst: the listener closes and in-flight requests
// may finish within the instance's shutdown timeout.
func (m *Manager) Stop(ctx context.Context, inst *Instance) error {
	if inst == nil {
		m.setState(StateStopped)
		return nil
	}
	m.mu.Lock()
	if m.state == StateStopping || m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	m.mu.Unlock()

	err := m.retire(ctx, inst, inst.shutdownTimeout)
	m.setState(StateStopped)
	return err
}

// Close releases resources owned by the manager beyond instances.
func (m *Manager) Close() error {
	if m.database != nil {
		return m.database.Close()
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// retire stops inst from accepting and waits for its serve loop to return.
// A zero grace closes immediately.
func (m *Manager) retire(ctx context.Context, inst *Instance, grace time.Duration) error {
	var closeErr error
	if grace > 0 {
		sctx, cancel := context.WithTimeout(ctx, grace)
		closeErr = inst.server.Shutdown(sctx)
		cancel()
		if closeErr != nil {
			m.logger.Warn("graceful shutdown timed out, closing", "error", closeErr)
			closeErr = inst.server.Close()
		}
	} else {
		closeErr = inst.server.Close()
	}
	if closeErr != nil {
		m.logger.Debug("listener close", "error", closeErr)
	}

	var waitErr error
	select {
	case <-inst.done:
	case <-ctx.Done():
		// The listener is closed even though Serve has not returned yet, so
		// the instance no longer counts as accepting.
		waitErr = errors.New(errors.CodeServerState).
			WithDetail("Timed out waiting for the listener to close").
			Wrap(ctx.Err())
	}
	inst.closeConnections()

	m.mu.Lock()
	if m.active == inst {
		m.accepting--
		m.active = nil
	}
	m.mu.Unlock()
	return waitErr
}

func (m *Manager) start(ctx context.Context, opts Options) (*Instance, error) {
	opts = opts.withDefaults()

	ctx, span := m.tracer.Start(ctx, "server.start",
		trace.WithAttributes(attribute.String("server.address", opts.Address())))
	defer span.End()

	ln, err := net.Listen("tcp", opts.Address())
	if err != nil {
		m.setState(StateUninitialized)
		bindErr := errors.New(errors.CodeBind).
			WithDetailf("Cannot listen on %s", opts.Address()).
			WithSuggestion("Stop the other process or pass a different --port").
			Wrap(err)
		span.RecordError(bindErr)
		span.SetStatus(codes.Error, bindErr.Error())
		return nil, bindErr
	}

	useDB := opts.Database && m.database != nil
	inst := newInstance(ln, useDB)
	inst.shutdownTimeout = opts.ShutdownTimeout
	router, setupErr := m.buildRouter(ctx, inst, opts)

	inst.server = &http.Server{
		Handler:           router,
		ConnState:         inst.trackConn,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug),
	}

	m.mu.Lock()
	m.accepting++
	m.active = inst
	m.state = StateRunning
	m.mu.Unlock()

	inst.StartedAt = time.Now()
	go func() {
		defer close(inst.done)
		if err := inst.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			m.logger.Error("serve failed", "error", err)
		}
	}()

	m.logger.Info("listening", "addr", inst.Addr(), "routes", len(inst.routes), "database", useDB)
	if setupErr != nil {
		span.RecordError(setupErr)
		span.SetStatus(codes.Error, setupErr.Error())
		return inst, setupErr
	}
	span.SetStatus(codes.Ok, "")
	return inst, nil
}

func (m *Manager) buildRouter(ctx context.Context, inst *Instance, opts Options) (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(m.logger))
	r.Use(chimiddleware.Recoverer)

	var setupErrs []error
	summaries := make(map[string]RouteInfo)
	mount := func(source string, b RouteBinding) {
		defer func() {
			if rec := recover(); rec != nil {
				setupErrs = append(setupErrs, fmt.Errorf("%s: %s %s: %v", source, b.Method, b.Path, rec))
			}
		}()
		r.Method(b.Method, b.Path, b.Handler)
		summaries[routeKey(b.Method, b.Path)] = RouteInfo{Method: b.Method, Path: b.Path, Service: b.Service, Summary: b.Summary}
	}

	for _, b := range builtinRoutes(inst, m.metrics) {
		mount("builtin", b)
	}

	if opts.ReloadHandler != nil {
		mount("reload", RouteBinding{Method: http.MethodGet, Path: opts.ReloadPath, Handler: opts.ReloadHandler, Summary: "live-reload websocket"})
		mount("reload", RouteBinding{Method: http.MethodGet, Path: opts.ReloadPath + ".js", Handler: scriptHandler(opts.ReloadScript), Summary: "live-reload client script"})
	}

	providers := append([]RouteProvider(nil), m.providers...)
	if inst.DatabaseEnabled {
		providers = append(providers, m.database)
	}
	for _, p := range providers {
		bindings, err := p.Routes(ctx)
		if err != nil {
			setupErrs = append(setupErrs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		for _, b := range bindings {
			mount(p.Name(), b)
		}
	}

	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	var rpcPaths []string
	var serviceBindings []RouteBinding
	for _, name := range names {
		for _, b := range m.services[name] {
			serviceBindings = append(serviceBindings, b)
			rpcPaths = append(rpcPaths, b.Path)
		}
	}
	m.mu.Unlock()

	for _, b := range serviceBindings {
		mount("service "+b.Service, b)
	}
	mount("builtin", RouteBinding{Method: http.MethodPost, Path: "/rpc/*", Handler: rpcNotFound(rpcPaths)})

	static := newStaticHandler(opts.PublicDir, injectScript(opts), opts.Fallback)
	if opts.Fallback != nil {
		r.NotFound(opts.Fallback.ServeHTTP)
		r.MethodNotAllowed(opts.Fallback.ServeHTTP)
	}
	mount("static", RouteBinding{Method: http.MethodGet, Path: "/*", Handler: static, Summary: "public files"})
	mount("static", RouteBinding{Method: http.MethodHead, Path: "/*", Handler: static})

	var routes []RouteInfo
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		info, ok := summaries[routeKey(method, route)]
		if !ok {
			info = RouteInfo{Method: method, Path: route}
		}
		routes = append(routes, info)
		return nil
	})
	sortRoutes(routes)
	inst.routes = routes

	if len(setupErrs) > 0 {
		for _, err := range setupErrs {
			m.logger.Error("route setup failed", "error", err)
		}
		return r, errors.New(errors.CodeSetup).Wrap(stderrors.Join(setupErrs...))
	}
	return r, nil
}

func injectScript(opts Options) string {
	if opts.Production || opts.ReloadHandler == nil {
		return ""
	}
	return opts.ReloadPath + ".js"
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}
