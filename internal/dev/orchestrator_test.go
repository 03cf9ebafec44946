package dev

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kreteshq/huncwot/internal/config"
	"github.com/kreteshq/huncwot/internal/errors"
	"github.com/kreteshq/huncwot/internal/rpc"
	"github.com/kreteshq/huncwot/internal/server"
)

var noKeepAlive = &http.Client{
	Transport: &http.Transport{DisableKeepAlives: true},
	Timeout:   5 * time.Second,
}

// recorder collects lifecycle and notifier calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.list() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeLifecycle struct {
	rec      *recorder
	startErr []error // consumed by successive Start calls
	routes   map[string][]server.RouteBinding
	mu       sync.Mutex
}

func newFakeLifecycle(rec *recorder) *fakeLifecycle {
	return &fakeLifecycle{rec: rec, routes: make(map[string][]server.RouteBinding)}
}

func (f *fakeLifecycle) Start(ctx context.Context, opts server.Options) (*server.Instance, error) {
	f.rec.add("start")
	f.mu.Lock()
	var err error
	if len(f.startErr) > 0 {
		err = f.startErr[0]
		f.startErr = f.startErr[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &server.Instance{Port: 5544, StartedAt: time.Now()}, nil
}

func (f *fakeLifecycle) Restart(ctx context.Context, prev *server.Instance, opts server.Options) (*server.Instance, error) {
	f.rec.add("restart")
	return &server.Instance{Port: prev.Port, StartedAt: time.Now()}, nil
}

func (f *fakeLifecycle) Stop(ctx context.Context, inst *server.Instance) error {
	f.rec.add("stop")
	return nil
}

func (f *fakeLifecycle) SetServiceRoutes(service string, bindings []server.RouteBinding) {
	f.rec.add("routes %s %d", service, len(bindings))
	f.mu.Lock()
	defer f.mu.Unlock()
	if bindings == nil {
		delete(f.routes, service)
		return
	}
	f.routes[service] = bindings
}

type fakeNotifier struct {
	rec *recorder
}

func (n *fakeNotifier) Broadcast(msg ReloadMessage) int {
	n.rec.add("broadcast %s", msg.Type)
	return 1
}

func (n *fakeNotifier) DisconnectAll() int {
	n.rec.add("disconnect")
	return 1
}

type fakeApp struct {
	rec        *recorder
	restartErr error
}

func (a *fakeApp) Start(ctx context.Context) error {
	a.rec.add("app start")
	return nil
}

func (a *fakeApp) Restart(ctx context.Context) error {
	a.rec.add("app restart")
	return a.restartErr
}

func (a *fakeApp) Stop() {
	a.rec.add("app stop")
}

type fakeStyle struct {
	calls int
	err   error
	panic bool
}

func (s *fakeStyle) Compile(ctx context.Context) error {
	s.calls++
	if s.panic {
		panic("style exploded")
	}
	return s.err
}

type fakeData struct {
	paths []string
}

func (d *fakeData) HandleData(ctx context.Context, path string) error {
	d.paths = append(d.paths, path)
	return nil
}

type fixture struct {
	project   string
	cfg       *config.Config
	rec       *recorder
	lifecycle *fakeLifecycle
	style     *fakeStyle
	data      *fakeData
	modules   *rpc.Modules
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	project := t.TempDir()
	rec := &recorder{}
	return &fixture{
		project:   project,
		cfg:       config.New(project),
		rec:       rec,
		lifecycle: newFakeLifecycle(rec),
		style:     &fakeStyle{},
		data:      &fakeData{},
		modules:   rpc.NewModules(),
	}
}

func (f *fixture) orchestrator(opts server.Options) *Orchestrator {
	return NewOrchestrator(OrchestratorOptions{
		Config:    f.cfg,
		Server:    opts,
		Lifecycle: f.lifecycle,
		Notifier:  &fakeNotifier{rec: f.rec},
		Modules:   f.modules,
		Style:     f.style,
		Data:      f.data,
	})
}

func TestOrchestratorReadyStartsOnce(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()

	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady}); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady}); err != nil {
		t.Fatalf("second ready: %v", err)
	}
	if n := f.rec.count("start"); n != 1 {
		t.Errorf("start called %d times, want 1", n)
	}
	if o.Instance() == nil {
		t.Error("instance not recorded")
	}
	if _, err := os.Stat(filepath.Join(f.project, "dist", "tasks")); err != nil {
		t.Errorf("dist/tasks not created: %v", err)
	}
}

func TestOrchestratorStyleChange(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady})

	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventChanged, RelativePath: "stylesheets/main.css"}); err != nil {
		t.Fatalf("style change: %v", err)
	}
	if f.style.calls != 1 {
		t.Errorf("style compiled %d times, want 1", f.style.calls)
	}
	if f.rec.count("restart") != 0 || f.rec.count("broadcast") != 0 {
		t.Errorf("style change must not restart or broadcast: %v", f.rec.list())
	}
}

func TestOrchestratorStyleFailureIsCoded(t *testing.T) {
	f := newFixture(t)
	f.style.err = stderrors.New("unknown utility")
	o := f.orchestrator(server.Options{})

	err := o.OnWatchEvent(context.Background(), WatchEvent{Kind: EventChanged, RelativePath: "a.scss"})
	if !errors.HasCode(err, errors.CodeStyleTransform) {
		t.Errorf("expected %s, got %v", errors.CodeStyleTransform, err)
	}
}

func TestOrchestratorPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.style.panic = true
	o := f.orchestrator(server.Options{})
	ctx := context.Background()

	err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventChanged, RelativePath: "main.css"})
	if !errors.HasCode(err, errors.CodeReactionPanic) {
		t.Fatalf("expected %s, got %v", errors.CodeReactionPanic, err)
	}

	// The next event is still handled.
	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady}); err != nil {
		t.Fatalf("ready after panic: %v", err)
	}
	if f.rec.count("start") != 1 {
		t.Error("orchestrator stopped reacting after a panic")
	}
}

func TestOrchestratorRestartThenReload(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady})

	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"}); err != nil {
		t.Fatalf("subsequent build: %v", err)
	}
	calls := f.rec.list()
	want := []string{"start", "restart", "broadcast reload"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestOrchestratorServiceRegeneration(t *testing.T) {
	f := newFixture(t)
	writeProjectFile(t, f.project, "features/EchoService/service.go", echoService)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady})

	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "features/EchoService/service.go"}); err != nil {
		t.Fatalf("service build: %v", err)
	}
	calls := strings.Join(f.rec.list(), ",")
	if calls != "start,routes Echo 1,restart,broadcast reload" {
		t.Errorf("calls = %s", calls)
	}
	if _, err := os.Stat(filepath.Join(f.project, "features", "EchoService", rpc.CallerFileName)); err != nil {
		t.Errorf("caller not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.project, "public", "rpc", "Echo.js")); err != nil {
		t.Errorf("browser caller not written: %v", err)
	}
}

func TestOrchestratorMalformedServiceKeepsRoutes(t *testing.T) {
	f := newFixture(t)
	path := writeProjectFile(t, f.project, "features/EchoService/service.go", echoService)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady})
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventChanged, RelativePath: "features/EchoService/service.go"})
	if len(f.lifecycle.routes["Echo"]) != 1 {
		t.Fatalf("routes not staged: %v", f.rec.list())
	}

	if err := os.WriteFile(path, []byte("package echoservice\n\ntype EchoService interface {\n"), 0644); err != nil {
		t.Fatal(err)
	}
	err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "features/EchoService/service.go"})
	if !errors.HasCode(err, errors.CodeMalformedInterface) {
		t.Fatalf("expected %s, got %v", errors.CodeMalformedInterface, err)
	}
	if len(f.lifecycle.routes["Echo"]) != 1 {
		t.Error("previous routes were dropped")
	}
	if f.rec.count("restart") != 1 || f.rec.count("broadcast reload") != 1 {
		t.Errorf("server should still restart and reload: %v", f.rec.list())
	}
}

func TestOrchestratorRenamedServiceDropsOldRoutes(t *testing.T) {
	f := newFixture(t)
	path := writeProjectFile(t, f.project, "features/EchoService/service.go", echoService)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventChanged, RelativePath: "features/EchoService/service.go"})

	renamed := strings.ReplaceAll(echoService, "type EchoService interface", "type ShoutService interface")
	if err := os.WriteFile(path, []byte(renamed), 0644); err != nil {
		t.Fatal(err)
	}
	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventChanged, RelativePath: "features/EchoService/service.go"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, ok := f.lifecycle.routes["Echo"]; ok {
		t.Error("routes of the old service name are still staged")
	}
	if len(f.lifecycle.routes["Shout"]) != 1 {
		t.Errorf("routes of the new service name missing: %v", f.rec.list())
	}
}

func TestOrchestratorBuildFailedBroadcastsError(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(server.Options{})

	err := o.OnWatchEvent(context.Background(), WatchEvent{
		Kind:         EventBuildFailed,
		RelativePath: "main.go",
		Diagnostics:  []Diagnostic{{SourceFile: "main.go", Line: 1, Message: "boom"}},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if f.rec.count("broadcast error") != 1 || f.rec.count("restart") != 0 {
		t.Errorf("calls = %v", f.rec.list())
	}
}

func TestOrchestratorClearsErrorAfterRecovery(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()

	events := []WatchEvent{
		{Kind: EventReady},
		{Kind: EventBuildFailed, RelativePath: "main.go"},
		{Kind: EventSubsequentBuild, RelativePath: "main.go"},
		{Kind: EventSubsequentBuild, RelativePath: "main.go"},
	}
	for _, ev := range events {
		if err := o.OnWatchEvent(ctx, ev); err != nil {
			t.Fatalf("%s: %v", ev.Kind, err)
		}
	}

	want := "start,broadcast error,restart,broadcast clear,broadcast reload,restart,broadcast reload"
	if calls := strings.Join(f.rec.list(), ","); calls != want {
		t.Errorf("calls = %s\nwant    %s", calls, want)
	}
}

func TestOrchestratorClearsErrorAfterFailedInitialBuild(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()

	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady, Failed: true})
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"})

	if f.rec.count("broadcast clear") != 1 {
		t.Errorf("calls = %v", f.rec.list())
	}
}

func TestOrchestratorDrivesApp(t *testing.T) {
	f := newFixture(t)
	app := &fakeApp{rec: f.rec}
	o := NewOrchestrator(OrchestratorOptions{
		Config:    f.cfg,
		Lifecycle: f.lifecycle,
		Notifier:  &fakeNotifier{rec: f.rec},
		App:       app,
		Modules:   f.modules,
	})
	ctx := context.Background()

	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady})
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"})

	app.restartErr = errors.New(errors.CodeAppProcess)
	err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"})
	if !errors.HasCode(err, errors.CodeAppProcess) {
		t.Fatalf("expected %s, got %v", errors.CodeAppProcess, err)
	}

	app.restartErr = nil
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"})
	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	want := strings.Join([]string{
		"app start", "start",
		"app restart", "restart", "broadcast reload",
		"app restart", "broadcast error",
		"app restart", "restart", "broadcast clear", "broadcast reload",
		"stop", "app stop",
	}, ",")
	if calls := strings.Join(f.rec.list(), ","); calls != want {
		t.Errorf("calls = %s\nwant    %s", calls, want)
	}
}

func TestOrchestratorSkipsAppAfterFailedInitialBuild(t *testing.T) {
	f := newFixture(t)
	o := NewOrchestrator(OrchestratorOptions{
		Config:    f.cfg,
		Lifecycle: f.lifecycle,
		Notifier:  &fakeNotifier{rec: f.rec},
		App:       &fakeApp{rec: f.rec},
		Modules:   f.modules,
	})
	if err := o.OnWatchEvent(context.Background(), WatchEvent{Kind: EventReady, Failed: true}); err != nil {
		t.Fatal(err)
	}
	if calls := strings.Join(f.rec.list(), ","); calls != "start" {
		t.Errorf("calls = %s", calls)
	}
}

func TestOrchestratorStartFailureRetriedOnRebuild(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.startErr = []error{errors.New(errors.CodeBind)}
	o := f.orchestrator(server.Options{})
	ctx := context.Background()

	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady}); !errors.HasCode(err, errors.CodeBind) {
		t.Fatalf("expected bind failure, got %v", err)
	}
	if o.Instance() != nil {
		t.Fatal("no instance expected after bind failure")
	}

	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if o.Instance() == nil {
		t.Error("rebuild should start a server")
	}
	if f.rec.count("start") != 2 || f.rec.count("restart") != 0 {
		t.Errorf("calls = %v", f.rec.list())
	}
}

func TestOrchestratorDisconnectsWhenNotKeepingClients(t *testing.T) {
	f := newFixture(t)
	f.cfg.Reload.KeepClientsOnRestart = false
	o := f.orchestrator(server.Options{})
	ctx := context.Background()
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady})
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"})

	calls := strings.Join(f.rec.list(), ",")
	if calls != "start,disconnect,restart,broadcast reload" {
		t.Errorf("calls = %s", calls)
	}
}

func TestOrchestratorDataChange(t *testing.T) {
	tests := []struct {
		name     string
		database bool
		want     int
	}{
		{"database enabled", true, 1},
		{"database disabled", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.orchestrator(server.Options{Database: tt.database})
			err := o.OnWatchEvent(context.Background(), WatchEvent{Kind: EventChanged, RelativePath: "db/seed.sql"})
			if err != nil {
				t.Fatalf("data change: %v", err)
			}
			if len(f.data.paths) != tt.want {
				t.Fatalf("HandleData called %d times, want %d", len(f.data.paths), tt.want)
			}
			if tt.want == 1 && f.data.paths[0] != filepath.Join(f.project, "db", "seed.sql") {
				t.Errorf("path = %q", f.data.paths[0])
			}
		})
	}
}

func TestOrchestratorDebouncedReload(t *testing.T) {
	f := newFixture(t)
	f.cfg.Reload.Debounce = 50 * time.Millisecond
	o := f.orchestrator(server.Options{})
	ctx := context.Background()
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady})

	for _, p := range []string{"a.go", "b.go", "c.go"} {
		_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: p})
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.rec.count("broadcast reload") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := f.rec.count("broadcast reload"); n != 1 {
		t.Errorf("reload sent %d times, want 1", n)
	}
	if n := f.rec.count("restart"); n != 3 {
		t.Errorf("restart called %d times, want 3", n)
	}
}

func TestOrchestratorShutdown(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(server.Options{})
	ctx := context.Background()
	_ = o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady})

	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if f.rec.count("stop") != 1 {
		t.Errorf("stop called %d times, want 1", f.rec.count("stop"))
	}
}

func TestOrchestratorRunStopsOnClose(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(server.Options{})
	events := make(chan WatchEvent, 2)
	events <- WatchEvent{Kind: EventReady}
	events <- WatchEvent{Kind: EventChanged, RelativePath: "x.css"}
	close(events)

	if err := o.Run(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	if f.rec.count("start") != 1 || f.style.calls != 1 {
		t.Errorf("events not handled in order: %v, style %d", f.rec.list(), f.style.calls)
	}
}

type echoIn struct {
	Text string `json:"text"`
}

type echoImpl struct{}

func (echoImpl) Echo(ctx context.Context, in echoIn) (echoIn, error) {
	return echoIn{Text: strings.ToUpper(in.Text)}, nil
}

// TestOrchestratorEndToEnd drives a real server and reload hub.
func TestOrchestratorEndToEnd(t *testing.T) {
	project := t.TempDir()
	cfg := config.New(project)
	writeProjectFile(t, project, "features/EchoService/service.go", echoService)

	modules := rpc.NewModules()
	modules.Register("Echo", func() (any, error) { return echoImpl{}, nil })

	hub := NewReloadHub(nil, nil)
	hub.Init()
	manager := server.NewManager(server.ManagerOptions{})
	o := NewOrchestrator(OrchestratorOptions{
		Config: cfg,
		Server: server.Options{
			Host:          "127.0.0.1",
			PublicDir:     cfg.PublicPath(),
			ReloadHandler: http.HandlerFunc(hub.HandleWebSocket),
			ReloadScript:  ClientScript(config.DefaultReloadPath),
		},
		Lifecycle: manager,
		Notifier:  hub,
		Modules:   modules,
	})
	ctx := context.Background()
	t.Cleanup(func() {
		hub.Dispose()
		_ = o.Shutdown(ctx)
		_ = manager.Close()
	})

	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventReady}); err != nil {
		t.Fatalf("ready: %v", err)
	}
	inst := o.Instance()
	if inst == nil {
		t.Fatal("no instance")
	}

	resp, err := noKeepAlive.Get(inst.URL() + "/__rest.json")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/__rest.json status = %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+inst.Addr()+config.DefaultReloadPath, nil)
	if err != nil {
		t.Fatalf("dial reload: %v", err)
	}
	defer conn.Close()
	if msg := readMessage(t, conn); msg.Type != ReloadTypeConnected {
		t.Fatalf("first message = %q", msg.Type)
	}

	if err := o.OnWatchEvent(ctx, WatchEvent{Kind: EventSubsequentBuild, RelativePath: "features/EchoService/service.go"}); err != nil {
		t.Fatalf("service build: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != ReloadTypeFull {
		t.Errorf("reload message = %q", msg.Type)
	}

	inst = o.Instance()
	resp, err = noKeepAlive.Post(inst.URL()+"/rpc/Echo/echo", "application/json", strings.NewReader(`{"text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /rpc/Echo/echo status = %d", resp.StatusCode)
	}
	var out echoIn
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Text != "HI" {
		t.Errorf("Text = %q, want HI", out.Text)
	}
}

// checkedLifecycle is a real manager that verifies, whenever a restart
// begins, that every instance retired earlier has stopped and holds no
// sockets.
type checkedLifecycle struct {
	*server.Manager
	client *http.Client

	mu       sync.Mutex
	retired  []*server.Instance
	restarts int
	problems []string
}

func (c *checkedLifecycle) Start(ctx context.Context, opts server.Options) (*server.Instance, error) {
	inst, err := c.Manager.Start(ctx, opts)
	if err == nil {
		c.hold(inst)
	}
	return inst, err
}

func (c *checkedLifecycle) Restart(ctx context.Context, prev *server.Instance, opts server.Options) (*server.Instance, error) {
	c.mu.Lock()
	c.restarts++
	for i, r := range c.retired {
		select {
		case <-r.Done():
		default:
			c.problems = append(c.problems, fmt.Sprintf("restart %d began while instance %d was serving", c.restarts, i))
		}
		if n := r.OpenConnections(); n != 0 {
			c.problems = append(c.problems, fmt.Sprintf("restart %d began with %d sockets on instance %d", c.restarts, n, i))
		}
	}
	c.mu.Unlock()

	inst, err := c.Manager.Restart(ctx, prev, opts)

	c.mu.Lock()
	c.retired = append(c.retired, prev)
	c.mu.Unlock()
	if err == nil {
		c.hold(inst)
	}
	return inst, err
}

// hold leaves an idle keep-alive connection on inst so the next restart
// has a socket to drain.
func (c *checkedLifecycle) hold(inst *server.Instance) {
	c.client.CloseIdleConnections()
	resp, err := c.client.Get(inst.URL() + "/__health")
	if err != nil {
		c.mu.Lock()
		c.problems = append(c.problems, "health request failed: "+err.Error())
		c.mu.Unlock()
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestOrchestratorRunRestartsOneInstanceAtATime(t *testing.T) {
	project := t.TempDir()
	cfg := config.New(project)
	manager := server.NewManager(server.ManagerOptions{})
	transport := &http.Transport{}
	lc := &checkedLifecycle{Manager: manager, client: &http.Client{Transport: transport, Timeout: 5 * time.Second}}
	t.Cleanup(func() {
		transport.CloseIdleConnections()
		_ = manager.Close()
	})

	o := NewOrchestrator(OrchestratorOptions{
		Config:    cfg,
		Server:    server.Options{Host: "127.0.0.1", PublicDir: cfg.PublicPath()},
		Lifecycle: lc,
	})

	stop := make(chan struct{})
	sampled := make(chan int, 1)
	go func() {
		most := 0
		for {
			if n := manager.Active(); n > most {
				most = n
			}
			select {
			case <-stop:
				sampled <- most
				return
			case <-time.After(200 * time.Microsecond):
			}
		}
	}()

	events := make(chan WatchEvent, 3)
	events <- WatchEvent{Kind: EventReady}
	events <- WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"}
	events <- WatchEvent{Kind: EventSubsequentBuild, RelativePath: "main.go"}
	close(events)
	if err := o.Run(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	close(stop)

	if most := <-sampled; most > 1 {
		t.Errorf("Active() reached %d, want at most 1", most)
	}
	if n := manager.Active(); n != 1 {
		t.Errorf("Active() = %d after Run, want 1", n)
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.restarts != 2 || len(lc.retired) != 2 {
		t.Fatalf("restarts = %d, retired = %d; want 2 each", lc.restarts, len(lc.retired))
	}
	for _, p := range lc.problems {
		t.Error(p)
	}
	first := lc.retired[0]
	select {
	case <-first.Done():
	default:
		t.Error("first instance still serving after Run")
	}
	if n := first.OpenConnections(); n != 0 {
		t.Errorf("first instance holds %d sockets", n)
	}
	if o.Instance() == nil || o.Instance() == first || o.Instance() == lc.retired[1] {
		t.Error("orchestrator does not hold the latest instance")
	}
}
