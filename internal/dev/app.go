package dev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kreteshq/huncwot/internal/errors"
	"github.com/kreteshq/huncwot/internal/rpc"
	"github.com/kreteshq/huncwot/internal/server"
)

// AppAddrEnv carries the address the application process must listen on.
const AppAddrEnv = "HUNCWOT_APP_ADDR"

// AppProcessOptions configures the application process.
type AppProcessOptions struct {
	// Binary is the executable produced by the last successful build.
	Binary string

	// Dir is the working directory of the process.
	Dir string

	// Args precede --addr on the command line (default: serve).
	Args []string

	// Host is the interface the process listens on (default 127.0.0.1).
	Host string

	// Env is appended to the inherited environment.
	Env []string

	// Output receives the process's stdout and stderr (default os.Stderr).
	Output io.Writer

	// ReadyTimeout bounds the wait for the health check (default 10s).
	ReadyTimeout time.Duration

	// ReloadScript is injected into proxied HTML pages when set.
	ReloadScript string

	Logger *slog.Logger
}

// AppProcess runs the built application as a child process and proxies
// requests to it. Every start picks a fresh port; a restart stops the old
// process before the new binary runs.
type AppProcess struct {
	opts      AppProcessOptions
	logger    *slog.Logger
	transport *http.Transport
	proxy     *httputil.ReverseProxy
	health    *http.Client
	tail      *tailBuffer

	mu   sync.Mutex
	proc *processHandle
	addr string
}

// NewAppProcess creates a stopped application process.
func NewAppProcess(opts AppProcessOptions) *AppProcess {
	if len(opts.Args) == 0 {
		opts.Args = []string{"serve"}
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &AppProcess{
		opts:      opts,
		logger:    logger.With("component", "app"),
		transport: &http.Transport{MaxIdleConnsPerHost: 16, IdleConnTimeout: 30 * time.Second},
		health:    &http.Client{Timeout: time.Second, Transport: &http.Transport{DisableKeepAlives: true}},
		tail:      &tailBuffer{max: 8 << 10},
	}
	a.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(&url.URL{Scheme: "http", Host: a.Addr()})
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport:      a.transport,
		ModifyResponse: a.injectScript,
		ErrorHandler:   a.proxyError,
	}
	return a
}

// Addr returns the address of the running process, or "".
func (a *AppProcess) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Running reports whether a process is serving.
func (a *AppProcess) Running() bool {
	return a.Addr() != ""
}

// Start runs the binary and waits until it answers its health check. It is
// a no-op while a process is running.
func (a *AppProcess) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc != nil {
		return nil
	}
	return a.startLocked(ctx)
}

// Restart stops the running process, if any, and starts the binary again.
func (a *AppProcess) Restart(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	return a.startLocked(ctx)
}

// Stop terminates the process group and waits for it to exit.
func (a *AppProcess) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *AppProcess) stopLocked() {
	if a.proc == nil {
		return
	}
	stopProcess(a.proc)
	a.logger.Debug("application stopped", "addr", a.addr)
	a.proc = nil
	a.addr = ""
	a.transport.CloseIdleConnections()
}

func (a *AppProcess) startLocked(ctx context.Context) error {
	if _, err := os.Stat(a.opts.Binary); err != nil {
		return errors.New(errors.CodeAppProcess).
			WithDetailf("No application binary at %s", a.opts.Binary).
			WithSuggestion("Fix the build errors; the application starts after the next successful build").
			Wrap(err)
	}
	addr, err := pickAddr(a.opts.Host)
	if err != nil {
		return errors.New(errors.CodeAppProcess).Wrap(err)
	}

	args := append(append([]string(nil), a.opts.Args...), "--addr", addr)
	cmd := exec.Command(a.opts.Binary, args...)
	cmd.Dir = a.opts.Dir
	cmd.Env = append(os.Environ(), AppAddrEnv+"="+addr, "HUNCWOT_DEV=1")
	cmd.Env = append(cmd.Env, a.opts.Env...)
	a.tail.Reset()
	out := io.MultiWriter(a.opts.Output, a.tail)
	cmd.Stdout = out
	cmd.Stderr = out

	begin := time.Now()
	proc, err := startProcess(cmd)
	if err != nil {
		return errors.New(errors.CodeAppProcess).
			WithDetailf("Cannot run %s", a.opts.Binary).
			Wrap(err)
	}
	if err := a.waitReady(ctx, proc, addr); err != nil {
		return err
	}

	a.proc = proc
	a.addr = addr
	a.logger.Info("application started", "addr", addr, "pid", cmd.Process.Pid,
		"duration", time.Since(begin).Round(time.Millisecond))
	return nil
}

// waitReady polls the health route until it answers. On failure the
// process is stopped, or has already exited.
func (a *AppProcess) waitReady(ctx context.Context, proc *processHandle, addr string) error {
	deadline := time.NewTimer(a.opts.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	healthURL := "http://" + addr + server.AppHealthPath
	for {
		select {
		case err := <-proc.done:
			detail := strings.TrimSpace(a.tail.String())
			if detail == "" {
				detail = fmt.Sprintf("%s exited before serving", a.opts.Binary)
			}
			return errors.New(errors.CodeAppProcess).WithDetail(detail).Wrap(exitError(err))
		case <-ctx.Done():
			stopProcess(proc)
			return errors.New(errors.CodeAppProcess).Wrap(ctx.Err())
		case <-deadline.C:
			stopProcess(proc)
			return errors.New(errors.CodeAppProcess).
				WithDetailf("%s did not answer %s within %s", a.opts.Binary, server.AppHealthPath, a.opts.ReadyTimeout).
				WithSuggestion("The application's main must call huncwot.Main so the serve command is available")
		case <-tick.C:
			resp, err := a.health.Get(healthURL)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

func exitError(err error) error {
	if err == nil {
		return fmt.Errorf("exit status 0")
	}
	return err
}

// ServeHTTP proxies r to the running process.
func (a *AppProcess) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.Running() {
		a.proxyError(w, r, fmt.Errorf("application is not running"))
		return
	}
	a.proxy.ServeHTTP(w, r)
}

func (a *AppProcess) injectScript(resp *http.Response) error {
	if a.opts.ReloadScript == "" || resp.Header.Get("Content-Encoding") != "" {
		return nil
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	body = server.InjectScript(body, a.opts.ReloadScript)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

func (a *AppProcess) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Debug("proxy failed", "path", r.URL.Path, "error", err)
	if strings.HasPrefix(r.URL.Path, rpc.RoutePrefix+"/") || strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application is not running: " + err.Error()})
		return
	}

	script := ""
	if a.opts.ReloadScript != "" {
		script = `<script src="` + a.opts.ReloadScript + `"></script>`
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Huncwot</title></head>
<body style="font-family: system-ui; padding: 40px;">
<h1>Application Not Running</h1>
<p>The application is starting, failed to build, or crashed. Check the terminal.</p>
<p>The page reloads when the application is back.</p>
%s
</body>
</html>`, script)
}

func pickAddr(host string) (string, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *tailBuffer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = nil
}
