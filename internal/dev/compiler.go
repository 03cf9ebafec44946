package dev

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kreteshq/huncwot/internal/errors"
)

// CompilerConfig configures the Go compiler.
type CompilerConfig struct {
	// ProjectPath is the root directory of the project.
	ProjectPath string

	// CachePath holds build outputs.
	CachePath string

	// BinaryPath is where the application binary is written
	// (default: CachePath/bin/app).
	BinaryPath string

	// MainPackage is the package built into BinaryPath (default ".").
	MainPackage string

	// GoBinary is the toolchain to run (default: "go" from PATH).
	GoBinary string

	// Tags are build tags to pass to go build.
	Tags []string

	// LDFlags are linker flags to pass to go build.
	LDFlags string

	// Env are additional environment variables.
	Env []string

	// Watch configures the file watcher. Root defaults to ProjectPath.
	Watch WatcherConfig

	// Recovery repairs stale generated callers before a build is reported
	// as failed. Optional.
	Recovery *ErrorRecovery
}

// BuildResult contains the result of a build.
type BuildResult struct {
	// Success indicates if the build succeeded.
	Success bool

	// Duration is how long the build took.
	Duration time.Duration

	// Output is the compiler output.
	Output string

	// Diagnostics are parsed from Output.
	Diagnostics []Diagnostic

	// Error is the build error, if any.
	Error error
}

// Compiler is the Go-toolchain implementation of the compiler watcher: it
// watches the source tree, rebuilds on Go changes, and reports WatchEvents.
type Compiler struct {
	config CompilerConfig
	logger *slog.Logger
	mu     sync.Mutex
}

// NewCompiler creates a new Go compiler.
func NewCompiler(config CompilerConfig, logger *slog.Logger) *Compiler {
	if config.CachePath == "" {
		config.CachePath = filepath.Join(config.ProjectPath, ".huncwot", "cache")
	}
	if config.BinaryPath == "" {
		name := "app"
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		config.BinaryPath = filepath.Join(config.CachePath, "bin", name)
	}
	if config.MainPackage == "" {
		config.MainPackage = "."
	}
	if config.GoBinary == "" {
		config.GoBinary = "go"
	}
	if config.Watch.Root == "" {
		config.Watch.Root = config.ProjectPath
	}
	if len(config.Watch.Paths) == 0 {
		config.Watch.Paths = []string{config.ProjectPath}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		config: config,
		logger: logger.With("component", "compiler"),
	}
}

// LookupToolchain finds the go command on PATH.
func LookupToolchain() (string, error) {
	p, err := exec.LookPath("go")
	if err != nil {
		return "", errors.New(errors.CodeToolchainMissing).Wrap(err)
	}
	return p, nil
}

// BinaryPath returns where Build writes the application binary.
func (c *Compiler) BinaryPath() string {
	return c.config.BinaryPath
}

// Build compiles the main package into BinaryPath.
func (c *Compiler) Build(ctx context.Context) BuildResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(c.config.BinaryPath), 0755); err != nil {
		return BuildResult{
			Duration: time.Since(start),
			Error:    errors.New(errors.CodeBuildFailed).Wrap(err),
		}
	}

	args := []string{"build", "-o", c.config.BinaryPath}
	if len(c.config.Tags) > 0 {
		args = append(args, "-tags", strings.Join(c.config.Tags, ","))
	}
	if c.config.LDFlags != "" {
		args = append(args, "-ldflags", c.config.LDFlags)
	}
	args = append(args, c.config.MainPackage)

	cmd := exec.Command(c.config.GoBinary, args...)
	cmd.Dir = c.config.ProjectPath
	cmd.Env = append(os.Environ(), c.config.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := runProcess(ctx, cmd)
	duration := time.Since(start)

	output := stderr.String()
	if output == "" {
		output = stdout.String()
	}
	diags := ParseDiagnostics(output, c.config.ProjectPath)

	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return BuildResult{
			Duration:    duration,
			Output:      output,
			Diagnostics: diags,
			Error:       errors.New(errors.CodeBuildFailed).WithDetail(strings.TrimSpace(output)).Wrap(err),
		}
	}

	return BuildResult{
		Success:     true,
		Duration:    duration,
		Output:      output,
		Diagnostics: diags,
	}
}

func runProcess(ctx context.Context, cmd *exec.Cmd) error {
	proc, err := startProcess(cmd)
	if err != nil {
		return err
	}
	select {
	case err := <-proc.done:
		return err
	case <-ctx.Done():
		stopProcess(proc)
		return ctx.Err()
	}
}

// Run performs the initial build, reports EventReady, then reports every
// batch of file changes until ctx is done. Non-Go files yield EventChanged;
// Go files trigger one rebuild per batch and yield EventSubsequentBuild per
// file, or a single EventBuildFailed.
func (c *Compiler) Run(ctx context.Context, events chan<- WatchEvent) error {
	batches := make(chan []Change, 16)
	watcher := NewWatcher(c.config.Watch, c.logger)
	watcher.OnChange(func(changes []Change) {
		select {
		case batches <- changes:
		case <-ctx.Done():
		}
	})
	if err := watcher.Start(ctx); err != nil {
		return errors.New(errors.CodeConfig).WithDetail("Cannot watch the project directory").Wrap(err)
	}
	defer watcher.Stop()

	result := c.Build(ctx)
	c.logBuild(result)
	if !emit(ctx, events, WatchEvent{Kind: EventReady, Diagnostics: result.Diagnostics, Failed: !result.Success}) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case changes := <-batches:
			for _, ev := range c.process(ctx, changes) {
				if !emit(ctx, events, ev) {
					return nil
				}
			}
		}
	}
}

func emit(ctx context.Context, events chan<- WatchEvent, ev WatchEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Compiler) process(ctx context.Context, changes []Change) []WatchEvent {
	var out []WatchEvent
	var goFiles []string
	for _, ch := range changes {
		if triggersBuild(ch.Path) {
			goFiles = append(goFiles, ch.Path)
			continue
		}
		out = append(out, WatchEvent{RelativePath: ch.Path, Kind: EventChanged})
	}
	if len(goFiles) == 0 {
		return out
	}

	result := c.Build(ctx)
	if !result.Success && c.config.Recovery != nil && ctx.Err() == nil {
		if rec := c.config.Recovery.AttemptRecovery(result.Diagnostics); rec.Recovered {
			c.logger.Info("recovered from build error", "action", rec.Action, "details", rec.Details)
			result = c.Build(ctx)
		}
	}
	c.logBuild(result)

	if !result.Success {
		return append(out, WatchEvent{
			RelativePath: goFiles[0],
			Kind:         EventBuildFailed,
			Diagnostics:  result.Diagnostics,
		})
	}
	for _, p := range goFiles {
		out = append(out, WatchEvent{
			RelativePath: p,
			Kind:         EventSubsequentBuild,
			Diagnostics:  result.Diagnostics,
		})
	}
	return out
}

func (c *Compiler) logBuild(result BuildResult) {
	if result.Success {
		c.logger.Debug("build finished", "duration", result.Duration.Round(time.Millisecond))
		return
	}
	c.logger.Debug("build failed", "duration", result.Duration.Round(time.Millisecond), "diagnostics", len(result.Diagnostics))
}

func triggersBuild(p string) bool {
	switch path.Base(p) {
	case "go.mod", "go.sum", "go.work":
		return true
	}
	return strings.ToLower(path.Ext(p)) == ".go"
}

var diagnosticLine = regexp.MustCompile(`^(\S+?\.go):(\d+)(?::(\d+))?: (.*)$`)

// ParseDiagnostics extracts compiler messages from go build output. Paths
// are made slash-separated and relative to projectDir when possible.
// Tab-indented continuation lines are folded into the previous message.
func ParseDiagnostics(output, projectDir string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "\t") && len(diags) > 0 {
			diags[len(diags)-1].Message += "\n" + strings.TrimSpace(line)
			continue
		}
		m := diagnosticLine.FindStringSubmatch(line)
		if m == nil {
			diags = append(diags, Diagnostic{Message: strings.TrimSpace(line)})
			continue
		}
		ln, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		diags = append(diags, Diagnostic{
			SourceFile: relativeSource(m[1], projectDir),
			Line:       ln,
			Column:     col,
			Message:    m[4],
		})
	}
	return diags
}

func relativeSource(file, projectDir string) string {
	if filepath.IsAbs(file) && projectDir != "" {
		if rel, err := filepath.Rel(projectDir, file); err == nil && !strings.HasPrefix(rel, "..") {
			file = rel
		}
	}
	return strings.TrimPrefix(filepath.ToSlash(file), "./")
}
