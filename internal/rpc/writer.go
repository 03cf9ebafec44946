package rpc

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kreteshq/huncwot/internal/errors"
	"github.com/kreteshq/huncwot/internal/metrics"
)

// CallerFileName is the generated caller in each service directory.
const CallerFileName = "caller_gen.go"

// BrowserDir is the directory under the public root holding browser callers.
const BrowserDir = "rpc"

// Writer persists generated sources. Writes for the same service are
// serialized.
type Writer struct {
	projectDir string
	publicDir  string
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWriter creates a writer. Relative service directories are resolved
// against projectDir; browser callers go to publicDir/rpc.
func NewWriter(projectDir, publicDir string, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		projectDir: projectDir,
		publicDir:  publicDir,
		logger:     logger.With("component", "rpc"),
		metrics:    m,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (w *Writer) lock(service string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[service]
	if !ok {
		l = &sync.Mutex{}
		w.locks[service] = l
	}
	return l
}

// CallerPath returns where the Go caller of svc is written.
func (w *Writer) CallerPath(svc Service) string {
	dir := svc.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(w.projectDir, dir)
	}
	return filepath.Join(dir, CallerFileName)
}

// BrowserPath returns where the browser caller of svc is written.
func (w *Writer) BrowserPath(svc Service) string {
	return filepath.Join(w.publicDir, BrowserDir, svc.Name+".js")
}

// Write persists both callers of svc. It reports whether any file changed.
func (w *Writer) Write(svc Service, out Output) (bool, error) {
	l := w.lock(svc.Name)
	l.Lock()
	defer l.Unlock()

	callerChanged, err := w.writeFile(w.CallerPath(svc), out.CallerSource)
	if err != nil {
		w.metrics.Generation("failed")
		return false, err
	}
	browserChanged, err := w.writeFile(w.BrowserPath(svc), out.BrowserSource)
	if err != nil {
		w.metrics.Generation("failed")
		return callerChanged, err
	}

	changed := callerChanged || browserChanged
	if changed {
		w.metrics.Generation("written")
		w.logger.Info("callers generated", "service", svc.Name, "methods", len(svc.Methods))
	} else {
		w.metrics.Generation("unchanged")
	}
	return changed, nil
}

func (w *Writer) writeFile(path string, content []byte) (bool, error) {
	prev, err := os.ReadFile(path)
	if err == nil && bytes.Equal(prev, content) {
		return false, nil
	}
	if err == nil && w.logger.Enabled(context.Background(), slog.LevelDebug) {
		w.logger.Debug("caller changed", "file", path, "diff", unifiedDiff(path, prev, content))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, errors.New(errors.CodeGeneration).WithLocation(path, 0, 0).Wrap(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return false, errors.New(errors.CodeGeneration).WithLocation(path, 0, 0).Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, errors.New(errors.CodeGeneration).WithLocation(path, 0, 0).Wrap(err)
	}
	return true, nil
}

func unifiedDiff(name string, a, b []byte) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: name,
		ToFile:   name,
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}
