package dev

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kreteshq/huncwot/internal/rpc"
)

// ErrorRecovery repairs generated callers that no longer match their
// service interface. A caller goes stale when the interface changes while
// the previous regeneration failed, and the build then fails inside it.
type ErrorRecovery struct {
	projectDir string
	writer     *rpc.Writer
}

// NewErrorRecovery creates a new error recovery handler.
func NewErrorRecovery(projectDir string, writer *rpc.Writer) *ErrorRecovery {
	return &ErrorRecovery{
		projectDir: projectDir,
		writer:     writer,
	}
}

// RecoveryResult contains the result of an attempted recovery.
type RecoveryResult struct {
	// Recovered indicates if recovery was successful.
	Recovered bool

	// Action describes what was done.
	Action string

	// Details provides additional information.
	Details string
}

// AttemptRecovery regenerates every caller named in diags. It reports
// Recovered when at least one caller was rewritten and the build should be
// retried.
func (r *ErrorRecovery) AttemptRecovery(diags []Diagnostic) RecoveryResult {
	dirs := staleCallerDirs(diags)
	if len(dirs) == 0 {
		return RecoveryResult{Recovered: false}
	}

	var fixed, failed []string
	for _, dir := range dirs {
		svc, err := r.describeDir(dir)
		if err != nil {
			failed = append(failed, dir+": "+err.Error())
			continue
		}
		caller, err := rpc.CallerSource(svc)
		if err != nil {
			failed = append(failed, dir+": "+err.Error())
			continue
		}
		out := rpc.Output{CallerSource: caller, BrowserSource: rpc.BrowserSource(svc)}
		changed, err := r.writer.Write(svc, out)
		if err != nil {
			failed = append(failed, dir+": "+err.Error())
			continue
		}
		if changed {
			fixed = append(fixed, svc.Name)
		}
	}

	if len(fixed) == 0 {
		return RecoveryResult{
			Recovered: false,
			Details:   strings.Join(failed, "; "),
		}
	}
	return RecoveryResult{
		Recovered: true,
		Action:    "regenerated " + rpc.CallerFileName,
		Details:   "services: " + strings.Join(fixed, ", "),
	}
}

// describeDir finds the service interface among the Go files of dir.
func (r *ErrorRecovery) describeDir(dir string) (rpc.Service, error) {
	abs := filepath.Join(r.projectDir, filepath.FromSlash(dir))
	entries, err := os.ReadDir(abs)
	if err != nil {
		return rpc.Service{}, err
	}
	var firstErr error
	for _, e := range entries {
		rel := path.Join(dir, e.Name())
		if e.IsDir() || !IsServicePath(rel) || path.Ext(rel) != ".go" {
			continue
		}
		src, err := os.ReadFile(filepath.Join(abs, e.Name()))
		if err != nil {
			return rpc.Service{}, err
		}
		svc, err := rpc.Describe(rel, src)
		if err == nil {
			return svc, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = os.ErrNotExist
	}
	return rpc.Service{}, firstErr
}

// IsRecoverableError reports whether any diagnostic points into a
// generated caller.
func IsRecoverableError(diags []Diagnostic) bool {
	return len(staleCallerDirs(diags)) > 0
}

func staleCallerDirs(diags []Diagnostic) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, d := range diags {
		if path.Base(d.SourceFile) != rpc.CallerFileName {
			continue
		}
		dir := path.Dir(d.SourceFile)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}
