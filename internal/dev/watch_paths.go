package dev

import (
	"path/filepath"

	"github.com/kreteshq/huncwot/internal/config"
)

// CollectWatchPaths returns a normalized list of watch paths for the project.
// Generated outputs (public, dist, the cache) are never included.
func CollectWatchPaths(cfg *config.Config) []string {
	projectDir := cfg.Dir()
	paths := []string{
		filepath.Join(projectDir, "main.go"),
		filepath.Join(projectDir, "cmd"),
		filepath.Join(projectDir, "internal"),
		filepath.Join(projectDir, "pkg"),
	}
	for _, dir := range cfg.WatchDirs() {
		paths = append(paths, cfg.Resolve(dir))
	}

	unique := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		clean := filepath.Clean(path)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		unique = append(unique, clean)
	}

	return unique
}

// CollectIgnore returns the watcher ignore patterns for the project.
func CollectIgnore(cfg *config.Config) []string {
	ignore := append([]string(nil), DefaultIgnore...)
	for _, p := range []string{cfg.Paths.Public, cfg.Paths.Dist, cfg.Paths.Cache} {
		if p != "" {
			ignore = append(ignore, filepath.ToSlash(filepath.Clean(p)))
		}
	}
	return append(ignore, cfg.Dev.Ignore...)
}
