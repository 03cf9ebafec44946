// Package dev runs the development loop of a huncwot project.
//
// A Session wires the pieces together:
//
//   - Compiler: watches the project, rebuilds the main package into
//     .huncwot/cache/bin on Go changes and emits WatchEvents (ready,
//     changed, subsequent-build, build-failed)
//   - AppProcess: runs the last good binary with its hidden serve command
//     and reverse-proxies service calls and unmatched requests to it
//   - Orchestrator: classifies each changed file and performs its reaction
//     (style compile, component check, SQL script, service regeneration,
//     application restart, server restart, browser reload)
//   - ReloadHub: the process-scoped set of live-reload websocket clients,
//     which survives server restarts
//   - ErrorRecovery: rewrites stale generated callers when a build fails
//     inside one
//
// Events are handled one at a time, in arrival order. A failing reaction is
// logged, shown on the console and counted; it never ends the session.
//
// # Usage
//
//	cfg, err := config.Load(dir, flags)
//	if err != nil {
//	    return err
//	}
//	session := dev.NewSession(dev.SessionOptions{
//	    Config:  cfg,
//	    Version: version,
//	    Modules: modules,
//	})
//	return session.Run(ctx)
//
// # Reload protocol
//
// Browsers connect to /__reload via WebSocket. Messages are JSON-encoded:
//
//	{"type": "connected"}             // sent once per connection
//	{"type": "reload"}                // full page reload
//	{"type": "css", "file": "..."}    // stylesheet refresh
//	{"type": "error", "error": "..."} // shows the error overlay
//	{"type": "clear"}                 // clears the error overlay
package dev
