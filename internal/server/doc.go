// Package server owns the restartable development HTTP server.
//
// A Manager holds at most one active Instance. Each start builds a new chi
// router from scratch: diagnostic routes (/__health, /__rest, /__rest.json,
// /__metrics), the live-reload endpoint, application route providers, the
// optional SQLite database (/__db), RPC service bindings and finally the
// public directory. Route tables are never patched on a live instance;
// SetServiceRoutes stages a change that the next Start or Restart applies.
//
// Restart is a forced operation. Every socket the old instance accepted is
// closed, its listener is closed, and only after its serve loop returned does
// the replacement bind. Connections upgraded to websockets are no longer
// tracked by the instance and survive the restart. Stop is the graceful
// counterpart used at shutdown.
//
//	m := server.NewManager(server.ManagerOptions{})
//	inst, err := m.Start(ctx, server.Options{Host: "localhost", Port: 5544})
//	...
//	inst, err = m.Restart(ctx, inst, opts)
//	...
//	err = m.Stop(ctx, inst)
package server
