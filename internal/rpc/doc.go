// Package rpc turns service interfaces into HTTP procedures.
//
// A service is a Go interface named FooService declared in a directory whose
// name contains "Service". Describe parses it into a Service descriptor,
// Generator.Generate produces one POST /rpc/Foo/{method} binding per method
// together with a Go caller (caller_gen.go, written next to the interface)
// and a browser ES module (public/rpc/Foo.js).
//
// Handlers do not capture service implementations. Each request resolves the
// current instance from Modules, so evicting a module after a rebuild makes
// the next call construct a fresh one from its registered factory.
package rpc
