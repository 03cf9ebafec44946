// Package errors provides structured, actionable errors for huncwot.
//
// Every failure the development loop reports carries a code from the
// registry (H100-H159), a category naming the subsystem, and optionally a
// source location with surrounding lines and a fix suggestion.
//
// # Error Codes
//
//   - H100-H109: server lifecycle (bind, partial setup, illegal transitions)
//   - H110-H119: RPC generation (malformed service interfaces)
//   - H120-H129: compiler diagnostics and build failures
//   - H130-H139: live-reload transport
//   - H140-H149: configuration, stylesheet and database collaborators
//   - H150-H159: orchestration
//
// # Usage
//
//	err := errors.New(errors.CodeMalformedInterface).
//	    WithLocation("features/FooService/service.go", 7, 2).
//	    WithSuggestion("Methods take an optional context.Context and at most one input")
//
//	errors.PrintError(os.Stderr, err)
//
// Codes survive wrapping, so callers test for them with HasCode:
//
//	if errors.HasCode(err, errors.CodeBind) { ... }
package errors
