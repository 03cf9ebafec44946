package errors

// Registered error codes.
const (
	CodeBind                  = "H100"
	CodeSetup                 = "H101"
	CodeServerState           = "H102"
	CodeAppProcess            = "H103"
	CodeMalformedInterface    = "H110"
	CodeGeneration            = "H111"
	CodeCompilerDiagnostic    = "H120"
	CodeToolchainMissing      = "H121"
	CodeBuildFailed           = "H122"
	CodeTransportWriteFailure = "H130"
	CodeConfig                = "H140"
	CodeStyleTransform        = "H141"
	CodeDatabase              = "H142"
	CodeReactionPanic         = "H150"
)

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Server Lifecycle (H100-H109)
	// ============================================

	CodeBind: {
		Category: CategoryServer,
		Message:  "Cannot bind server port",
		Detail:   "The listener could not be opened. Another process is probably using the port.",
	},
	CodeSetup: {
		Category: CategoryServer,
		Message:  "Server started with missing routes",
		Detail:   "One or more route providers failed while the server was being built. The remaining routes are being served.",
	},
	CodeServerState: {
		Category: CategoryServer,
		Message:  "Illegal server state transition",
	},
	CodeAppProcess: {
		Category: CategoryServer,
		Message:  "Application process failed",
		Detail:   "The built application did not start serving. Requests to its routes fail until the next successful build.",
	},

	// ============================================
	// RPC Generation (H110-H119)
	// ============================================

	CodeMalformedInterface: {
		Category: CategoryRPC,
		Message:  "Malformed service interface",
		Detail:   "The service file could not be turned into RPC routes. The previously generated routes stay registered until the file is fixed.",
	},
	CodeGeneration: {
		Category: CategoryRPC,
		Message:  "Caller generation failed",
	},

	// ============================================
	// Compiler (H120-H129)
	// ============================================

	CodeCompilerDiagnostic: {
		Category: CategoryCompile,
		Message:  "Compiler diagnostic",
	},
	CodeToolchainMissing: {
		Category: CategoryCompile,
		Message:  "Go toolchain not found",
		Detail:   "The go command must be on PATH to compile and watch the project.",
	},
	CodeBuildFailed: {
		Category: CategoryCompile,
		Message:  "Build failed",
	},

	// ============================================
	// Live Reload (H130-H139)
	// ============================================

	CodeTransportWriteFailure: {
		Category: CategoryReload,
		Message:  "Failed to deliver reload message",
	},

	// ============================================
	// Configuration and collaborators (H140-H149)
	// ============================================

	CodeConfig: {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
	},
	CodeStyleTransform: {
		Category: CategoryStyle,
		Message:  "Stylesheet compilation failed",
	},
	CodeDatabase: {
		Category: CategoryData,
		Message:  "Database unavailable",
	},

	// ============================================
	// Orchestration (H150-H159)
	// ============================================

	CodeReactionPanic: {
		Category: CategoryRuntime,
		Message:  "Reaction panicked",
		Detail:   "A change reaction panicked. The session keeps running and the next change is processed normally.",
	},
}

// Lookup returns the template registered for code.
func Lookup(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
