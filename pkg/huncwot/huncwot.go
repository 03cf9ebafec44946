// Package huncwot is the entry point for huncwot applications.
//
// An application registers a factory per service and hands control to
// Main from its main function:
//
//	func main() {
//	    huncwot.RegisterService("Greeter", func() (any, error) {
//	        return &greeter{}, nil
//	    })
//	    huncwot.Handle(http.MethodGet, "/", homeHandler)
//	    huncwot.Main()
//	}
//
// The service name matches the interface name without its "Service"
// suffix, so GreeterService methods are served under /rpc/Greeter/.
package huncwot

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/kreteshq/huncwot/internal/cli"
	"github.com/kreteshq/huncwot/internal/rpc"
	"github.com/kreteshq/huncwot/internal/server"
)

// Factory creates a service implementation. It is called again after the
// service's package is rebuilt.
type Factory = rpc.Factory

// Application collects services and routes.
type Application struct {
	modules *rpc.Modules

	mu     sync.Mutex
	routes []server.RouteBinding
}

// New creates an empty application.
func New() *Application {
	return &Application{modules: rpc.NewModules()}
}

// RegisterService binds name to factory, replacing any previous factory.
func (a *Application) RegisterService(name string, factory Factory) {
	a.modules.Register(name, factory)
}

// Handle mounts h for method and path on every server instance.
func (a *Application) Handle(method, path string, h http.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes = append(a.routes, server.RouteBinding{Method: method, Path: path, Handler: h})
}

// HandleFunc mounts f for method and path.
func (a *Application) HandleFunc(method, path string, f http.HandlerFunc) {
	a.Handle(method, path, f)
}

// Services returns the registered service names, sorted.
func (a *Application) Services() []string {
	return a.modules.Names()
}

func (a *Application) provider() server.RouteProvider {
	return server.RouteProviderFunc{
		ProviderName: "app",
		Func: func(context.Context) ([]server.RouteBinding, error) {
			a.mu.Lock()
			defer a.mu.Unlock()
			return append([]server.RouteBinding(nil), a.routes...), nil
		},
	}
}

// Run executes the command line with args and returns the exit code.
func (a *Application) Run(ctx context.Context, args []string) int {
	return cli.Execute(ctx, &cli.App{
		Modules:   a.modules,
		Providers: []server.RouteProvider{a.provider()},
	}, args)
}

// Main runs the command line with the process arguments and exits.
func (a *Application) Main() {
	os.Exit(a.Run(context.Background(), os.Args[1:]))
}

var defaultApp = New()

// RegisterService registers a service on the default application.
func RegisterService(name string, factory Factory) {
	defaultApp.RegisterService(name, factory)
}

// Handle mounts a route on the default application.
func Handle(method, path string, h http.Handler) {
	defaultApp.Handle(method, path, h)
}

// HandleFunc mounts a route on the default application.
func HandleFunc(method, path string, f http.HandlerFunc) {
	defaultApp.HandleFunc(method, path, f)
}

// Main runs the default application.
func Main() {
	defaultApp.Main()
}
