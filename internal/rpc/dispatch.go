package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/kreteshq/huncwot/internal/metrics"
	"github.com/kreteshq/huncwot/internal/server"
)

// DispatchPattern is the chi pattern served by a Dispatcher.
const DispatchPattern = RoutePrefix + "/{service}/{method}"

// Dispatcher serves every registered service from the application process.
// The Go method is found by reflection on the live instance, so the
// dispatcher needs no descriptor: whatever the binary was compiled with is
// what it serves.
type Dispatcher struct {
	modules *Modules
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over modules.
func NewDispatcher(modules *Modules, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		modules: modules,
		metrics: m,
		logger:  logger.With("component", "rpc"),
	}
}

// Name implements server.RouteProvider.
func (d *Dispatcher) Name() string { return "rpc" }

// Routes implements server.RouteProvider.
func (d *Dispatcher) Routes(context.Context) ([]server.RouteBinding, error) {
	return []server.RouteBinding{{
		Method:  http.MethodPost,
		Path:    DispatchPattern,
		Handler: d,
		Summary: "service dispatch",
	}}, nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	route := chi.URLParam(r, "method")
	method := Method{Name: d.methodName(service, route)}
	newMethodHandler(d.modules, d.metrics, d.logger, service, method).ServeHTTP(w, r)
}

// methodName maps a route segment back to the exported Go method name.
func (d *Dispatcher) methodName(service, route string) string {
	if inst, err := d.modules.Instance(service); err == nil {
		t := reflect.TypeOf(inst)
		for i := 0; i < t.NumMethod(); i++ {
			if name := t.Method(i).Name; lowerFirst(name) == route {
				return name
			}
		}
	}
	r, size := utf8.DecodeRuneInString(route)
	if r == utf8.RuneError {
		return route
	}
	return string(unicode.ToUpper(r)) + route[size:]
}
