package server

import (
	"context"
	"net/http"
	"sort"
)

// RouteBinding maps one method and path to a handler.
type RouteBinding struct {
	Method  string
	Path    string
	Handler http.Handler

	// Service names the RPC service that produced the binding, if any.
	Service string

	// Summary is a one-line description shown by /__rest.
	Summary string
}

// RouteInfo describes a mounted route.
type RouteInfo struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Service string `json:"service,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// RouteProvider contributes routes when an instance is built. Providers are
// asked again on every start, so they may return fresh handlers.
type RouteProvider interface {
	Name() string
	Routes(ctx context.Context) ([]RouteBinding, error)
}

// StaticRoutes is a RouteProvider over a fixed binding list.
type StaticRoutes struct {
	ProviderName string
	Bindings     []RouteBinding
}

// Name implements RouteProvider.
func (s StaticRoutes) Name() string { return s.ProviderName }

// Routes implements RouteProvider.
func (s StaticRoutes) Routes(context.Context) ([]RouteBinding, error) {
	return s.Bindings, nil
}

// RouteProviderFunc adapts a function to RouteProvider.
type RouteProviderFunc struct {
	ProviderName string
	Func         func(ctx context.Context) ([]RouteBinding, error)
}

// Name implements RouteProvider.
func (f RouteProviderFunc) Name() string { return f.ProviderName }

// Routes implements RouteProvider.
func (f RouteProviderFunc) Routes(ctx context.Context) ([]RouteBinding, error) {
	return f.Func(ctx)
}

func sortRoutes(routes []RouteInfo) {
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
}

func routeKey(method, path string) string {
	return method + " " + path
}
