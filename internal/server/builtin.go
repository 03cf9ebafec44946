package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/kreteshq/huncwot/internal/metrics"
)

// maxSuggestionDistance bounds route suggestions for unknown RPC paths.
const maxSuggestionDistance = 3

func builtinRoutes(inst *Instance, m *metrics.Metrics) []RouteBinding {
	return []RouteBinding{
		{Method: http.MethodGet, Path: "/__health", Handler: healthHandler(inst), Summary: "liveness probe"},
		{Method: http.MethodGet, Path: "/__rest.json", Handler: restJSONHandler(inst), Summary: "route table as JSON"},
		{Method: http.MethodGet, Path: "/__rest", Handler: restHTMLHandler(inst), Summary: "route documentation"},
		{Method: http.MethodGet, Path: "/__metrics", Handler: m.Handler(), Summary: "Prometheus metrics"},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthHandler(inst *Instance) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"port":     inst.Port,
			"database": inst.DatabaseEnabled,
		})
	})
}

func restJSONHandler(inst *Instance) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"routes": inst.Routes()})
	})
}

var restTemplate = template.Must(template.New("rest").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Routes</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: .4rem .8rem; border-bottom: 1px solid #ddd; }
code { font-size: .95em; }
.method { font-weight: 600; width: 6rem; }
h2 { margin-top: 2rem; font-size: 1.1rem; }
</style>
</head>
<body>
<h1>Routes</h1>
{{range .}}
<h2>{{.Title}}</h2>
<table>
<tr><th>Method</th><th>Path</th><th>Summary</th></tr>
{{range .Routes}}<tr><td class="method">{{.Method}}</td><td><code>{{.Path}}</code></td><td>{{.Summary}}</td></tr>
{{end}}</table>
{{end}}
</body>
</html>
`))

type routeGroup struct {
	Title  string
	Routes []RouteInfo
}

func groupRoutes(routes []RouteInfo) []routeGroup {
	byService := make(map[string][]RouteInfo)
	for _, r := range routes {
		byService[r.Service] = append(byService[r.Service], r)
	}
	names := make([]string, 0, len(byService))
	for name := range byService {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var groups []routeGroup
	if rs := byService[""]; len(rs) > 0 {
		groups = append(groups, routeGroup{Title: "Application", Routes: rs})
	}
	for _, name := range names {
		groups = append(groups, routeGroup{Title: name + " service", Routes: byService[name]})
	}
	return groups
}

func restHTMLHandler(inst *Instance) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := restTemplate.Execute(w, groupRoutes(inst.Routes())); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func scriptHandler(script string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write([]byte(script))
	})
}

// rpcNotFound answers unknown /rpc paths, suggesting the closest known route.
func rpcNotFound(known []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{
			"error": "no such procedure: " + r.URL.Path,
		}
		if s := closestRoute(r.URL.Path, known); s != "" {
			body["suggestion"] = s
		}
		writeJSON(w, http.StatusNotFound, body)
	})
}

func closestRoute(path string, known []string) string {
	best, bestDist := "", maxSuggestionDistance+1
	for _, k := range known {
		d := levenshtein.ComputeDistance(strings.ToLower(path), strings.ToLower(k))
		if d < bestDist || (d == bestDist && k < best) {
			best, bestDist = k, d
		}
	}
	if bestDist > maxSuggestionDistance {
		return ""
	}
	return best
}
