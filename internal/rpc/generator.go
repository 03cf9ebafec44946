package rpc

import (
	"bytes"
	"fmt"
	"go/format"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"text/template"

	"github.com/kreteshq/huncwot/internal/errors"
	"github.com/kreteshq/huncwot/internal/metrics"
	"github.com/kreteshq/huncwot/internal/server"
)

// generatedHeader marks files owned by the generator.
const generatedHeader = "// Code generated by huncwot. DO NOT EDIT."

// Output is everything generated for one service.
type Output struct {
	Bindings      []server.RouteBinding
	CallerSource  []byte
	BrowserSource []byte
}

// Generator turns service descriptors into route bindings and caller
// sources. Handlers resolve service instances from modules per request,
// or hand the request to a backend set with Forward.
type Generator struct {
	modules *Modules
	backend http.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGenerator creates a generator backed by modules.
func NewGenerator(modules *Modules, m *metrics.Metrics, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		modules: modules,
		metrics: m,
		logger:  logger.With("component", "rpc"),
	}
}

// Forward makes generated bindings pass requests to backend, typically a
// proxy to the application process, instead of calling modules in process.
func (g *Generator) Forward(backend http.Handler) {
	g.backend = backend
}

// Generate produces bindings and sources for svc. Methods are emitted in
// sorted order, so identical descriptors give byte-identical output.
func (g *Generator) Generate(svc Service) (Output, error) {
	caller, err := CallerSource(svc)
	if err != nil {
		return Output{}, err
	}

	names := svc.MethodNames()
	bindings := make([]server.RouteBinding, 0, len(names))
	for _, name := range names {
		m := svc.Methods[name]
		var h http.Handler
		if g.backend != nil {
			h = &forwardHandler{backend: g.backend, metrics: g.metrics, service: svc.Name, route: m.Route()}
		} else {
			h = newMethodHandler(g.modules, g.metrics, g.logger, svc.Name, m)
		}
		bindings = append(bindings, server.RouteBinding{
			Method:  http.MethodPost,
			Path:    RoutePath(svc.Name, name),
			Handler: h,
			Service: svc.Name,
			Summary: Signature(m),
		})
	}

	return Output{
		Bindings:      bindings,
		CallerSource:  caller,
		BrowserSource: BrowserSource(svc),
	}, nil
}

// Signature renders a method as it appears in the interface.
func Signature(m Method) string {
	var params []string
	if m.Context {
		params = append(params, "ctx context.Context")
	}
	if !m.Input.IsZero() {
		params = append(params, "in "+m.Input.Expr)
	}

	var results []string
	if !m.Output.IsZero() {
		results = append(results, m.Output.Expr)
	}
	if m.ReturnsError {
		results = append(results, "error")
	}

	sig := m.Name + "(" + strings.Join(params, ", ") + ")"
	switch len(results) {
	case 0:
	case 1:
		sig += " " + results[0]
	default:
		sig += " (" + strings.Join(results, ", ") + ")"
	}
	return sig
}

type callerMethod struct {
	Name    string
	Route   string
	Params  string
	Results string
	Body    string
}

type callerData struct {
	Header    string
	Package   string
	Name      string
	Interface string
	Imports   []string
	Methods   []callerMethod
}

var callerTemplate = template.Must(template.New("caller").Parse(`{{.Header}}

package {{.Package}}

import (
{{range .Imports}}	{{.}}
{{end}})

// {{.Name}}Caller calls {{.Interface}} over HTTP.
type {{.Name}}Caller struct {
	BaseURL string
	Client  *http.Client

	// OnError receives failures of methods that have no error result.
	// When nil they are logged with slog.
	OnError func(method string, err error)
}

var _ {{.Interface}} = (*{{.Name}}Caller)(nil)

func (c *{{.Name}}Caller) call(ctx context.Context, method string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/rpc/{{.Name}}/"+method, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string ` + "`json:\"error\"`" + `
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return fmt.Errorf("{{.Name}}.%s: %s: %s", method, resp.Status, failure.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *{{.Name}}Caller) report(method string, err error) {
	if err == nil {
		return
	}
	if c.OnError != nil {
		c.OnError(method, err)
		return
	}
	slog.Error("call failed", "service", "{{.Name}}", "method", method, "error", err)
}
{{range .Methods}}
func (c *{{$.Name}}Caller) {{.Name}}({{.Params}}){{.Results}} {
{{.Body}}}
{{end}}`))

var callerStdImports = []Import{
	{Path: "bytes"},
	{Path: "context"},
	{Path: "encoding/json"},
	{Path: "fmt"},
	{Path: "log/slog"},
	{Path: "net/http"},
}

// CallerSource renders the gofmt'ed Go caller for svc.
func CallerSource(svc Service) ([]byte, error) {
	data := callerData{
		Header:    generatedHeader,
		Package:   svc.Package,
		Name:      svc.Name,
		Interface: svc.Interface,
	}

	seen := make(map[string]bool)
	for _, imp := range callerStdImports {
		seen[imp.Path] = true
		data.Imports = append(data.Imports, strconv.Quote(imp.Path))
	}
	for _, imp := range svc.Imports {
		// Contexts are always spelled context.Context in the caller.
		if imp.Path == "context" || (seen[imp.Path] && imp.Name == "") {
			continue
		}
		spec := strconv.Quote(imp.Path)
		if imp.Name != "" {
			spec = imp.Name + " " + spec
		}
		data.Imports = append(data.Imports, spec)
	}

	for _, name := range svc.MethodNames() {
		data.Methods = append(data.Methods, callerMethodFor(svc.Methods[name]))
	}

	var buf bytes.Buffer
	if err := callerTemplate.Execute(&buf, data); err != nil {
		return nil, errors.New(errors.CodeGeneration).Wrap(err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, errors.New(errors.CodeGeneration).
			WithDetailf("Generated caller for %s does not format", svc.Interface).
			Wrap(err)
	}
	return src, nil
}

func callerMethodFor(m Method) callerMethod {
	cm := callerMethod{Name: m.Name, Route: m.Route()}

	var params []string
	ctxExpr := "context.Background()"
	if m.Context {
		params = append(params, "ctx context.Context")
		ctxExpr = "ctx"
	}
	inExpr := "nil"
	if !m.Input.IsZero() {
		params = append(params, "in "+m.Input.Expr)
		inExpr = "in"
	}
	cm.Params = strings.Join(params, ", ")

	var b strings.Builder
	call := fmt.Sprintf("c.call(%s, %q, %s, ", ctxExpr, m.Route(), inExpr)
	switch {
	case !m.Output.IsZero() && m.ReturnsError:
		cm.Results = " (" + m.Output.Expr + ", error)"
		fmt.Fprintf(&b, "\tvar out %s\n", m.Output.Expr)
		fmt.Fprintf(&b, "\terr := %s&out)\n", call)
		b.WriteString("\treturn out, err\n")
	case !m.Output.IsZero():
		cm.Results = " " + m.Output.Expr
		fmt.Fprintf(&b, "\tvar out %s\n", m.Output.Expr)
		fmt.Fprintf(&b, "\tc.report(%q, %s&out))\n", m.Route(), call)
		b.WriteString("\treturn out\n")
	case m.ReturnsError:
		cm.Results = " error"
		fmt.Fprintf(&b, "\treturn %snil)\n", call)
	default:
		fmt.Fprintf(&b, "\tc.report(%q, %snil))\n", m.Route(), call)
	}
	cm.Body = b.String()
	return cm
}

var browserTemplate = template.Must(template.New("browser").Parse(`{{.Header}}

const call = async (method, input) => {
  const response = await fetch(` + "`/rpc/{{.Name}}/${method}`" + `, {
    method: 'POST',
    headers: { 'Content-Type': 'application/json' },
    body: input === undefined ? '' : JSON.stringify(input),
  });
  const payload = await response.json();
  if (!response.ok) {
    throw new Error(payload.error || response.statusText);
  }
  return payload;
};
{{range .Methods}}
export const {{.Route}} = (input) => call('{{.Route}}', input);
{{end}}`))

// BrowserSource renders an ES module exporting one async function per method.
func BrowserSource(svc Service) []byte {
	data := callerData{Header: generatedHeader, Name: svc.Name}
	for _, name := range svc.MethodNames() {
		data.Methods = append(data.Methods, callerMethod{Name: name, Route: lowerFirst(name)})
	}
	var buf bytes.Buffer
	// The template only ranges over plain strings.
	_ = browserTemplate.Execute(&buf, data)
	return buf.Bytes()
}
