package rpc

import (
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kreteshq/huncwot/internal/errors"
)

type interfaceDecl struct {
	name    string
	methods map[string]Method
}

type parsedFile struct {
	pkg        string
	interfaces []interfaceDecl
	imports    []*ast.ImportSpec
	refs       map[string]bool
}

// Parse extracts every interface declared in src with its decomposed
// methods. filename is used for error locations only.
func Parse(filename string, src []byte) (map[string]map[string]Method, error) {
	pf, err := parseSource(filename, src)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]Method, len(pf.interfaces))
	for _, iface := range pf.interfaces {
		out[iface.name] = iface.methods
	}
	return out, nil
}

// ParseFile reads and parses the file at path.
func ParseFile(path string) (map[string]map[string]Method, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeMalformedInterface).WithLocation(path, 0, 0).Wrap(err)
	}
	return Parse(path, src)
}

// Describe parses src and describes its service: the first interface whose
// name ends in "Service", else the first interface. FooService yields the
// service name Foo.
func Describe(filename string, src []byte) (Service, error) {
	pf, err := parseSource(filename, src)
	if err != nil {
		return Service{}, err
	}

	chosen := pf.interfaces[0]
	for _, iface := range pf.interfaces {
		if strings.HasSuffix(iface.name, "Service") {
			chosen = iface
			break
		}
	}

	name := strings.TrimSuffix(chosen.name, "Service")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(filepath.Dir(filename)), "Service")
	}
	if name == "" || name == "." {
		return Service{}, errors.New(errors.CodeMalformedInterface).
			WithLocation(filename, 0, 0).
			WithDetailf("Cannot derive a service name from interface %s", chosen.name).
			WithSuggestion("Name the interface after the service, e.g. FooService")
	}

	return Service{
		Name:      name,
		Interface: chosen.name,
		Package:   pf.pkg,
		Dir:       filepath.Dir(filename),
		File:      filename,
		Imports:   referencedImports(pf.imports, pf.refs),
		Methods:   chosen.methods,
	}, nil
}

// DescribeFile reads and describes the file at path.
func DescribeFile(path string) (Service, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Service{}, errors.New(errors.CodeMalformedInterface).WithLocation(path, 0, 0).Wrap(err)
	}
	return Describe(path, src)
}

func parseSource(filename string, src []byte) (*parsedFile, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		e := errors.New(errors.CodeMalformedInterface).Wrap(err)
		if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
			e.WithLocation(filename, list[0].Pos.Line, list[0].Pos.Column).WithDetail(list[0].Msg)
		} else {
			e.WithLocation(filename, 0, 0)
		}
		return nil, e
	}

	ctxName := contextImportName(f.Imports)
	pf := &parsedFile{
		pkg:     f.Name.Name,
		imports: f.Imports,
		refs:    make(map[string]bool),
	}

	for _, decl := range f.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.TYPE {
			continue
		}
		for _, spec := range gen.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			it, ok := ts.Type.(*ast.InterfaceType)
			if !ok {
				continue
			}
			if ts.TypeParams != nil && len(ts.TypeParams.List) > 0 {
				return nil, malformedAt(fset, filename, ts.Pos(),
					"Generic interface %s cannot be exposed as a service", ts.Name.Name)
			}
			iface := interfaceDecl{name: ts.Name.Name, methods: make(map[string]Method)}
			for _, field := range it.Methods.List {
				if len(field.Names) == 0 {
					return nil, malformedAt(fset, filename, field.Pos(),
						"Interface %s embeds %s; list its methods explicitly", ts.Name.Name, types.ExprString(field.Type))
				}
				ft, ok := field.Type.(*ast.FuncType)
				if !ok {
					continue
				}
				for _, ident := range field.Names {
					m, err := decompose(fset, filename, ctxName, ident.Name, ft)
					if err != nil {
						return nil, err
					}
					iface.methods[ident.Name] = m
				}
				collectRefs(ft, pf.refs)
			}
			pf.interfaces = append(pf.interfaces, iface)
		}
	}

	if len(pf.interfaces) == 0 {
		return nil, errors.New(errors.CodeMalformedInterface).
			WithLocation(filename, 0, 0).
			WithDetail("No interface declaration found").
			WithSuggestion("Declare the service as: type FooService interface { ... }")
	}
	return pf, nil
}

func malformedAt(fset *token.FileSet, filename string, pos token.Pos, format string, args ...any) *errors.Error {
	p := fset.Position(pos)
	return errors.New(errors.CodeMalformedInterface).
		WithLocation(filename, p.Line, p.Column).
		WithDetailf(format, args...).
		WithSuggestion("Methods take an optional context.Context and at most one input, and return (T, error), T, error or nothing")
}

func flatten(fl *ast.FieldList) []ast.Expr {
	if fl == nil {
		return nil
	}
	var out []ast.Expr
	for _, f := range fl.List {
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, f.Type)
		}
	}
	return out
}

func decompose(fset *token.FileSet, filename, ctxName, name string, ft *ast.FuncType) (Method, error) {
	m := Method{Name: name}

	params := flatten(ft.Params)
	if len(params) > 0 && isContext(params[0], ctxName) {
		m.Context = true
		params = params[1:]
	}
	switch len(params) {
	case 0:
	case 1:
		if _, variadic := params[0].(*ast.Ellipsis); variadic {
			return m, malformedAt(fset, filename, ft.Pos(), "Method %s has a variadic input", name)
		}
		if isContext(params[0], ctxName) {
			return m, malformedAt(fset, filename, ft.Pos(), "Method %s takes context.Context twice", name)
		}
		m.Input = shapeOf(params[0])
	default:
		return m, malformedAt(fset, filename, ft.Pos(),
			"Method %s takes %d inputs; wrap them in one struct", name, len(params))
	}

	results := flatten(ft.Results)
	switch len(results) {
	case 0:
	case 1:
		if isError(results[0]) {
			m.ReturnsError = true
		} else {
			m.Output = shapeOf(results[0])
		}
	case 2:
		if !isError(results[1]) || isError(results[0]) {
			return m, malformedAt(fset, filename, ft.Pos(),
				"Method %s must return (T, error) when it returns two values", name)
		}
		m.Output = shapeOf(results[0])
		m.ReturnsError = true
	default:
		return m, malformedAt(fset, filename, ft.Pos(),
			"Method %s returns %d values; return one result and an error", name, len(results))
	}
	return m, nil
}

func shapeOf(expr ast.Expr) TypeShape {
	s := TypeShape{Expr: types.ExprString(expr)}
	switch t := expr.(type) {
	case *ast.StarExpr:
		s.Pointer = true
	case *ast.ArrayType:
		s.Slice = t.Len == nil
	}
	return s
}

func isContext(expr ast.Expr, ctxName string) bool {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Context" {
		return false
	}
	x, ok := sel.X.(*ast.Ident)
	return ok && x.Name == ctxName
}

func isError(expr ast.Expr) bool {
	id, ok := expr.(*ast.Ident)
	return ok && id.Name == "error"
}

func contextImportName(imports []*ast.ImportSpec) string {
	for _, spec := range imports {
		p, _ := strconv.Unquote(spec.Path.Value)
		if p != "context" {
			continue
		}
		if spec.Name != nil {
			return spec.Name.Name
		}
		return "context"
	}
	return "context"
}

// collectRefs records package qualifiers used in a signature.
func collectRefs(ft *ast.FuncType, refs map[string]bool) {
	ast.Inspect(ft, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if x, ok := sel.X.(*ast.Ident); ok {
				refs[x.Name] = true
			}
		}
		return true
	})
}

// referencedImports keeps the imports whose package name appears in refs.
func referencedImports(specs []*ast.ImportSpec, refs map[string]bool) []Import {
	var out []Import
	for _, spec := range specs {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		imp := Import{Path: p}
		name := defaultImportName(p)
		if spec.Name != nil {
			if spec.Name.Name == "_" || spec.Name.Name == "." {
				continue
			}
			imp.Name = spec.Name.Name
			name = spec.Name.Name
		}
		if refs[name] {
			out = append(out, imp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// defaultImportName guesses a package name from its import path, skipping
// major version suffixes (example.com/mod/v2, gopkg.in/yaml.v3).
func defaultImportName(importPath string) string {
	base := path.Base(importPath)
	if len(base) > 1 && base[0] == 'v' && isDigits(base[1:]) {
		base = path.Base(path.Dir(importPath))
	}
	if i := strings.Index(base, ".v"); i > 0 && isDigits(base[i+2:]) {
		base = base[:i]
	}
	base = strings.TrimPrefix(base, "go-")
	return strings.ReplaceAll(base, "-", "_")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
