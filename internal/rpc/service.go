package rpc

import (
	"sort"
	"unicode"
	"unicode/utf8"
)

// RoutePrefix is the path prefix of every generated procedure.
const RoutePrefix = "/rpc"

// TypeShape describes a method input or output. An empty Expr means the
// method has none.
type TypeShape struct {
	// Expr is the Go type expression as written in the interface.
	Expr    string
	Pointer bool
	Slice   bool
}

// IsZero reports whether the shape is absent.
func (t TypeShape) IsZero() bool {
	return t.Expr == ""
}

// Method is one decomposed interface method:
// (ctx context.Context?, input?) (output?, error?).
type Method struct {
	Name         string
	Context      bool
	Input        TypeShape
	Output       TypeShape
	ReturnsError bool
}

// Route returns the method's path segment (Go name with a lower-cased
// first rune).
func (m Method) Route() string {
	return lowerFirst(m.Name)
}

// Import is an import the interface's method signatures depend on.
type Import struct {
	// Name is the explicit import name, or "" when the default is used.
	Name string
	Path string
}

// Service describes one service interface. It is derived from source each
// time the file changes and discarded after generation.
type Service struct {
	// Name is the interface name without its Service suffix.
	Name string

	// Interface is the declared interface name.
	Interface string

	// Package is the Go package name of the interface file.
	Package string

	// Dir is the directory of the interface file.
	Dir string

	// File is the interface file as given to the parser.
	File string

	Imports []Import
	Methods map[string]Method
}

// MethodNames returns method names in sorted order.
func (s Service) MethodNames() []string {
	names := make([]string, 0, len(s.Methods))
	for name := range s.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoutePath returns the POST path for a method of service.
func RoutePath(service, method string) string {
	return RoutePrefix + "/" + service + "/" + lowerFirst(method)
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
