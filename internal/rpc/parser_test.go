package rpc

import (
	"reflect"
	"strings"
	"testing"

	"github.com/kreteshq/huncwot/internal/errors"
)

const fooService = `package fooservice

import (
	"context"
	"time"

	ext "example.com/shared/types"
)

type BarInput struct {
	Name string
}

type BarOutput struct {
	Greeting string
}

type FooService interface {
	Bar(ctx context.Context, in BarInput) (BarOutput, error)
	Ping() error
	List(ctx context.Context) ([]BarOutput, error)
	Since(t time.Time) *ext.Window
	Touch(ctx context.Context, id int)
}
`

func TestParse(t *testing.T) {
	got, err := Parse("features/FooService/service.go", []byte(fooService))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	methods, ok := got["FooService"]
	if !ok {
		t.Fatalf("FooService missing from %v", got)
	}

	want := map[string]Method{
		"Bar": {
			Name:         "Bar",
			Context:      true,
			Input:        TypeShape{Expr: "BarInput"},
			Output:       TypeShape{Expr: "BarOutput"},
			ReturnsError: true,
		},
		"Ping": {Name: "Ping", ReturnsError: true},
		"List": {
			Name:         "List",
			Context:      true,
			Output:       TypeShape{Expr: "[]BarOutput", Slice: true},
			ReturnsError: true,
		},
		"Since": {
			Name:   "Since",
			Input:  TypeShape{Expr: "time.Time"},
			Output: TypeShape{Expr: "*ext.Window", Pointer: true},
		},
		"Touch": {Name: "Touch", Context: true, Input: TypeShape{Expr: "int"}},
	}
	if !reflect.DeepEqual(methods, want) {
		t.Errorf("methods =\n%+v\nwant\n%+v", methods, want)
	}
}

func TestParseAliasedContext(t *testing.T) {
	src := `package x

import stdctx "context"

type AService interface {
	Do(c stdctx.Context, n int) (int, error)
}
`
	got, err := Parse("x.go", []byte(src))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	m := got["AService"]["Do"]
	if !m.Context || m.Input.Expr != "int" || m.Output.Expr != "int" || !m.ReturnsError {
		t.Errorf("Do = %+v", m)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		detail string
	}{
		{
			name: "unterminated",
			src:  "package x\n\ntype FooService interface {\n\tBar() error\n",
		},
		{
			name:   "no interface",
			src:    "package x\n\ntype Foo struct{}\n",
			detail: "No interface",
		},
		{
			name:   "embedded",
			src:    "package x\n\nimport \"io\"\n\ntype FooService interface {\n\tio.Reader\n}\n",
			detail: "embeds io.Reader",
		},
		{
			name:   "generic",
			src:    "package x\n\ntype FooService[T any] interface {\n\tGet() T\n}\n",
			detail: "Generic interface",
		},
		{
			name:   "two inputs",
			src:    "package x\n\ntype FooService interface {\n\tBar(a, b int) error\n}\n",
			detail: "takes 2 inputs",
		},
		{
			name:   "variadic",
			src:    "package x\n\ntype FooService interface {\n\tBar(a ...int) error\n}\n",
			detail: "variadic",
		},
		{
			name:   "error first",
			src:    "package x\n\ntype FooService interface {\n\tBar() (error, int)\n}\n",
			detail: "must return (T, error)",
		},
		{
			name:   "three results",
			src:    "package x\n\ntype FooService interface {\n\tBar() (int, int, error)\n}\n",
			detail: "returns 3 values",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("service.go", []byte(tt.src))
			if !errors.HasCode(err, errors.CodeMalformedInterface) {
				t.Fatalf("expected %s, got %v", errors.CodeMalformedInterface, err)
			}
			e := errors.FromError(err, errors.CodeMalformedInterface)
			if e.Location == nil || e.Location.File != "service.go" {
				t.Errorf("Location = %v, want file service.go", e.Location)
			}
			if tt.detail != "" && !strings.Contains(e.Detail, tt.detail) {
				t.Errorf("Detail = %q, want it to contain %q", e.Detail, tt.detail)
			}
		})
	}
}

func TestParseMalformedHasLine(t *testing.T) {
	src := "package x\n\ntype FooService interface {\n\tBar(a, b int) error\n}\n"
	_, err := Parse("service.go", []byte(src))
	e := errors.FromError(err, errors.CodeMalformedInterface)
	if e.Location == nil || e.Location.Line != 4 {
		t.Errorf("Location = %v, want line 4", e.Location)
	}
}

func TestDescribe(t *testing.T) {
	svc, err := Describe("features/FooService/service.go", []byte(fooService))
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if svc.Name != "Foo" || svc.Interface != "FooService" || svc.Package != "fooservice" {
		t.Errorf("Describe() = %s/%s/%s", svc.Name, svc.Interface, svc.Package)
	}
	if svc.Dir != "features/FooService" {
		t.Errorf("Dir = %q", svc.Dir)
	}
	if got, want := svc.MethodNames(), []string{"Bar", "List", "Ping", "Since", "Touch"}; !reflect.DeepEqual(got, want) {
		t.Errorf("MethodNames() = %v, want %v", got, want)
	}

	want := []Import{
		{Path: "context"},
		{Name: "ext", Path: "example.com/shared/types"},
		{Path: "time"},
	}
	if !reflect.DeepEqual(svc.Imports, want) {
		t.Errorf("Imports = %+v, want %+v", svc.Imports, want)
	}
}

func TestDescribePrefersServiceInterface(t *testing.T) {
	src := `package x

type helper interface {
	Help() error
}

type UsersService interface {
	Count() (int, error)
}
`
	svc, err := Describe("features/UsersService/users.go", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if svc.Name != "Users" || svc.Interface != "UsersService" {
		t.Errorf("Describe() chose %s (%s)", svc.Interface, svc.Name)
	}
}

func TestDescribeNameFromDirectory(t *testing.T) {
	src := "package x\n\ntype Service interface {\n\tPing() error\n}\n"
	svc, err := Describe("features/BillingService/service.go", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if svc.Name != "Billing" {
		t.Errorf("Name = %q, want Billing", svc.Name)
	}
}

func TestDefaultImportName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"time", "time"},
		{"net/http", "http"},
		{"github.com/go-chi/chi/v5", "chi"},
		{"gopkg.in/yaml.v3", "yaml"},
		{"github.com/mattn/go-sqlite3", "sqlite3"},
		{"example.com/some-pkg", "some_pkg"},
	}
	for _, tt := range tests {
		if got := defaultImportName(tt.path); got != tt.want {
			t.Errorf("defaultImportName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestRoutePath(t *testing.T) {
	if got := RoutePath("Foo", "Bar"); got != "/rpc/Foo/bar" {
		t.Errorf("RoutePath() = %q", got)
	}
	if got := (Method{Name: "GetURL"}).Route(); got != "getURL" {
		t.Errorf("Route() = %q", got)
	}
}
