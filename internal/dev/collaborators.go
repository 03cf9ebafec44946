package dev

import (
	"context"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"github.com/kreteshq/huncwot/internal/errors"
)

// StyleCompiler rebuilds the stylesheet bundle.
type StyleCompiler interface {
	Compile(ctx context.Context) error
}

// ComponentHandler reacts to a changed component template.
type ComponentHandler interface {
	HandleComponent(ctx context.Context, path string) error
}

// DataHandler applies a changed SQL script.
type DataHandler interface {
	HandleData(ctx context.Context, path string) error
}

// TemplateValidator is the default ComponentHandler. It parses the changed
// template so syntax errors surface as soon as the file is saved.
type TemplateValidator struct{}

// HandleComponent parses the template at path.
func (TemplateValidator) HandleComponent(ctx context.Context, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".gohtml", ".tmpl":
	default:
		// Other component formats are compiled by the application.
		return nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return errors.Newf(errors.CategoryCompile, "reading component %s", filepath.Base(path)).Wrap(err)
	}
	if _, err := template.New(filepath.Base(path)).Parse(string(src)); err != nil {
		return errors.New(errors.CodeCompilerDiagnostic).
			WithDetailf("Template %s does not parse", filepath.Base(path)).
			WithLocation(path, 0, 0).
			Wrap(err)
	}
	return nil
}
