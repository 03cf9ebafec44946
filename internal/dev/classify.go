package dev

import (
	"path"
	"strings"

	"github.com/kreteshq/huncwot/internal/rpc"
)

// ReactionKind is the category of work a changed file triggers.
type ReactionKind int

const (
	// ReactionGeneric needs no dedicated reaction.
	ReactionGeneric ReactionKind = iota

	// ReactionStyle recompiles stylesheets.
	ReactionStyle

	// ReactionData applies a SQL script to the development database.
	ReactionData

	// ReactionComponent hands a template file to the component handler.
	ReactionComponent

	// ReactionService regenerates RPC routes and callers for a service.
	ReactionService
)

// String returns the reaction name.
func (k ReactionKind) String() string {
	switch k {
	case ReactionStyle:
		return "style"
	case ReactionData:
		return "data"
	case ReactionComponent:
		return "component"
	case ReactionService:
		return "service"
	default:
		return "generic"
	}
}

// CallerFileName is the generated caller written next to each service
// interface.
const CallerFileName = rpc.CallerFileName

var (
	styleExts     = map[string]bool{".css": true, ".scss": true, ".sass": true, ".less": true, ".pcss": true}
	dataExts      = map[string]bool{".sql": true}
	componentExts = map[string]bool{".html": true, ".gohtml": true, ".tmpl": true, ".templ": true, ".vue": true}
)

// Classify maps a changed file to its reaction. It is pure and total:
// extension rules win over the Service directory convention, and anything
// unmatched (including "") is generic.
func Classify(relativePath string) ReactionKind {
	p := normalizePath(relativePath)
	ext := strings.ToLower(path.Ext(p))

	switch {
	case styleExts[ext]:
		return ReactionStyle
	case dataExts[ext]:
		return ReactionData
	case componentExts[ext]:
		return ReactionComponent
	case ext == ".go" && IsServicePath(p):
		return ReactionService
	default:
		return ReactionGeneric
	}
}

// IsServicePath reports whether a Go source file lives under a directory
// segment containing "Service". Tests and generated callers are excluded.
func IsServicePath(relativePath string) bool {
	p := normalizePath(relativePath)
	base := path.Base(p)
	if base == CallerFileName || strings.HasSuffix(base, "_test.go") {
		return false
	}
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return false
	}
	for _, seg := range strings.Split(dir, "/") {
		if strings.Contains(seg, "Service") {
			return true
		}
	}
	return false
}

// ModuleDir returns the slash-separated package directory of a Go source
// path, or "" for non-Go paths.
func ModuleDir(relativePath string) string {
	p := normalizePath(relativePath)
	if strings.ToLower(path.Ext(p)) != ".go" {
		return ""
	}
	return path.Dir(p)
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return p
}
