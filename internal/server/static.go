package server

import (
	"bytes"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// staticHandler serves the public directory. HTML responses get the
// live-reload script injected before </body> when scriptURL is set. Paths
// with no file behind them go to fallback when one is set.
type staticHandler struct {
	dir       string
	scriptURL string
	files     http.Handler
	fallback  http.Handler
}

func newStaticHandler(dir, scriptURL string, fallback http.Handler) http.Handler {
	return &staticHandler{
		dir:       dir,
		scriptURL: scriptURL,
		files:     http.FileServer(http.Dir(dir)),
		fallback:  fallback,
	}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel, ok := staticRelPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if h.dir == "" || (h.fallback != nil && !h.exists(rel)) {
		if h.fallback != nil {
			h.fallback.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	if h.scriptURL != "" {
		if file, ok := h.htmlFile(rel); ok {
			h.serveInjected(w, r, file)
			return
		}
	}
	h.files.ServeHTTP(w, r)
}

// staticRelPath returns a cleaned path relative to the public directory,
// rejecting traversal and NUL bytes.
func staticRelPath(urlPath string) (string, bool) {
	if strings.IndexByte(urlPath, 0) != -1 || strings.Contains(urlPath, "\\") {
		return "", false
	}
	for _, seg := range strings.Split(urlPath, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := path.Clean("/" + urlPath)
	return strings.TrimPrefix(clean, "/"), true
}

// exists reports whether rel names a file, or a directory with an index.
func (h *staticHandler) exists(rel string) bool {
	full := filepath.Join(h.dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	if info.IsDir() {
		_, err = os.Stat(filepath.Join(full, "index.html"))
		return err == nil
	}
	return true
}

func (h *staticHandler) htmlFile(rel string) (string, bool) {
	full := filepath.Join(h.dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		full = filepath.Join(full, "index.html")
		if _, err := os.Stat(full); err != nil {
			return "", false
		}
	}
	ext := strings.ToLower(filepath.Ext(full))
	if ext != ".html" && ext != ".htm" {
		return "", false
	}
	return full, true
}

func (h *staticHandler) serveInjected(w http.ResponseWriter, r *http.Request, file string) {
	data, err := os.ReadFile(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	data = InjectScript(data, h.scriptURL)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, filepath.Base(file), time.Time{}, bytes.NewReader(data))
}

// InjectScript inserts a script tag referencing src before the closing body
// tag, or appends it when the document has none.
func InjectScript(html []byte, src string) []byte {
	tag := []byte(`<script src="` + src + `"></script>`)
	idx := bytes.LastIndex(bytes.ToLower(html), []byte("</body>"))
	if idx == -1 {
		return append(append([]byte{}, html...), tag...)
	}
	out := make([]byte, 0, len(html)+len(tag))
	out = append(out, html[:idx]...)
	out = append(out, tag...)
	out = append(out, html[idx:]...)
	return out
}
