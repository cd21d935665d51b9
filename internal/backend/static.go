package backend

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var contentTypeByExt = map[string]string{
	".css":   "text/css; charset=utf-8",
	".js":    "application/javascript; charset=utf-8",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".svg":   "image/svg+xml",
	".gif":   "image/gif",
	".ico":   "image/x-icon",
	".webp":  "image/webp",
	".webm":  "video/webm",
	".mp4":   "video/mp4",
	".woff2": "font/woff2",
	".woff":  "font/woff",
	".json":  "application/json",
	".xml":   "application/xml",
	".pdf":   "application/pdf",
	".txt":   "text/plain; charset=utf-8",
	".md":    "text/plain; charset=utf-8",
}

// serveStatic implements the design contract of §4.7: resolve the
// requested path under the server's document root, guard against
// traversal, inject assets into HTML, and fall back to the dashboard
// template (or 404) when nothing on disk matches. Grounded on
// original_source::server::handlers::web::server::serve_fallback_or_inject.
func (b *Backend) serveStatic(w http.ResponseWriter, r *http.Request) {
	requested := strings.TrimPrefix(r.URL.Path, "/")
	var candidate string
	if r.URL.Path == "/" {
		candidate = filepath.Join(b.docRoot, "index.html")
	} else {
		candidate = filepath.Join(b.docRoot, requested)
	}

	if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
		candidate = filepath.Join(candidate, "index.html")
	}

	canonicalRoot, err := filepath.EvalSymlinks(b.docRoot)
	if err != nil {
		canonicalRoot = b.docRoot
	}
	canonicalCandidate, err := filepath.EvalSymlinks(candidate)
	if err == nil {
		if !strings.HasPrefix(canonicalCandidate, canonicalRoot) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	} else if !strings.HasPrefix(filepath.Clean(candidate), filepath.Clean(b.docRoot)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
		ext := strings.ToLower(filepath.Ext(candidate))
		if ext == ".html" {
			content, err := os.ReadFile(candidate)
			if err == nil {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.Write([]byte(injectAssets(string(content))))
				return
			}
		} else if ct, ok := contentTypeByExt[ext]; ok {
			content, err := os.ReadFile(candidate)
			if err == nil {
				w.Header().Set("Content-Type", ct)
				w.Write(content)
				return
			}
		}
	}

	if r.URL.Path == "/" {
		b.serveDashboard(w)
		return
	}
	http.Error(w, "File not found", http.StatusNotFound)
}

func (b *Backend) serveDashboard(w http.ResponseWriter) {
	html := renderHTML(readAsset("templates/dashboard.html"), b.templateVars())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(injectAssets(html)))
}
