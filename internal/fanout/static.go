package fanout

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// iconPaths are requested by browsers regardless of the page; answering
// 204 keeps them out of the error logs.
var iconPaths = map[string]bool{
	"/favicon.ico":          true,
	"/apple-touch-icon.png": true,
	"/favicon-32x32.png":    true,
	"/favicon-16x16.png":    true,
}

// StaticHandler serves the overlay page assets from root. Resolved
// paths must stay inside root; anything else is rejected with 403.
func StaticHandler(root string) http.Handler {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = root
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if iconPaths[r.URL.Path] {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		name := r.URL.Path
		if name == "/" {
			name = "/index.html"
		}

		resolved, err := filepath.Abs(filepath.Join(absRoot, filepath.FromSlash(name)))
		if err != nil || !strings.HasPrefix(resolved, absRoot+string(os.PathSeparator)) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		info, err := os.Stat(resolved)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, resolved)
	})
}
