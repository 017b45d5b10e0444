package httpapi

import (
	"bytes"
	"embed"
	"io/fs"
	"net/http"
)

//go:embed assets/options.html
var optionsPage embed.FS

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	const name = "assets/options.html"
	data, err := fs.ReadFile(optionsPage, name)
	if err != nil {
		http.Error(w, "options page not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "options.html", startedAt, bytes.NewReader(data))
}
