// Package pages serves the server-rendered views and their form actions.
package pages

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/medivio/internal/history"
	"github.com/ashureev/medivio/internal/prompt"
	"github.com/ashureev/medivio/internal/session"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

var titles = map[session.Page]string{
	session.PageLanding:   "Home",
	session.PageAbout:     "About",
	session.PageAuth:      "Sign In",
	session.PageDashboard: "Dashboard",
	session.PageChat:      "Chat",
}

type viewData struct {
	Title  string
	Snap   session.Snapshot
	Recent history.Recent
	Modes  []prompt.Mode
}

// parseTemplates builds one template set per page, each sharing layout.html.
func parseTemplates(fsys fs.FS) (map[session.Page]*template.Template, error) {
	funcs := template.FuncMap{"upper": strings.ToUpper}

	out := make(map[session.Page]*template.Template, len(titles))
	for page := range titles {
		t, err := template.New(string(page)).Funcs(funcs).ParseFS(fsys, "layout.html", string(page)+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", page, err)
		}
		out[page] = t
	}
	return out, nil
}

func (h *Handler) renderPage(w http.ResponseWriter, page session.Page, data viewData) {
	t, ok := h.templates[page]
	if !ok {
		http.Error(w, "unknown page", http.StatusNotFound)
		return
	}
	data.Title = titles[page]

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("Failed to render page", "page", page, "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := buf.WriteTo(w); err != nil {
		slog.Debug("Failed to write page", "page", page, "error", err)
	}
}

func redirect(w http.ResponseWriter, r *http.Request, page session.Page) {
	http.Redirect(w, r, "/"+string(page), http.StatusSeeOther)
}

func requestID(r *http.Request) string {
	return chiMiddleware.GetReqID(r.Context())
}
