package server

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/rs/zerolog/log"
)

//go:embed templates/*
var templateFiles embed.FS

const (
	pageLogin         = "login.html"
	pageConsent       = "consent.html"
	pageSelectAccount = "select_account.html"
	pageDevice        = "device.html"
	pageDone          = "done.html"
	pageFormPost      = "form_post.html"
)

func TemplateFilesFS() fs.FS {
	// Create the sub filesystem once
	subFS, err := fs.Sub(templateFiles, "templates")
	if err != nil {
		panic("Failed to create templates sub filesystem: " + err.Error())
	}
	return subFS
}

// ParseTemplate parses a page together with the shared layout from the embedded filesystem
func ParseTemplate(name string) (*template.Template, error) {
	return template.New(name).ParseFS(TemplateFilesFS(), "layout.html", name)
}

func parsePages() (map[string]*template.Template, error) {
	pages := make(map[string]*template.Template)
	for _, name := range []string{pageLogin, pageConsent, pageSelectAccount, pageDevice, pageDone} {
		tmpl, err := ParseTemplate(name)
		if err != nil {
			return nil, err
		}
		pages[name] = tmpl
	}
	// The form_post page auto-submits and has no layout.
	formPost, err := template.New(pageFormPost).ParseFS(TemplateFilesFS(), pageFormPost)
	if err != nil {
		return nil, err
	}
	pages[pageFormPost] = formPost
	return pages, nil
}

func (s *Server) renderPage(w http.ResponseWriter, status int, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Error().Str("page", name).Msg("unknown page template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeHTML)
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		log.Err(err).Str("page", name).Msg("Failed to render template")
	}
}
