package main

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sync"

	"github.com/Masterminds/sprig/v3"
	"github.com/gin-gonic/gin"
)

//go:embed web/templates/*.html web/static/*
var webContent embed.FS

var (
	pageTemplates *template.Template
	templateMutex sync.RWMutex
)

// pageFuncs extends sprig with helpers for markup the renderer already escaped.
func pageFuncs() template.FuncMap {
	funcs := sprig.FuncMap()
	funcs["safeHTML"] = func(s string) template.HTML { return template.HTML(s) }
	funcs["safeCSS"] = func(s string) template.CSS { return template.CSS(s) }
	return funcs
}

// loadPageTemplates parses the embedded page templates
func loadPageTemplates() error {
	t, err := template.New("pages").Funcs(pageFuncs()).ParseFS(webContent, "web/templates/*.html")
	if err != nil {
		return err
	}

	templateMutex.Lock()
	pageTemplates = t
	templateMutex.Unlock()
	return nil
}

// renderPage executes a page template into a buffer first, so a template
// error never leaves a half-written page behind.
func renderPage(c *gin.Context, status int, name string, data interface{}) {
	templateMutex.RLock()
	t := pageTemplates
	templateMutex.RUnlock()
	if t == nil {
		c.String(http.StatusInternalServerError, "templates not loaded")
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		log.Errorf("Failed to render %s: %v", name, err)
		c.String(http.StatusInternalServerError, fmt.Sprintf("failed to render page: %v", err))
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}

// createEmbeddedFileServer creates a http.FileSystem from our embedded static files
func createEmbeddedFileServer() http.FileSystem {
	stripped, err := fs.Sub(webContent, "web/static")
	if err != nil {
		panic(err)
	}
	return http.FS(stripped)
}
