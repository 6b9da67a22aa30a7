package admin

import (
	"embed"
	"html/template"
	"io"
	"time"
)

//go:embed templates/*.html static/*
var content embed.FS

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	},
	"add": func(a, b int) int { return a + b },
	"sub": func(a, b int) int { return a - b },
}

// Render executes the named page inside the base layout.
func Render(w io.Writer, name string, data any) error {
	tmpl, err := template.New("base.html").Funcs(templateFuncs).ParseFS(content,
		"templates/base.html",
		"templates/partials.html",
		"templates/"+name,
	)
	if err != nil {
		return err
	}
	return tmpl.Execute(w, data)
}
