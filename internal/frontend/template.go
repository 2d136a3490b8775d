package frontend

import (
	"embed"
	"html/template"
	"io"
	"time"

	"github.com/labstack/echo/v4"
)

const viewsPattern = "views/*.html"

//go:embed views
var templateFS embed.FS

//go:embed views/icon.svg
var iconSVG []byte

// Template implements echo.Renderer on top of html/template.
type Template struct {
	templates *template.Template
}

func newTemplate() *Template {
	funcs := template.FuncMap{
		"formatTime": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.UTC().Format("2006-01-02 15:04:05 MST")
		},
	}
	return &Template{
		templates: template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, viewsPattern)),
	}
}

func (t *Template) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	return t.templates.ExecuteTemplate(w, name, data)
}
