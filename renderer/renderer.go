// Package renderer holds the embedded viewer templates and the gin
// middlewares shared by every route.
package renderer

import (
	"embed"
	"encoding/json"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	templates *template.Template
	once      sync.Once
	parseErr  error
)

// --------------------------------------------------------------------
// Template embedding
// --------------------------------------------------------------------

//go:embed templates/*.go.html
var templatesFS embed.FS

const templateGlob = "templates/*.go.html"

// formatTime is a helper function that can be called from templates.
// Example usage in template: {{ formatTime .SomeTimeField }}
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("Jan 2, 2006 15:04:05")
}

// jsonFunc marshals an object to JSON for use in templates
func jsonFunc(v any) (template.JS, error) {
	a, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return template.JS(a), nil
}

func initTemplates() (*template.Template, error) {
	return template.New("").
		Funcs(template.FuncMap{
			"formatTime": formatTime,
			"json":       jsonFunc,
		}).
		ParseFS(templatesFS, templateGlob)
}

// Templates returns the parsed templates, parsing them on first use.
func Templates() (*template.Template, error) {
	once.Do(func() { templates, parseErr = initTemplates() })
	return templates, parseErr
}

// Render executes the named template into w.
func Render(w io.Writer, name string, data any) error {
	tmpl, err := Templates()
	if err != nil {
		return err
	}
	return tmpl.ExecuteTemplate(w, name, data)
}

// --------------------------------------------------------------------
// Middleware helpers
// --------------------------------------------------------------------

// Logger logs one line per request.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("cost", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// CORS allows the given origins; "*" or an empty list allows all.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Accept", "Authorization", "Cache-Control", "Content-Type", "Content-Length"}
	cfg.ExposeHeaders = []string{"Content-Length"}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
