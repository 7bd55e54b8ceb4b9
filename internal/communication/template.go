package communication

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	"sync"
	"text/template"
	"time"
)

const defaultDateLayout = "Jan 2, 2006"

var funcs = map[string]any{
	"formatDate": formatDate,
	"pluralize":  pluralize,
	"join":       strings.Join,
}

// formatDate accepts a time.Time, a *time.Time or nil. An empty layout
// uses "Jan 2, 2006".
func formatDate(layout string, v any) string {
	if layout == "" {
		layout = defaultDateLayout
	}
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	case *time.Time:
		if t == nil || t.IsZero() {
			return ""
		}
		return t.Format(layout)
	default:
		return ""
	}
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}

// templateCache parses each distinct source once per process.
type templateCache struct {
	mu        sync.Mutex
	textTmpls map[string]*template.Template
	htmlTmpls map[string]*htmltemplate.Template
}

func newTemplateCache() *templateCache {
	return &templateCache{
		textTmpls: make(map[string]*template.Template),
		htmlTmpls: make(map[string]*htmltemplate.Template),
	}
}

func (c *templateCache) text(src string, data map[string]any) (string, error) {
	c.mu.Lock()
	t, ok := c.textTmpls[src]
	if !ok {
		var err error
		t, err = template.New("text").Funcs(funcs).Parse(src)
		if err != nil {
			c.mu.Unlock()
			return "", err
		}
		c.textTmpls[src] = t
	}
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *templateCache) html(src string, data map[string]any) (string, error) {
	c.mu.Lock()
	t, ok := c.htmlTmpls[src]
	if !ok {
		var err error
		t, err = htmltemplate.New("html").Funcs(funcs).Parse(src)
		if err != nil {
			c.mu.Unlock()
			return "", err
		}
		c.htmlTmpls[src] = t
	}
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
