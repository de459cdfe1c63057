package contract

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/accredit/model"
)

//go:embed templates
var builtinTemplates embed.FS

const defaultContentType = "text/plain; charset=utf-8"

// Template is a named contract document layout.
type Template struct {
	ID          string
	Title       string
	ContentType string

	tmpl *template.Template
}

// TemplateData is what a template renders.
type TemplateData struct {
	Number        string
	ContractID    string
	ApplicationID string
	ProgramID     string
	CandidateID   string
	IssuedAt      time.Time
	Payload       map[string]any
}

// Templates is the set of contract templates, keyed by ID.
type Templates struct {
	byID map[string]*Template
}

type templateIndex struct {
	Templates []struct {
		ID          string `yaml:"id"`
		Title       string `yaml:"title"`
		File        string `yaml:"file"`
		ContentType string `yaml:"content_type"`
	} `yaml:"templates"`
}

// LoadTemplates returns the built-in templates overlaid with those listed in
// dir/index.yaml. An empty dir yields only the built-ins.
func LoadTemplates(dir string) (*Templates, error) {
	builtin, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}
	t := &Templates{byID: make(map[string]*Template)}
	if err := t.load(builtin); err != nil {
		return nil, fmt.Errorf("contract: built-in templates: %w", err)
	}
	if dir != "" {
		if err := t.load(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("contract: templates in %s: %w", dir, err)
		}
	}
	return t, nil
}

func (t *Templates) load(fsys fs.FS) error {
	raw, err := fs.ReadFile(fsys, "index.yaml")
	if err != nil {
		return err
	}
	var idx templateIndex
	if err := yaml.Unmarshal(raw, &idx); err != nil {
		return fmt.Errorf("parsing index.yaml: %w", err)
	}
	for _, entry := range idx.Templates {
		if entry.ID == "" || entry.File == "" {
			return fmt.Errorf("template entry needs id and file")
		}
		body, err := fs.ReadFile(fsys, path.Clean(entry.File))
		if err != nil {
			return fmt.Errorf("template %s: %w", entry.ID, err)
		}
		parsed, err := template.New(entry.ID).
			Option("missingkey=zero").
			Funcs(template.FuncMap{"field": func(string) string { return "" }}).
			Parse(string(body))
		if err != nil {
			return fmt.Errorf("template %s: %w", entry.ID, err)
		}
		ct := entry.ContentType
		if ct == "" {
			ct = defaultContentType
		}
		t.byID[entry.ID] = &Template{ID: entry.ID, Title: entry.Title, ContentType: ct, tmpl: parsed}
	}
	return nil
}

// Get returns the template with the given ID.
func (t *Templates) Get(id string) (*Template, bool) {
	tpl, ok := t.byID[id]
	return tpl, ok
}

// Render executes the template. The field function reads top-level
// submission payload values as strings.
func (tpl *Template) Render(data TemplateData) ([]byte, error) {
	clone, err := tpl.tmpl.Clone()
	if err != nil {
		return nil, err
	}
	app := model.Application{Payload: data.Payload}
	clone.Funcs(template.FuncMap{"field": app.PayloadString})

	var buf bytes.Buffer
	if err := clone.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", tpl.ID, err)
	}
	return buf.Bytes(), nil
}
