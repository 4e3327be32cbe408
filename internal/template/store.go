package template

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pagelift/docextract/internal/common"
)

// Field is one named slot of a template, with the aliases documents
// commonly label it with.
type Field struct {
	Name     string   `yaml:"name"`
	Aliases  []string `yaml:"aliases"`
	Required bool     `yaml:"required"`
}

// Template is a candidate document shape: a field list for matching and an
// optional JSON Schema the reorganized output must satisfy.
type Template struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Fields      []Field        `yaml:"fields"`
	Schema      map[string]any `yaml:"schema"`
}

// Store holds the known templates.
type Store struct {
	templates []Template
	byName    map[string]*Template
}

// LoadStore reads a YAML template file.
func LoadStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return NewStore(doc.Templates)
}

func NewStore(templates []Template) (*Store, error) {
	s := &Store{
		templates: templates,
		byName:    make(map[string]*Template, len(templates)),
	}
	for i := range templates {
		t := &s.templates[i]
		if t.Name == "" {
			return nil, common.NewAppError("TEMPLATE_ERROR", "template without a name", common.ErrInvalidInput)
		}
		if _, dup := s.byName[t.Name]; dup {
			return nil, common.NewAppError("TEMPLATE_ERROR", fmt.Sprintf("duplicate template %q", t.Name), common.ErrInvalidInput)
		}
		s.byName[t.Name] = t
	}
	return s, nil
}

// All returns the templates in definition order.
func (s *Store) All() []Template {
	return s.templates
}

func (s *Store) Get(name string) (*Template, bool) {
	t, ok := s.byName[name]
	return t, ok
}
