// Package prompt manages named prompt templates with {{variable}}
// placeholders and renders them against caller-supplied values.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/modelrelay/modelrelay/pkg/models"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// MissingVariablesError reports required variables absent from a render
// call.
type MissingVariablesError struct {
	Template string
	Missing  []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("template %s: missing variables: %s", e.Template, strings.Join(e.Missing, ", "))
}

// ErrTemplateNotFound reports an unknown template name.
type ErrTemplateNotFound struct {
	Name string
}

func (e *ErrTemplateNotFound) Error() string {
	return fmt.Sprintf("prompt template not found: %s", e.Name)
}

// Registry holds named templates. Concurrent-safe.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*models.PromptTemplate
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*models.PromptTemplate)}
}

// Register stores a template, replacing any previous one with the same
// name. Declared variables are reconciled with the placeholders actually
// present in the text.
func (r *Registry) Register(t models.PromptTemplate) {
	declared := map[string]bool{}
	for _, v := range t.Variables {
		declared[v.Name] = true
	}
	for _, name := range extractPlaceholders(t.Template) {
		if !declared[name] {
			t.Variables = append(t.Variables, models.TemplateVariable{Name: name, Required: true})
			declared[name] = true
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = &t
}

// Get returns a template by name.
func (r *Registry) Get(name string) (*models.PromptTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, &ErrTemplateNotFound{Name: name}
	}
	cp := *t
	return &cp, nil
}

// List returns all templates in name order.
func (r *Registry) List() []models.PromptTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PromptTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes a template.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[name]; !ok {
		return &ErrTemplateNotFound{Name: name}
	}
	delete(r.templates, name)
	return nil
}

// Render substitutes values into a named template. Declared defaults fill
// absent values; required variables without a value or default fail the
// render.
func (r *Registry) Render(name string, values map[string]string) (string, error) {
	t, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return Render(t, values)
}

// Render substitutes values into a template.
func Render(t *models.PromptTemplate, values map[string]string) (string, error) {
	resolved := make(map[string]string, len(t.Variables))
	var missing []string
	for _, v := range t.Variables {
		if val, ok := values[v.Name]; ok {
			resolved[v.Name] = val
			continue
		}
		if v.DefaultValue != "" {
			resolved[v.Name] = v.DefaultValue
			continue
		}
		if v.Required {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &MissingVariablesError{Template: t.Name, Missing: missing}
	}

	out := placeholderRe.ReplaceAllStringFunc(t.Template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if val, ok := resolved[name]; ok {
			return val
		}
		return m
	})
	return out, nil
}

func extractPlaceholders(template string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
