package prompt_test

import (
	"errors"
	"testing"

	"github.com/modelrelay/modelrelay/internal/prompt"
	"github.com/modelrelay/modelrelay/pkg/models"
)

func TestRenderSubstitutes(t *testing.T) {
	r := prompt.NewRegistry()
	r.Register(models.PromptTemplate{
		Name:     "greet",
		Template: "Hello {{name}}, welcome to {{ place }}!",
	})

	out, err := r.Render("greet", map[string]string{"name": "Ada", "place": "the gateway"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hello Ada, welcome to the gateway!" {
		t.Errorf("out = %q", out)
	}
}

func TestRenderDefaults(t *testing.T) {
	r := prompt.NewRegistry()
	r.Register(models.PromptTemplate{
		Name:     "summarize",
		Template: "Summarize in {{style}} style: {{text}}",
		Variables: []models.TemplateVariable{
			{Name: "style", DefaultValue: "concise"},
			{Name: "text", Required: true},
		},
	})

	out, err := r.Render("summarize", map[string]string{"text": "long article"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Summarize in concise style: long article" {
		t.Errorf("out = %q", out)
	}
}

func TestRenderMissingRequired(t *testing.T) {
	r := prompt.NewRegistry()
	r.Register(models.PromptTemplate{
		Name:     "qa",
		Template: "Context: {{context}}\nQuestion: {{question}}",
	})

	_, err := r.Render("qa", nil)
	var missing *prompt.MissingVariablesError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v", err)
	}
	// Missing names come back sorted for stable error messages.
	if len(missing.Missing) != 2 || missing.Missing[0] != "context" || missing.Missing[1] != "question" {
		t.Errorf("missing = %v", missing.Missing)
	}
}

// Placeholders present in the text but not declared become required
// variables.
func TestRegisterExtractsPlaceholders(t *testing.T) {
	r := prompt.NewRegistry()
	r.Register(models.PromptTemplate{
		Name:      "mixed",
		Template:  "{{declared}} and {{undeclared}}",
		Variables: []models.TemplateVariable{{Name: "declared", DefaultValue: "d"}},
	})

	tpl, err := r.Get("mixed")
	if err != nil {
		t.Fatal(err)
	}
	if len(tpl.Variables) != 2 {
		t.Fatalf("variables = %v", tpl.Variables)
	}
	if tpl.Variables[1].Name != "undeclared" || !tpl.Variables[1].Required {
		t.Errorf("extracted variable = %+v", tpl.Variables[1])
	}
}

func TestGetUnknown(t *testing.T) {
	r := prompt.NewRegistry()
	_, err := r.Get("nope")
	var notFound *prompt.ErrTemplateNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("err = %v", err)
	}
	if err := r.Delete("nope"); !errors.As(err, &notFound) {
		t.Errorf("delete err = %v", err)
	}
}

func TestListOrdered(t *testing.T) {
	r := prompt.NewRegistry()
	r.Register(models.PromptTemplate{Name: "b", Template: "x"})
	r.Register(models.PromptTemplate{Name: "a", Template: "y"})

	list := r.List()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Errorf("list = %v", list)
	}
}

func TestRegisterReplaces(t *testing.T) {
	r := prompt.NewRegistry()
	r.Register(models.PromptTemplate{Name: "g", Template: "v1"})
	r.Register(models.PromptTemplate{Name: "g", Template: "v2"})

	out, err := r.Render("g", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "v2" {
		t.Errorf("out = %q", out)
	}
}
