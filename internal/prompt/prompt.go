package prompt

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BatchSize is the number of images requested per batch.
const BatchSize = 4

//go:embed persona.yaml
var defaultPersona []byte

type Style struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Messages struct {
	Greeting             string `yaml:"greeting"`
	ChooseStyle          string `yaml:"choose_style"`
	Thinking             string `yaml:"thinking"`
	Generating           string `yaml:"generating"`
	Varying              string `yaml:"varying"`
	BatchReady           string `yaml:"batch_ready"`
	BatchFailed          string `yaml:"batch_failed"`
	ClassificationFailed string `yaml:"classification_failed"`
	VariationPrompt      string `yaml:"variation_prompt"`
	VariationReady       string `yaml:"variation_ready"`
	VariationFailed      string `yaml:"variation_failed"`
	SatisfactionQuestion string `yaml:"satisfaction_question"`
	NoVariationBase      string `yaml:"no_variation_base"`
	SatisfiedThanks      string `yaml:"satisfied_thanks"`
	SatisfiedInvite      string `yaml:"satisfied_invite"`
	Retry                string `yaml:"retry"`
}

// Persona is the fixed ruleset, style catalogue and copy of the assistant.
type Persona struct {
	Name                 string   `yaml:"name"`
	Instructions         string   `yaml:"instructions"`
	Styles               []Style  `yaml:"styles"`
	BatchInstruction     string   `yaml:"batch_instruction"`
	VariationInstruction string   `yaml:"variation_instruction"`
	Messages             Messages `yaml:"messages"`
}

// Default returns the embedded persona.
func Default() (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(defaultPersona, &p); err != nil {
		return nil, fmt.Errorf("parse embedded persona: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("embedded persona: %w", err)
	}
	return &p, nil
}

// Load returns the embedded persona with the fields present in the YAML file
// at path laid over it. An empty path yields the embedded persona.
func Load(path string) (*Persona, error) {
	p, err := Default()
	if err != nil {
		return nil, err
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona: %w", err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("persona %s: %w", path, err)
	}
	return p, nil
}

func (p *Persona) Validate() error {
	if strings.TrimSpace(p.Instructions) == "" {
		return errors.New("instructions are empty")
	}
	if len(p.Styles) == 0 {
		return errors.New("no styles defined")
	}
	seen := make(map[string]bool, len(p.Styles))
	for i, s := range p.Styles {
		if strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("style %d has no key", i)
		}
		if seen[s.Key] {
			return fmt.Errorf("duplicate style %q", s.Key)
		}
		seen[s.Key] = true
	}
	if !strings.Contains(p.BatchInstruction, "%s") {
		return errors.New("batch_instruction needs placeholders for prompt and style")
	}
	if !strings.Contains(p.VariationInstruction, "%s") {
		return errors.New("variation_instruction needs a placeholder for feedback")
	}
	return nil
}

// Style looks up a style by key.
func (p *Persona) Style(key string) (Style, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, s := range p.Styles {
		if s.Key == key {
			return s, true
		}
	}
	return Style{}, false
}

// BuildBatch combines the stored request with the chosen style and the fixed
// four-image instruction.
func (p *Persona) BuildBatch(request string, style Style) string {
	desc := style.Description
	if strings.TrimSpace(desc) == "" {
		desc = style.Name
	}
	return strings.TrimSpace(fmt.Sprintf(p.BatchInstruction, strings.TrimSpace(request), desc))
}

func (p *Persona) BuildVariation(feedback string) string {
	return strings.TrimSpace(fmt.Sprintf(p.VariationInstruction, strings.TrimSpace(feedback)))
}
