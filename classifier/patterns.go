package classifier

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_patterns.yaml
var defaultPatterns string

// Category configures how one kind of task is recognised and who handles it.
type Category struct {
	Name      string   `json:"name" yaml:"name"`
	Primary   []string `json:"primary" yaml:"primary"`
	Secondary []string `json:"secondary,omitempty" yaml:"secondary,omitempty"`
	Workers   []string `json:"workers" yaml:"workers"`
	Template  string   `json:"template,omitempty" yaml:"template,omitempty"`

	// Action and Params are sent to the workers of single and parallel
	// strategies. Params may hold ${...} templates.
	Action string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// TemplateStep is one step of a workflow template.
type TemplateStep struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Worker   string         `json:"worker" yaml:"worker"`
	Action   string         `json:"action" yaml:"action"`
	Parallel bool           `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	When     string         `json:"when,omitempty" yaml:"when,omitempty"`
}

// Template is a named, ordered list of steps.
type Template struct {
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []TemplateStep `json:"steps" yaml:"steps"`
}

// Settings tunes scoring.
type Settings struct {
	// ConfidenceScale is the score that maps to confidence 1.0.
	ConfidenceScale float64 `json:"confidence_scale,omitempty" yaml:"confidence_scale,omitempty"`

	// MultiAgentRatio is the minimum runner-up/winner score ratio for a
	// multi-agent classification.
	MultiAgentRatio float64 `json:"multi_agent_ratio,omitempty" yaml:"multi_agent_ratio,omitempty"`

	// TemplateBoost is added to the confidence when a template matches.
	TemplateBoost float64 `json:"template_boost,omitempty" yaml:"template_boost,omitempty"`
}

const (
	DefaultConfidenceScale = 10
	DefaultMultiAgentRatio = 0.6
	DefaultTemplateBoost   = 0.2
)

// PatternTable is the static configuration of the classifier. Category order
// is significant: on equal scores the category declared first wins.
type PatternTable struct {
	Categories []Category          `json:"categories" yaml:"categories"`
	Templates  map[string]Template `json:"templates,omitempty" yaml:"templates,omitempty"`
	Settings   Settings            `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Validate checks the table and fills in defaults.
func (p *PatternTable) Validate() error {
	if len(p.Categories) == 0 {
		return fmt.Errorf("at least one category required")
	}
	seen := map[string]bool{}
	for i, c := range p.Categories {
		if c.Name == "" {
			return fmt.Errorf("category %d: name required", i)
		}
		if c.Name == Unknown {
			return fmt.Errorf("category name %q is reserved", Unknown)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate category %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Primary) == 0 && len(c.Secondary) == 0 {
			return fmt.Errorf("category %q: keywords required", c.Name)
		}
		if c.Template != "" {
			if _, ok := p.Templates[c.Template]; !ok {
				return fmt.Errorf("category %q: template %q not found", c.Name, c.Template)
			}
		}
	}
	for name, tmpl := range p.Templates {
		if len(tmpl.Steps) == 0 {
			return fmt.Errorf("template %q: steps required", name)
		}
		ids := map[string]bool{}
		for i := range tmpl.Steps {
			step := &tmpl.Steps[i]
			if step.Worker == "" || step.Action == "" {
				return fmt.Errorf("template %q step %d: worker and action required", name, i)
			}
			if step.ID == "" {
				step.ID = fmt.Sprintf("%s-%d", step.Action, i+1)
			}
			if ids[step.ID] {
				return fmt.Errorf("template %q: duplicate step id %q", name, step.ID)
			}
			ids[step.ID] = true
		}
	}
	if p.Settings.ConfidenceScale <= 0 {
		p.Settings.ConfidenceScale = DefaultConfidenceScale
	}
	if p.Settings.MultiAgentRatio <= 0 {
		p.Settings.MultiAgentRatio = DefaultMultiAgentRatio
	}
	if p.Settings.TemplateBoost <= 0 {
		p.Settings.TemplateBoost = DefaultTemplateBoost
	}
	return nil
}

// LoadPatternFile loads a pattern table from a YAML file.
func LoadPatternFile(path string) (*PatternTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}
	return LoadPatternString(string(data))
}

// LoadPatternString loads a pattern table from a YAML string.
func LoadPatternString(data string) (*PatternTable, error) {
	var table PatternTable
	if err := yaml.Unmarshal([]byte(data), &table); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pattern table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pattern table: %w", err)
	}
	return &table, nil
}

// DefaultPatternTable returns the built-in pattern table.
func DefaultPatternTable() *PatternTable {
	table, err := LoadPatternString(defaultPatterns)
	if err != nil {
		panic(err)
	}
	return table
}
