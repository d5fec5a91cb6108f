package classifier

import (
	"fmt"
	"math"
	"strings"
)

// Unknown is the category returned when no keyword matches.
const Unknown = "unknown"

// StrategyType is the execution shape chosen for a classified task.
type StrategyType string

const (
	StrategySingle   StrategyType = "single"
	StrategyParallel StrategyType = "parallel"
	StrategyWorkflow StrategyType = "workflow"
)

// Classification is the result of classifying a task description.
type Classification struct {
	Category          string         `json:"category"`
	Confidence        float64        `json:"confidence"`
	MatchedKeywords   []string       `json:"matched_keywords"`
	PrimaryWorkers    []string       `json:"primary_workers"`
	SecondaryCategory string         `json:"secondary_category,omitempty"`
	MultiAgent        bool           `json:"multi_agent"`
	WorkflowTemplate  string         `json:"workflow_template,omitempty"`
	Scores            map[string]int `json:"scores,omitempty"`
}

// Strategy describes how a classified task should be executed.
type Strategy struct {
	Type     StrategyType   `json:"type"`
	Template string         `json:"template,omitempty"`
	Steps    []TemplateStep `json:"steps,omitempty"`
	Workers  []string       `json:"workers,omitempty"`
	Action   string         `json:"action,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Complexity is a rough, keyword based estimate of task shape.
type Complexity struct {
	EstimatedSteps    int  `json:"estimated_steps"`
	RequiresUserInput bool `json:"requires_user_input"`
	Parallelizable    bool `json:"parallelizable"`
}

// Classifier scores task text against a pattern table. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	table *PatternTable
}

// New returns a classifier for table, or for the built-in table when nil.
func New(table *PatternTable) (*Classifier, error) {
	if table == nil {
		table = DefaultPatternTable()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{table: table}, nil
}

// Table returns the pattern table in use.
func (c *Classifier) Table() *PatternTable {
	return c.table
}

// Template returns the named workflow template.
func (c *Classifier) Template(name string) (Template, bool) {
	tmpl, ok := c.table.Templates[name]
	return tmpl, ok
}

// Classify scores every category by counting keyword occurrences in the
// lower-cased text, primary keywords counting twice.
func (c *Classifier) Classify(text string) Classification {
	lower := strings.ToLower(text)
	scores := make(map[string]int, len(c.table.Categories))
	matched := make(map[string][]string, len(c.table.Categories))

	for _, cat := range c.table.Categories {
		score := 0
		for _, kw := range cat.Primary {
			if n := countKeyword(lower, kw); n > 0 {
				score += 2 * n
				matched[cat.Name] = append(matched[cat.Name], kw)
			}
		}
		for _, kw := range cat.Secondary {
			if n := countKeyword(lower, kw); n > 0 {
				score += n
				matched[cat.Name] = append(matched[cat.Name], kw)
			}
		}
		scores[cat.Name] = score
	}

	// Strict comparisons keep the first declared category on ties.
	best, runnerUp := -1, -1
	for i, cat := range c.table.Categories {
		score := scores[cat.Name]
		if score == 0 {
			continue
		}
		switch {
		case best < 0 || score > scores[c.table.Categories[best].Name]:
			runnerUp = best
			best = i
		case runnerUp < 0 || score > scores[c.table.Categories[runnerUp].Name]:
			runnerUp = i
		}
	}

	if best < 0 {
		return Classification{
			Category:        Unknown,
			Confidence:      0,
			MatchedKeywords: []string{},
			PrimaryWorkers:  []string{},
			Scores:          scores,
		}
	}

	winner := c.table.Categories[best]
	bestScore := scores[winner.Name]
	result := Classification{
		Category:        winner.Name,
		Confidence:      math.Min(1, float64(bestScore)/c.table.Settings.ConfidenceScale),
		MatchedKeywords: append([]string{}, matched[winner.Name]...),
		PrimaryWorkers:  appendUnique(nil, winner.Workers...),
		Scores:          scores,
	}

	if runnerUp >= 0 {
		second := c.table.Categories[runnerUp]
		if float64(scores[second.Name]) >= c.table.Settings.MultiAgentRatio*float64(bestScore) {
			result.MultiAgent = true
			result.SecondaryCategory = second.Name
			result.PrimaryWorkers = appendUnique(result.PrimaryWorkers, second.Workers...)
			result.MatchedKeywords = appendUnique(result.MatchedKeywords, matched[second.Name]...)
		}
	}

	if winner.Template != "" {
		result.WorkflowTemplate = winner.Template
		result.Confidence = math.Min(1, result.Confidence+c.table.Settings.TemplateBoost)
	}
	return result
}

// DetermineStrategy picks the execution shape for a classification.
func (c *Classifier) DetermineStrategy(cl Classification) (Strategy, error) {
	if cl.WorkflowTemplate != "" {
		tmpl, ok := c.table.Templates[cl.WorkflowTemplate]
		if !ok {
			return Strategy{}, fmt.Errorf("workflow template %q not found", cl.WorkflowTemplate)
		}
		return Strategy{
			Type:     StrategyWorkflow,
			Template: cl.WorkflowTemplate,
			Steps:    append([]TemplateStep{}, tmpl.Steps...),
			Workers:  cl.PrimaryWorkers,
		}, nil
	}
	strategy := Strategy{Type: StrategySingle, Workers: cl.PrimaryWorkers}
	if cl.MultiAgent || len(cl.PrimaryWorkers) > 1 {
		strategy.Type = StrategyParallel
	}
	if cat, ok := c.category(cl.Category); ok {
		strategy.Action = cat.Action
		strategy.Params = cat.Params
	}
	return strategy, nil
}

func (c *Classifier) category(name string) (Category, bool) {
	for _, cat := range c.table.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return Category{}, false
}

// AnalyzeComplexity applies plain substring checks to the text. It does not
// look at word boundaries, so "install" counts as containing "all".
func AnalyzeComplexity(text string) Complexity {
	lower := strings.ToLower(text)
	cx := Complexity{EstimatedSteps: 1}
	for _, conj := range []string{"and", "then", "also"} {
		if strings.Contains(lower, conj) {
			cx.EstimatedSteps++
		}
	}
	for _, word := range []string{"confirm", "review"} {
		if strings.Contains(lower, word) {
			cx.RequiresUserInput = true
		}
	}
	for _, word := range []string{"all", "every", "multiple"} {
		if strings.Contains(lower, word) {
			cx.Parallelizable = true
		}
	}
	return cx
}

func countKeyword(text, keyword string) int {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return 0
	}
	return strings.Count(text, keyword)
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range dst {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	if dst == nil {
		return []string{}
	}
	return dst
}
