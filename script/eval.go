package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is a string with embedded ${...} expressions.
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	text   string
	script Script
}

// NewTemplate compiles every ${...} expression in raw.
func NewTemplate(ctx context.Context, compiler Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	t := &Template{raw: raw}
	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return t, nil
	}

	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.parts = append(t.parts, templatePart{text: raw[lastEnd:match[0]]})
		}
		expr := raw[match[2]:match[3]]
		compiled, err := compiler.Compile(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.parts = append(t.parts, templatePart{script: compiled})
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, templatePart{text: raw[lastEnd:]})
	}
	return t, nil
}

// Eval renders the template with the given globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.parts) == 0 {
		return t.raw, nil
	}
	var sb strings.Builder
	for _, part := range t.parts {
		if part.script == nil {
			sb.WriteString(part.text)
			continue
		}
		value, err := part.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(value.String())
	}
	return sb.String(), nil
}

// EvalValue resolves a single step parameter. A string of the form $(expr)
// evaluates to the expression's value, other strings are rendered as
// templates, maps and lists are resolved element-wise and anything else is
// returned unchanged.
func EvalValue(ctx context.Context, compiler Compiler, value any, globals map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "$(") && strings.HasSuffix(trimmed, ")") {
			expr := trimmed[2 : len(trimmed)-1]
			compiled, err := compiler.Compile(ctx, expr)
			if err != nil {
				return nil, fmt.Errorf("failed to compile script expression %q: %w", expr, err)
			}
			result, err := compiled.Evaluate(ctx, globals)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate script expression %q: %w", expr, err)
			}
			return result.Value(), nil
		}
		if !strings.Contains(v, "${") {
			return v, nil
		}
		tmpl, err := NewTemplate(ctx, compiler, v)
		if err != nil {
			return nil, err
		}
		return tmpl.Eval(ctx, globals)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := EvalValue(ctx, compiler, item, globals)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := EvalValue(ctx, compiler, item, globals)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// EvalParams resolves every parameter of a step.
func EvalParams(ctx context.Context, compiler Compiler, params map[string]any, globals map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	resolved, err := EvalValue(ctx, compiler, params, globals)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// EvalCondition evaluates a step condition. An empty condition is true.
func EvalCondition(ctx context.Context, compiler Compiler, condition string, globals map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	compiled, err := compiler.Compile(ctx, condition)
	if err != nil {
		return false, fmt.Errorf("failed to compile condition %q: %w", condition, err)
	}
	result, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
	}
	return result.IsTruthy(), nil
}
