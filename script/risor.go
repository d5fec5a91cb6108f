package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Names of the globals available to template expressions.
const (
	GlobalTask       = "task"
	GlobalContext    = "context"
	GlobalResults    = "results"
	GlobalParams     = "params"
	GlobalWorkflowID = "workflow_id"
)

type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		if _, declared := s.engine.globals[name]; !declared {
			continue
		}
		combined[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorEngine compiles expressions with the Risor language. Only globals
// declared when the engine is created can be referenced by expressions.
type RisorEngine struct {
	globals map[string]any
}

func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(e.globals))
	for name := range e.globals {
		names = append(names, name)
	}
	sort.Strings(names)

	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiled}, nil
}

type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return toGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	return truthy(v.obj)
}

func (v *RisorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return fmt.Sprintf("%d", o.Value())
	case *object.Float:
		return fmt.Sprintf("%g", o.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ", ")
	case fmt.Stringer:
		return o.String()
	default:
		return v.obj.Inspect()
	}
}

// DefaultGlobals returns the side-effect free Risor builtins plus empty
// placeholders for the workflow globals.
func DefaultGlobals() map[string]any {
	safe := safeBuiltins()
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	globals[GlobalTask] = ""
	globals[GlobalWorkflowID] = ""
	globals[GlobalContext] = object.NewMap(map[string]object.Object{})
	globals[GlobalResults] = object.NewMap(map[string]object.Object{})
	globals[GlobalParams] = object.NewMap(map[string]object.Object{})
	return globals
}

// safeBuiltins lists the Risor builtins that are deterministic and have no
// side effects.
func safeBuiltins() map[string]bool {
	return map[string]bool{
		"all":      true,
		"any":      true,
		"bool":     true,
		"coalesce": true,
		"filepath": true,
		"float":    true,
		"fmt":      true,
		"getattr":  true,
		"int":      true,
		"json":     true,
		"keys":     true,
		"len":      true,
		"list":     true,
		"map":      true,
		"math":     true,
		"regexp":   true,
		"reversed": true,
		"set":      true,
		"sorted":   true,
		"sprintf":  true,
		"string":   true,
		"strings":  true,
		"type":     true,
	}
}
