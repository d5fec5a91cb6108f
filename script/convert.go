package script

import (
	"strings"

	"github.com/risor-io/risor/object"
)

// toGo converts a Risor object to a plain Go value.
func toGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, toGo(item))
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, toGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = toGo(value)
		}
		return result
	default:
		return obj.Inspect()
	}
}

// truthy reports whether a Risor object counts as true in a step condition.
// The string "false" is false so conditions built from templates behave.
func truthy(obj object.Object) bool {
	switch o := obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0.0
	case *object.String:
		val := o.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	case *object.NilType:
		return false
	default:
		return obj.IsTruthy()
	}
}
