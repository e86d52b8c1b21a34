package dsl

import (
	"fmt"
	"regexp"

	"github.com/dop251/goja"
)

// TransformKind selects which transformer applies to a node input.
type TransformKind string

const (
	// TransformScript evaluates a JavaScript body with goja. The node input
	// is bound as `input`, the run variables as `vars`; the script's return
	// value becomes the output.
	TransformScript TransformKind = "script"
	// TransformExtract resolves a dot-notation path against the input.
	TransformExtract TransformKind = "extract"
	// TransformTemplate interpolates ${path} placeholders into a string.
	TransformTemplate TransformKind = "template"
)

// TransformSpec describes one declared data transform.
type TransformSpec struct {
	Kind     TransformKind `json:"kind" yaml:"kind"`
	Script   string        `json:"script,omitempty" yaml:"script,omitempty"`
	Path     string        `json:"path,omitempty" yaml:"path,omitempty"`
	Template string        `json:"template,omitempty" yaml:"template,omitempty"`
}

var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Scope builds the lookup scope shared by condition expressions, extract
// paths, and templates: the input's top-level fields when the input is a
// map, plus "input" and "vars" entries.
func Scope(input any, vars map[string]any) map[string]any {
	scope := make(map[string]any)
	if m, ok := input.(map[string]any); ok {
		for k, v := range m {
			scope[k] = v
		}
	}
	scope["input"] = input
	scope["vars"] = vars
	return scope
}

// Apply runs the declared transform over the node input.
func Apply(spec TransformSpec, input any, vars map[string]any) (any, error) {
	switch spec.Kind {
	case TransformScript:
		if spec.Script == "" {
			return nil, fmt.Errorf("script transform requires a script body")
		}
		return runScript(spec.Script, input, vars)

	case TransformExtract:
		if spec.Path == "" {
			return nil, fmt.Errorf("extract transform requires a path")
		}
		return Lookup(spec.Path, Scope(input, vars)), nil

	case TransformTemplate:
		if spec.Template == "" {
			return nil, fmt.Errorf("template transform requires a template")
		}
		return renderTemplate(spec.Template, Scope(input, vars)), nil

	default:
		return nil, fmt.Errorf("unknown transform kind %q", spec.Kind)
	}
}

// runScript executes a JavaScript body in a fresh VM. A new VM per call
// keeps state from leaking between runs.
func runScript(script string, input any, vars map[string]any) (any, error) {
	vm := goja.New()

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
	_ = vm.Set("input", input)
	_ = vm.Set("vars", vars)

	// Wrap the body in a function so scripts can use return statements.
	wrapped := "(function() {\n" + script + "\n})()"
	result, err := vm.RunString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("script transform failed: %w", err)
	}
	return result.Export(), nil
}

// renderTemplate replaces each ${path} placeholder with the value resolved
// from the scope. Unresolved paths render as an empty string.
func renderTemplate(template string, scope map[string]any) string {
	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		value := Lookup(path, scope)
		if value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
}
