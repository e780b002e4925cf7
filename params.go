package moltgate

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// ParamSpec describes a single command-template parameter: an optional
// default value and an optional CEL validation expression. In YAML a spec
// may be written three ways:
//
//	channel:                      # required, no default, no validation
//	channel: general              # optional with default
//	channel:
//	  default: general
//	  validate: 'value.size() > 0'
type ParamSpec struct {
	Default  *string `yaml:"default" json:"default,omitempty"`
	Validate string  `yaml:"validate" json:"validate,omitempty"`
}

func (p *ParamSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			return nil
		}
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		p.Default = &s
		return nil
	case yaml.MappingNode:
		type rawSpec struct {
			Default  *string `yaml:"default"`
			Validate string  `yaml:"validate"`
		}
		var raw rawSpec
		if err := value.Decode(&raw); err != nil {
			return err
		}
		p.Default = raw.Default
		p.Validate = raw.Validate
		return nil
	default:
		return fmt.Errorf("moltgate: parameter spec must be a scalar or mapping, got kind %v", value.Kind)
	}
}

// ---------- CEL validation ----------

// paramCELEnv is the shared CEL environment for parameter validation.
// Variables: "value" (string).
var paramCELEnv *cel.Env

func init() {
	var err error
	paramCELEnv, err = cel.NewEnv(
		cel.Variable("value", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("moltgate: failed to create CEL parameter environment: %v", err))
	}
}

// CompileCELProgram compiles a CEL expression that operates on a single
// string variable named "value". Returns (nil, nil) when expr is empty,
// signalling "no validation".
func CompileCELProgram(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, nil
	}
	ast, issues := paramCELEnv.Compile(expr)
	if issues.Err() != nil {
		return nil, fmt.Errorf("moltgate: failed to compile validation %q: %w", expr, issues.Err())
	}
	prg, err := paramCELEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("moltgate: failed to build validation program %q: %w", expr, err)
	}
	return prg, nil
}

// EvalCELBool evaluates a compiled validation program with value=input. A
// nil program means no validation and always passes.
func EvalCELBool(prg cel.Program, value string) (bool, error) {
	if prg == nil {
		return true, nil
	}
	out, _, err := prg.Eval(map[string]any{"value": value})
	if err != nil {
		return false, fmt.Errorf("moltgate: validation evaluation failed: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("moltgate: validation produced %T, want bool", out.Value())
	}
	return b, nil
}

// compileParamPrograms compiles the validation expression of each spec,
// keyed by parameter name. Specs without validation map to nil.
func compileParamPrograms(specs map[string]*ParamSpec) (map[string]cel.Program, error) {
	programs := make(map[string]cel.Program, len(specs))
	for name, spec := range specs {
		if spec == nil {
			programs[name] = nil
			continue
		}
		prg, err := CompileCELProgram(spec.Validate)
		if err != nil {
			return nil, fmt.Errorf("moltgate: parameter %q: %w", name, err)
		}
		programs[name] = prg
	}
	return programs, nil
}

// mergeParams merges supplied parameter values over the declared specs:
// defaults fill gaps, missing required parameters and undeclared names are
// rejected, and each merged value must pass its compiled validation.
func mergeParams(specs map[string]*ParamSpec, programs map[string]cel.Program, supplied map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(specs))
	for name, spec := range specs {
		if v, ok := supplied[name]; ok {
			merged[name] = v
			continue
		}
		if spec != nil && spec.Default != nil {
			merged[name] = *spec.Default
			continue
		}
		return nil, fmt.Errorf("moltgate: missing required parameter %q", name)
	}
	for name := range supplied {
		if _, ok := specs[name]; !ok {
			return nil, fmt.Errorf("moltgate: unknown parameter %q", name)
		}
	}
	for name, prg := range programs {
		ok, err := EvalCELBool(prg, merged[name])
		if err != nil {
			return nil, fmt.Errorf("moltgate: parameter %q: %w", name, err)
		}
		if !ok {
			return nil, fmt.Errorf("moltgate: parameter %q failed validation", name)
		}
	}
	return merged, nil
}

// ---------- argument templates ----------

// renderTemplate renders one [[ ]]-delimited template string against the
// parameter map. Unknown references are errors rather than empty strings.
func renderTemplate(tmpl string, params map[string]string) (string, error) {
	t, err := template.New("arg").Delims("[[", "]]").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("moltgate: failed to parse template %q: %w", tmpl, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("moltgate: failed to render template %q: %w", tmpl, err)
	}
	return buf.String(), nil
}

// renderArgs renders every argument template in order.
func renderArgs(args []string, params map[string]string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		rendered, err := renderTemplate(a, params)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered)
	}
	return out, nil
}
