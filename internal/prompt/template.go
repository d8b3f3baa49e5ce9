// Package prompt renders the instructions handed to executors and to the
// reviewer's evaluator.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

var (
	varRe  = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	tagRe  = regexp.MustCompile(`\{\{(#if|#unless)\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}|\{\{/(if|unless)\}\}`)
	nameRe = regexp.MustCompile(`^[a-z0-9_\-]+\.md$`)
)

// ReviewTemplate is the evaluator prompt the reviewer renders.
const ReviewTemplate = "review.md"

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Merge returns a copy of v with other's entries layered on top.
func (v Vars) Merge(other Vars) Vars {
	out := make(Vars, len(v)+len(other))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range other {
		out[k] = val
	}
	return out
}

// Render expands a template.
//
//	{{name}}                   value of name; a missing variable is an error
//	{{#if name}}...{{/if}}     kept when name is set and non-empty
//	{{#unless name}}...{{/unless}} kept when name is unset or empty
//
// Blocks nest.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := blocks(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out := varRe.ReplaceAllStringFunc(body, func(m string) string {
		name := varRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

type frame struct {
	kind string
	name string
	keep bool
	// start of the body in the output buffer
	mark int
}

// blocks resolves conditional blocks in one left-to-right pass.
func blocks(tmpl string, vars Vars) (string, error) {
	var sb strings.Builder
	var stack []frame
	pos := 0
	for _, loc := range tagRe.FindAllStringSubmatchIndex(tmpl, -1) {
		sb.WriteString(tmpl[pos:loc[0]])
		pos = loc[1]

		if loc[2] >= 0 {
			kind := tmpl[loc[2]+1 : loc[3]]
			name := tmpl[loc[4]:loc[5]]
			set := vars[name] != ""
			stack = append(stack, frame{kind: kind, name: name, keep: set == (kind == "if"), mark: sb.Len()})
			continue
		}

		kind := tmpl[loc[6]:loc[7]]
		if len(stack) == 0 {
			return "", fmt.Errorf("dangling {{/%s}} without matching {{#%s}}", kind, kind)
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.kind != kind {
			return "", fmt.Errorf("{{#%s %s}} closed by {{/%s}}", top.kind, top.name, kind)
		}
		if !top.keep {
			s := sb.String()[:top.mark]
			sb.Reset()
			sb.WriteString(s)
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return "", fmt.Errorf("unclosed conditional block: {{#%s %s}}", top.kind, top.name)
	}
	sb.WriteString(tmpl[pos:])
	return sb.String(), nil
}

// TemplateName is the file a phase's executor prompt lives in.
func TemplateName(p pipeline.Phase) string {
	return strings.ReplaceAll(p.String(), "_", "-") + ".md"
}

// Library resolves templates by name. Files in Dir override the builtins.
type Library struct {
	Dir string
}

// Load returns the template text for name.
func (l Library) Load(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	if l.Dir != "" {
		data, err := os.ReadFile(filepath.Join(l.Dir, name))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read template %s: %w", name, err)
		}
	}
	if t, ok := builtinTemplates[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// Render loads name and expands it with vars.
func (l Library) Render(name string, vars Vars) (string, error) {
	t, err := l.Load(name)
	if err != nil {
		return "", err
	}
	out, err := Render(t, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// ForPhase renders the executor prompt for phase p.
func (l Library) ForPhase(p pipeline.Phase, vars Vars) (string, error) {
	return l.Render(TemplateName(p), vars)
}

// Install writes the builtin templates into dir, leaving existing files
// alone so local edits survive. It returns the names it wrote.
func Install(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	var wrote []string
	for _, name := range Builtins() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := pipeline.WriteAtomic(path, []byte(builtinTemplates[name])); err != nil {
			return wrote, fmt.Errorf("write template %q: %w", name, err)
		}
		wrote = append(wrote, name)
	}
	return wrote, nil
}
