// Package template implements the webhook template layer: named,
// read-only skeletons that an endpoint can be instantiated from by
// substituting {{VAR}} tokens with caller-supplied values.
//
// Substitution is a small dedicated scanner rather than text/template:
// the token grammar is fixed ({{NAME}}, no pipelines, no control flow)
// and must stay stable regardless of what a general templating engine
// supports.
package template

import (
	"fmt"
	"regexp"
	"strings"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
)

// Variable declares one substitution point in a template's skeleton.
type Variable struct {
	Name     string
	Required bool
	Default  string
	Pattern  *regexp.Regexp
}

// Template is a named, read-only config skeleton for a delivery
// endpoint, plus its declared variables and example payloads.
type Template struct {
	ID        string
	Name      string
	Skeleton  string
	Variables []Variable
	Examples  []string
}

var tokenRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Tokens returns the distinct {{VAR}} names referenced in the
// template's skeleton, in first-occurrence order.
func (t Template) Tokens() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range tokenRe.FindAllStringSubmatch(t.Skeleton, -1) {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func (t Template) variable(name string) (Variable, bool) {
	for _, v := range t.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// Instantiate substitutes every {{VAR}} token in the skeleton with the
// corresponding entry in values, falling back to the variable's
// default when absent. A required variable with neither a supplied
// value nor a default, or a supplied value failing its declared
// pattern, fails with Invalid.
func (t Template) Instantiate(values map[string]string) (string, error) {
	for _, v := range t.Variables {
		val, supplied := values[v.Name]
		if !supplied {
			val = v.Default
		}
		if v.Required && val == "" {
			return "", svcerrors.Invalid(v.Name, "required template variable is missing")
		}
		if val != "" && v.Pattern != nil && !v.Pattern.MatchString(val) {
			return "", svcerrors.Invalid(v.Name, "value does not match the template's required pattern")
		}
	}

	result := tokenRe.ReplaceAllStringFunc(t.Skeleton, func(token string) string {
		name := tokenRe.FindStringSubmatch(token)[1]
		if val, ok := values[name]; ok && val != "" {
			return val
		}
		if v, ok := t.variable(name); ok {
			return v.Default
		}
		return ""
	})
	return result, nil
}

// Registry holds the fixed set of templates a gateway deployment
// ships with. Templates are code-defined, not tenant-writable.
type Registry struct {
	templates map[string]Template
}

// NewRegistry builds a Registry from a fixed list of templates.
func NewRegistry(templates []Template) *Registry {
	r := &Registry{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		r.templates[t.ID] = t
	}
	return r
}

// Get returns the template with the given id.
func (r *Registry) Get(id string) (Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return Template{}, svcerrors.Invalid("template_id", fmt.Sprintf("unknown template %q", id))
	}
	return t, nil
}

// List returns every registered template, sorted by id.
func (r *Registry) List() []Template {
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sortTemplates(out)
	return out
}

func sortTemplates(ts []Template) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j-1].ID > ts[j].ID; j-- {
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
}

// MustCompile is a helper for building a Variable's Pattern from a
// static regex string at registry-construction time.
func MustCompile(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	return regexp.MustCompile(pattern)
}

// TrimSkeleton normalizes a skeleton string read from configuration
// (strips surrounding whitespace, leaves internal tokens untouched).
func TrimSkeleton(s string) string {
	return strings.TrimSpace(s)
}
