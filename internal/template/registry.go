package template

import (
	"fmt"
	"sort"

	"github.com/apexgames-io/arbiter/internal/fault"
)

// Registry is an immutable template-id -> StateMachine mapping, populated at
// startup. There is no dynamic registration path.
type Registry struct {
	templates map[string]StateMachine
}

func NewRegistry(templates ...StateMachine) *Registry {
	m := make(map[string]StateMachine, len(templates))
	for _, tmpl := range templates {
		if tmpl == nil {
			continue
		}
		if _, ok := m[tmpl.TemplateID()]; ok {
			panic(fmt.Sprintf("template %q registered twice", tmpl.TemplateID()))
		}
		m[tmpl.TemplateID()] = tmpl
	}
	return &Registry{templates: m}
}

// Lookup resolves a template id, failing with NOT_FOUND on unknown ids.
func (r *Registry) Lookup(templateID string) (StateMachine, error) {
	tmpl, ok := r.templates[templateID]
	if !ok {
		return nil, fault.NotFound(fmt.Sprintf("template %q not found", templateID))
	}
	return tmpl, nil
}

// IDs returns the registered template ids, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.templates))
	for id := range r.templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
