// Package template defines the capability set every game template satisfies
// and the process-wide registry that maps template ids to implementations.
package template

import "encoding/json"

// Kind is a template's concurrency shape. Sequential templates require the
// optimistic expected_tick precondition on submissions; simultaneous
// templates rely on the legal-action set to reject duplicate commits.
type Kind string

const (
	Sequential   Kind = "sequential"
	Simultaneous Kind = "simultaneous"
)

// StateMachine is the contract between the arbiter and a game template. All
// methods are pure: same input, same output, no I/O, inputs never mutated.
// State documents are opaque to the caller; each template owns its own
// serialization.
type StateMachine interface {
	// TemplateID matches the registry key, e.g. "chess.v1".
	TemplateID() string

	// Kind is fixed for the life of the template version.
	Kind() Kind

	// Roles returns the template's role names in declaration order.
	Roles() []string

	// InitialState returns the deterministic starting document.
	InitialState() json.RawMessage

	// LegalActions returns the actions role may take in state, in a
	// deterministic order. Empty means this role cannot act.
	LegalActions(state json.RawMessage, role string) ([]string, error)

	// Apply returns the successor document. It fails with
	// fault.InvalidAction if action is not in LegalActions(state, role).
	Apply(state json.RawMessage, role string, action string) (json.RawMessage, error)

	// IsTerminal reports whether no role has any legal action left.
	IsTerminal(state json.RawMessage) (bool, error)

	// View returns state as visible to role. Idempotent:
	// View(View(s, r), r) == View(s, r).
	View(state json.RawMessage, role string) (json.RawMessage, error)
}
