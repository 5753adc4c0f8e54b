// Package rps is the simultaneous rock-paper-scissors template: a hidden
// commit phase followed by a symmetric reveal.
package rps

import (
	"encoding/json"
	"fmt"

	"github.com/apexgames-io/arbiter/internal/fault"
	"github.com/apexgames-io/arbiter/internal/template"
)

const (
	TemplateID = "rps.v1"

	RolePlayer1 = "player_1"
	RolePlayer2 = "player_2"

	PhaseCommit = "commit"
	PhaseReveal = "reveal"

	// Masked stands in for an opponent's committed-but-hidden choice in
	// per-role views.
	Masked = "hidden"
)

// beats maps each choice to the choice it defeats.
var beats = map[string]string{
	"rock":     "scissors",
	"paper":    "rock",
	"scissors": "paper",
}

var choices = []string{"rock", "paper", "scissors"}

type state struct {
	Phase   string            `json:"phase"`
	Choices map[string]string `json:"choices"`
	Result  *string           `json:"result"`
}

type RPS struct{}

func New() *RPS { return &RPS{} }

func (*RPS) TemplateID() string { return TemplateID }

func (*RPS) Kind() template.Kind { return template.Simultaneous }

func (*RPS) Roles() []string { return []string{RolePlayer1, RolePlayer2} }

func (*RPS) InitialState() json.RawMessage {
	return mustMarshal(state{
		Phase:   PhaseCommit,
		Choices: map[string]string{},
		Result:  nil,
	})
}

func (*RPS) LegalActions(raw json.RawMessage, role string) ([]string, error) {
	st, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if st.Result != nil {
		return nil, nil
	}
	if st.Phase != PhaseCommit {
		return nil, nil
	}
	if _, committed := st.Choices[role]; committed {
		return nil, nil
	}
	if role != RolePlayer1 && role != RolePlayer2 {
		return nil, nil
	}
	out := make([]string, len(choices))
	copy(out, choices)
	return out, nil
}

func (r *RPS) Apply(raw json.RawMessage, role string, action string) (json.RawMessage, error) {
	st, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if st.Result != nil {
		return nil, fault.InvalidAction("game is already over")
	}
	if _, committed := st.Choices[role]; committed {
		return nil, fault.AlreadyActed("already submitted choice this phase")
	}
	if role != RolePlayer1 && role != RolePlayer2 {
		return nil, fault.InvalidAction(fmt.Sprintf("unknown role %q", role))
	}
	if _, ok := beats[action]; !ok {
		return nil, fault.InvalidAction(fmt.Sprintf("invalid choice %q", action))
	}

	next := state{
		Phase:   st.Phase,
		Choices: make(map[string]string, 2),
		Result:  nil,
	}
	for k, v := range st.Choices {
		next.Choices[k] = v
	}
	next.Choices[role] = action

	p1, p1ok := next.Choices[RolePlayer1]
	p2, p2ok := next.Choices[RolePlayer2]
	if p1ok && p2ok {
		next.Phase = PhaseReveal
		result := resolve(p1, p2)
		next.Result = &result
	}
	return mustMarshal(next), nil
}

func (*RPS) IsTerminal(raw json.RawMessage) (bool, error) {
	st, err := decode(raw)
	if err != nil {
		return false, err
	}
	return st.Result != nil, nil
}

// View hides the opponent's committed choice during the commit phase. In
// reveal everything is visible.
func (*RPS) View(raw json.RawMessage, role string) (json.RawMessage, error) {
	st, err := decode(raw)
	if err != nil {
		return nil, err
	}
	view := state{
		Phase:   st.Phase,
		Choices: make(map[string]string, len(st.Choices)),
		Result:  st.Result,
	}
	for k, v := range st.Choices {
		view.Choices[k] = v
	}
	if st.Phase == PhaseCommit {
		opponent := RolePlayer2
		if role == RolePlayer2 {
			opponent = RolePlayer1
		}
		if _, committed := view.Choices[opponent]; committed {
			view.Choices[opponent] = Masked
		}
	}
	return mustMarshal(view), nil
}

func resolve(p1, p2 string) string {
	switch {
	case p1 == p2:
		return "draw"
	case beats[p1] == p2:
		return "player_1_wins"
	default:
		return "player_2_wins"
	}
}

func decode(raw json.RawMessage) (state, error) {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return state{}, fmt.Errorf("decode rps state: %w", err)
	}
	if st.Choices == nil {
		st.Choices = map[string]string{}
	}
	return st, nil
}

func mustMarshal(st state) json.RawMessage {
	buf, err := json.Marshal(st)
	if err != nil {
		panic(fmt.Sprintf("marshal rps state: %v", err))
	}
	return buf
}
