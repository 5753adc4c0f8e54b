// Package chessgame is the sequential chess template. Move generation and
// legality live behind the Oracle; the template itself only tracks whose
// turn it is and whether the oracle reported a result.
package chessgame

import (
	"encoding/json"
	"fmt"

	"github.com/apexgames-io/arbiter/internal/fault"
	"github.com/apexgames-io/arbiter/internal/template"
)

const (
	TemplateID = "chess.v1"

	RoleWhite = "white"
	RoleBlack = "black"
)

type state struct {
	FEN     string   `json:"fen"`
	Turn    string   `json:"turn"`
	Moves   []string `json:"moves"`
	Outcome *string  `json:"outcome"`
}

type Chess struct {
	oracle Oracle
}

func New(oracle Oracle) *Chess {
	return &Chess{oracle: oracle}
}

func (*Chess) TemplateID() string { return TemplateID }

func (*Chess) Kind() template.Kind { return template.Sequential }

func (*Chess) Roles() []string { return []string{RoleWhite, RoleBlack} }

func (c *Chess) InitialState() json.RawMessage {
	return mustMarshal(state{
		FEN:     c.oracle.InitialFEN(),
		Turn:    RoleWhite,
		Moves:   []string{},
		Outcome: nil,
	})
}

func (c *Chess) LegalActions(raw json.RawMessage, role string) ([]string, error) {
	st, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if st.Outcome != nil {
		return nil, nil
	}
	if role != st.Turn {
		return nil, nil
	}
	return c.oracle.LegalMoves(st.FEN)
}

func (c *Chess) Apply(raw json.RawMessage, role string, action string) (json.RawMessage, error) {
	st, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if st.Outcome != nil {
		return nil, fault.InvalidAction("game is already over")
	}
	if role != st.Turn {
		return nil, fault.InvalidAction("not your turn")
	}
	legal, err := c.oracle.LegalMoves(st.FEN)
	if err != nil {
		return nil, err
	}
	if !contains(legal, action) {
		return nil, fault.InvalidAction(fmt.Sprintf("illegal move %q", action))
	}

	pos, err := c.oracle.Apply(st.FEN, action)
	if err != nil {
		return nil, fault.InvalidAction(fmt.Sprintf("illegal move %q", action))
	}

	next := state{
		FEN:   pos.FEN,
		Turn:  opponent(st.Turn),
		Moves: append(append([]string{}, st.Moves...), action),
	}
	if pos.Outcome != OutcomeNone {
		outcome := string(pos.Outcome)
		next.Outcome = &outcome
	}
	return mustMarshal(next), nil
}

func (*Chess) IsTerminal(raw json.RawMessage) (bool, error) {
	st, err := decode(raw)
	if err != nil {
		return false, err
	}
	return st.Outcome != nil, nil
}

// View is the identity: chess is perfect-information.
func (*Chess) View(raw json.RawMessage, _ string) (json.RawMessage, error) {
	st, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return mustMarshal(st), nil
}

func opponent(role string) string {
	if role == RoleWhite {
		return RoleBlack
	}
	return RoleWhite
}

func contains(moves []string, move string) bool {
	for _, m := range moves {
		if m == move {
			return true
		}
	}
	return false
}

func decode(raw json.RawMessage) (state, error) {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return state{}, fmt.Errorf("decode chess state: %w", err)
	}
	if st.Moves == nil {
		st.Moves = []string{}
	}
	return st, nil
}

func mustMarshal(st state) json.RawMessage {
	buf, err := json.Marshal(st)
	if err != nil {
		panic(fmt.Sprintf("marshal chess state: %v", err))
	}
	return buf
}
