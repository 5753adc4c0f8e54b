package chessgame

import (
	"fmt"
	"sort"

	"github.com/notnil/chess"
)

// Outcome is the oracle's verdict on a position. Empty means the game
// continues.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeWhiteWins Outcome = "white_wins"
	OutcomeBlackWins Outcome = "black_wins"
	OutcomeDraw      Outcome = "draw"
)

// Position is the oracle's result for an applied move.
type Position struct {
	FEN     string
	Outcome Outcome
}

// Oracle owns chess rules. The template only knows the mapping
// position x move -> legal? / successor / terminal?; everything else —
// move generation, mate and draw detection — lives behind this interface.
type Oracle interface {
	InitialFEN() string
	LegalMoves(fen string) ([]string, error)
	Apply(fen string, uci string) (Position, error)
}

// NotnilOracle implements Oracle on top of github.com/notnil/chess.
type NotnilOracle struct{}

func NewOracle() *NotnilOracle { return &NotnilOracle{} }

func (*NotnilOracle) InitialFEN() string {
	return chess.NewGame().Position().String()
}

func (*NotnilOracle) LegalMoves(fen string) ([]string, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	moves := game.ValidMoves()
	out := make([]string, 0, len(moves))
	for _, move := range moves {
		out = append(out, move.String())
	}
	sort.Strings(out)
	return out, nil
}

func (*NotnilOracle) Apply(fen string, uci string) (Position, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return Position{}, err
	}
	var applied bool
	for _, move := range game.ValidMoves() {
		if move.String() == uci {
			if err := game.Move(move); err != nil {
				return Position{}, fmt.Errorf("apply move %s: %w", uci, err)
			}
			applied = true
			break
		}
	}
	if !applied {
		return Position{}, fmt.Errorf("illegal move %s", uci)
	}

	// Checkmate, stalemate, insufficient material and the forced draw
	// rules are reflected in Outcome after the move. A claimable fifty-move
	// draw is taken automatically to match the template's no-draw-offer
	// model. Repetition draws are never detected: the game is rebuilt from
	// a single FEN on every call, so it carries no earlier positions.
	if game.Outcome() == chess.NoOutcome {
		for _, method := range game.EligibleDraws() {
			if method == chess.FiftyMoveRule || method == chess.ThreefoldRepetition {
				if err := game.Draw(method); err != nil {
					return Position{}, fmt.Errorf("claim draw: %w", err)
				}
				break
			}
		}
	}

	return Position{
		FEN:     game.Position().String(),
		Outcome: mapOutcome(game.Outcome()),
	}, nil
}

func gameFromFEN(fen string) (*chess.Game, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return chess.NewGame(opt), nil
}

func mapOutcome(o chess.Outcome) Outcome {
	switch o {
	case chess.WhiteWon:
		return OutcomeWhiteWins
	case chess.BlackWon:
		return OutcomeBlackWins
	case chess.Draw:
		return OutcomeDraw
	default:
		return OutcomeNone
	}
}
