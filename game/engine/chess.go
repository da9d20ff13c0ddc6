package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Chess implements RulesEngine with FEN board tokens and UCI moves.
type Chess struct{}

// NewChess creates a chess rules engine.
func NewChess() *Chess {
	return &Chess{}
}

// NewGame returns the standard starting position.
func (c *Chess) NewGame(ctx context.Context) (string, Color, error) {
	game := nchess.NewGame()
	return game.FEN(), colorOf(game.Position().Turn()), nil
}

// Apply plays a UCI move (e2e4, e7e8q) on the given position.
func (c *Chess) Apply(ctx context.Context, board, move string) (*Result, error) {
	game, err := load(board)
	if err != nil {
		return nil, err
	}

	uci := strings.ToLower(strings.TrimSpace(move))
	if uci == "" {
		return nil, fmt.Errorf("%w: empty move", ErrIllegalMove)
	}
	if game.Outcome() != nchess.NoOutcome {
		return nil, fmt.Errorf("%w: game is over", ErrIllegalMove)
	}
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIllegalMove, uci, err)
	}

	res := &Result{
		Board: game.FEN(),
		Turn:  colorOf(game.Position().Turn()),
	}

	switch game.Outcome() {
	case nchess.WhiteWon:
		res.Terminal = true
		res.Winner = White
	case nchess.BlackWon:
		res.Terminal = true
		res.Winner = Black
	case nchess.Draw:
		res.Terminal = true
	}
	if res.Terminal {
		res.Method = methodOf(game.Method())
	}

	return res, nil
}

// RandomMover picks a uniformly random legal move.
type RandomMover struct{}

// NextMove returns a legal UCI move for the side to play.
func (RandomMover) NextMove(ctx context.Context, board string) (string, error) {
	game, err := load(board)
	if err != nil {
		return "", err
	}

	moves := game.ValidMoves()
	if len(moves) == 0 {
		return "", fmt.Errorf("%w: no legal moves", ErrIllegalMove)
	}
	return moves[rand.IntN(len(moves))].String(), nil
}

func load(board string) (*nchess.Game, error) {
	option, err := nchess.FEN(board)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBoard, err)
	}
	return nchess.NewGame(option), nil
}

func colorOf(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}

func methodOf(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return MethodCheckmate
	case nchess.Stalemate:
		return MethodStalemate
	case nchess.InsufficientMaterial:
		return MethodInsufficientMaterial
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return MethodFiftyMoveRule
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return MethodRepetition
	default:
		return MethodOther
	}
}
