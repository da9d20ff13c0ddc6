package engine

import (
	"context"
	"errors"
)

var (
	ErrIllegalMove  = errors.New("illegal move")
	ErrInvalidBoard = errors.New("invalid board token")
)

// Color identifies a side of the board.
type Color string

const (
	NoColor Color = ""
	White   Color = "white"
	Black   Color = "black"
)

// Opposite returns the other side. NoColor stays NoColor.
func (c Color) Opposite() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return NoColor
	}
}

// Valid reports whether c names a side.
func (c Color) Valid() bool {
	return c == White || c == Black
}

// Terminal methods reported in Result.Method.
const (
	MethodCheckmate            = "checkmate"
	MethodStalemate            = "stalemate"
	MethodInsufficientMaterial = "insufficient_material"
	MethodFiftyMoveRule        = "fifty_move_rule"
	MethodRepetition           = "threefold_repetition"
	MethodOther                = "other"
)

// Result is what the rules engine returns for an accepted move.
type Result struct {
	Board    string
	Turn     Color
	Terminal bool
	// Winner is NoColor when a terminal result is a draw.
	Winner Color
	Method string
}

// RulesEngine validates moves against an opaque board token.
// Callers never inspect the token themselves.
type RulesEngine interface {
	NewGame(ctx context.Context) (board string, turn Color, err error)
	Apply(ctx context.Context, board, move string) (*Result, error)
}

// MoveSupplier produces one candidate move for the side to play.
type MoveSupplier interface {
	NextMove(ctx context.Context, board string) (string, error)
}
