// Package engine is the rules boundary of the match server.
//
// The coordinator never interprets a board. It stores an opaque token and
// asks a RulesEngine to apply a move to it:
//
//	rules := engine.NewChess()
//	board, turn, err := rules.NewGame(ctx)
//	if err != nil {
//		return err
//	}
//	res, err := rules.Apply(ctx, board, "e2e4")
//	if errors.Is(err, engine.ErrIllegalMove) {
//		// reject without touching the session
//	}
//
// Chess uses FEN as the token and UCI long algebraic notation for moves
// (e2e4, e7e8q). A terminal Result carries the winner, or NoColor for a
// draw, and one of the Method constants.
//
// A FEN token holds no move history, so repetition is judged per move
// rather than across the whole game.
//
// MoveSupplier produces moves for the automation seat. RandomMover picks
// uniformly among the legal moves.
package engine
