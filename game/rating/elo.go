// Package rating computes Elo updates and finalizes completed matches into
// the profile store exactly once.
package rating

import (
	"math"

	"github.com/wricardo/chessmatch/game/engine"
)

// K is the fixed development coefficient.
const K = 32

// Scores for a single game.
const (
	ScoreWin  = 1.0
	ScoreDraw = 0.5
	ScoreLoss = 0.0
)

// Expected returns the expected score of self against other.
func Expected(self, other int) float64 {
	return 1 / (1 + math.Pow(10, float64(other-self)/400))
}

// NewRating returns self's rating after scoring score against other.
func NewRating(self, other int, score float64) int {
	return int(math.Round(float64(self) + K*(score-Expected(self, other))))
}

// Compute returns both new ratings from ratings read at the same instant.
// winner is NoColor for a draw.
func Compute(white, black int, winner engine.Color) (newWhite, newBlack int) {
	whiteScore, blackScore := ScoreDraw, ScoreDraw
	switch winner {
	case engine.White:
		whiteScore, blackScore = ScoreWin, ScoreLoss
	case engine.Black:
		whiteScore, blackScore = ScoreLoss, ScoreWin
	}
	return NewRating(white, black, whiteScore), NewRating(black, white, blackScore)
}
