package profile

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProfileNotFound   = errors.New("profile not found")
	ErrAlreadyFinalized  = errors.New("match already finalized")
	ErrInvalidSettlement = errors.New("invalid settlement")
)

// DefaultRating is assigned to a player the first time they are seen.
const DefaultRating = 1000

// DefaultRecentLimit bounds RecentMatches when the caller passes zero.
const DefaultRecentLimit = 10

// Winner values stored on a MatchRecord.
const (
	WinnerWhite = "white"
	WinnerBlack = "black"
	WinnerNone  = ""
)

// Profile is a player's cumulative rating record.
type Profile struct {
	ID        string    `json:"id"`
	Rating    int       `json:"rating"`
	Games     int       `json:"games"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	Draws     int       `json:"draws"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProfile returns the default record for id.
func NewProfile(id string) *Profile {
	return &Profile{ID: id, Rating: DefaultRating}
}

// MatchRecord is the immutable history row written when a match is
// finalized. SessionID doubles as the finalization marker.
type MatchRecord struct {
	SessionID         string    `json:"session_id"`
	WhiteID           string    `json:"white_id"`
	BlackID           string    `json:"black_id"`
	Winner            string    `json:"winner"`
	Method            string    `json:"method"`
	WhiteRatingBefore int       `json:"white_rating_before"`
	WhiteRatingAfter  int       `json:"white_rating_after"`
	BlackRatingBefore int       `json:"black_rating_before"`
	BlackRatingAfter  int       `json:"black_rating_after"`
	Moves             int       `json:"moves"`
	DurationSeconds   int64     `json:"duration_seconds"`
	FinalBoard        string    `json:"final_board"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
}

// SettleFunc computes the history record from both profiles as they were
// read inside the same atomic unit.
type SettleFunc func(white, black *Profile) *MatchRecord

// Store is the durable profile store.
//
// Settle applies a finished match at most once per session id: it fails
// with ErrAlreadyFinalized when a record for sessionID exists, otherwise it
// atomically updates both profiles and writes the record.
type Store interface {
	Get(ctx context.Context, id string) (*Profile, error)
	Settle(ctx context.Context, sessionID, whiteID, blackID string, fn SettleFunc) (*MatchRecord, error)
	Finalized(ctx context.Context, sessionID string) (bool, error)
	RecentMatches(ctx context.Context, playerID string, limit int) ([]*MatchRecord, error)
}

// apply updates the counters and ratings of both profiles from rec.
func apply(rec *MatchRecord, white, black *Profile, now time.Time) error {
	if rec == nil || rec.WhiteID != white.ID || rec.BlackID != black.ID {
		return ErrInvalidSettlement
	}
	switch rec.Winner {
	case WinnerWhite, WinnerBlack, WinnerNone:
	default:
		return ErrInvalidSettlement
	}

	white.Rating = rec.WhiteRatingAfter
	black.Rating = rec.BlackRatingAfter
	white.Games++
	black.Games++

	switch rec.Winner {
	case WinnerWhite:
		white.Wins++
		black.Losses++
	case WinnerBlack:
		black.Wins++
		white.Losses++
	default:
		white.Draws++
		black.Draws++
	}

	white.UpdatedAt = now
	black.UpdatedAt = now
	return nil
}
