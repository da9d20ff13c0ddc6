package session

import (
	"context"
	"errors"
	"time"

	"github.com/wricardo/chessmatch/game/engine"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrVersionConflict = errors.New("session version conflict")
)

// AutomationSeat is the reserved seat occupant meaning "played by the bot".
const AutomationSeat = "__bot__"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Mode decides which seats are pre-assigned at creation.
type Mode string

const (
	ModePvP      Mode = "pvp"
	ModeBot      Mode = "bot"
	ModeBotWhite Mode = "bot_white"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePvP, ModeBot, ModeBotWhite:
		return true
	}
	return false
}

// Outcome is set once, when the session completes.
type Outcome struct {
	Winner engine.Color `json:"winner,omitempty"`
	Draw   bool         `json:"draw"`
	Method string       `json:"method"`
}

// Session is the state of one live match.
type Session struct {
	ID           string       `json:"id"`
	Mode         Mode         `json:"mode"`
	Board        string       `json:"board"`
	White        string       `json:"white,omitempty"`
	Black        string       `json:"black,omitempty"`
	Turn         engine.Color `json:"turn"`
	Status       Status       `json:"status"`
	Outcome      *Outcome     `json:"outcome,omitempty"`
	Version      int64        `json:"version"`
	MoveCount    int          `json:"move_count"`
	LastMove     string       `json:"last_move,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActiveAt time.Time    `json:"last_active_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// SeatOf returns the color identity plays, or NoColor.
func (s *Session) SeatOf(identity string) engine.Color {
	switch {
	case identity == "":
		return engine.NoColor
	case s.White == identity:
		return engine.White
	case s.Black == identity:
		return engine.Black
	}
	return engine.NoColor
}

// Occupant returns who sits in the given seat.
func (s *Session) Occupant(c engine.Color) string {
	switch c {
	case engine.White:
		return s.White
	case engine.Black:
		return s.Black
	}
	return ""
}

// Full reports whether both seats are claimed.
func (s *Session) Full() bool {
	return s.White != "" && s.Black != ""
}

// HasAutomation reports whether the bot occupies a seat.
func (s *Session) HasAutomation() bool {
	return s.White == AutomationSeat || s.Black == AutomationSeat
}

// AutomationToMove reports whether an active session waits on the bot.
func (s *Session) AutomationToMove() bool {
	return s.Status == StatusActive && s.Occupant(s.Turn) == AutomationSeat
}

// IsExpired reports whether the TTL horizon has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Outcome != nil {
		o := *s.Outcome
		c.Outcome = &o
	}
	return &c
}

// Store persists sessions with optimistic concurrency.
//
// CompareAndSwap writes s only if the stored version still equals
// expectedVersion, otherwise it returns ErrVersionConflict. Implementations
// expire entries at s.ExpiresAt.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	CompareAndSwap(ctx context.Context, s *Session, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
}
