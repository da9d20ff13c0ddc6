package service

import (
	"context"

	"github.com/wricardo/chessmatch/game/session"
)

// MatchService is the coordinator contract used by the transports.
type MatchService interface {
	CreateSession(ctx context.Context, mode session.Mode) (*session.Session, error)
	JoinSession(ctx context.Context, id, identity string) (*session.Session, error)
	ApplyMove(ctx context.Context, id, identity, move string) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
}

// Notifier receives every committed session state, in commit order per room.
type Notifier interface {
	Publish(ctx context.Context, s *session.Session)
}

// Finalizer is invoked once by the call that commits the transition to
// completed. Implementations must be idempotent per session id.
type Finalizer interface {
	Finalize(ctx context.Context, s *session.Session) error
}

// TurnScheduler is told about sessions where the automation seat moves next.
type TurnScheduler interface {
	Schedule(s *session.Session)
}
