package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wricardo/chessmatch/game/engine"
	"github.com/wricardo/chessmatch/game/session"
	"github.com/wricardo/chessmatch/metrics"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultMaxAttempts = 3

	idLength       = 8
	maxIDAttempts  = 5
	finalizeFailed = "failed"
)

// Coordinator owns the session state machine. It never locks a session;
// every mutation is a version-guarded CompareAndSwap retried a bounded
// number of times.
type Coordinator struct {
	store       session.Store
	rules       engine.RulesEngine
	notifier    Notifier
	finalizer   Finalizer
	turns       TurnScheduler
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	newID       func() string
	logger      zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets where committed states are published.
func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithFinalizer sets the rating finalizer run for completed matches.
func WithFinalizer(f Finalizer) Option { return func(c *Coordinator) { c.finalizer = f } }

// WithTurnScheduler sets the scheduler told about automation turns.
func WithTurnScheduler(t TurnScheduler) Option { return func(c *Coordinator) { c.turns = t } }

// WithTTL sets how long an untouched session is kept.
func WithTTL(ttl time.Duration) Option { return func(c *Coordinator) { c.ttl = ttl } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(f func() string) Option { return func(c *Coordinator) { c.newID = f } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMaxAttempts bounds the optimistic retry loop. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n >= 1 {
			c.maxAttempts = n
		}
	}
}

// NewCoordinator creates a coordinator over the given store and rules engine.
func NewCoordinator(store session.Store, rules engine.RulesEngine, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		rules:       rules,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		newID:       generateSessionID,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// generateSessionID returns a short random id.
func generateSessionID() string {
	return uuid.NewString()[:idLength]
}

// CreateSession starts a new match in the waiting state.
func (c *Coordinator) CreateSession(ctx context.Context, mode session.Mode) (*session.Session, error) {
	if mode == "" {
		mode = session.ModePvP
	}
	if !mode.Valid() {
		return nil, newError(KindInvalidState, ReasonUnknownMode, "", nil)
	}

	board, turn, err := c.rules.NewGame(ctx)
	if err != nil {
		return nil, newError(KindUpstreamFailure, "", "", err)
	}

	now := c.now()
	s := &session.Session{
		Mode:         mode,
		Board:        board,
		Turn:         turn,
		Status:       session.StatusWaiting,
		Version:      1,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(c.ttl),
	}
	switch mode {
	case session.ModeBot:
		s.Black = session.AutomationSeat
	case session.ModeBotWhite:
		s.White = session.AutomationSeat
	}

	for i := 0; i < maxIDAttempts; i++ {
		s.ID = c.newID()
		err = c.store.Create(ctx, s)
		if errors.Is(err, session.ErrSessionExists) {
			continue
		}
		if err != nil {
			return nil, newError(KindUpstreamFailure, "", s.ID, err)
		}

		metrics.SessionsCreated.WithLabelValues(string(mode)).Inc()
		c.logger.Info().Str("session_id", s.ID).Str("mode", string(mode)).Msg("session created")
		return s.Clone(), nil
	}

	return nil, newError(KindConflict, "", "", errors.New("could not allocate a unique session id"))
}

// GetSession returns the current state of a session.
func (c *Coordinator) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return c.load(ctx, id)
}

// JoinSession seats identity in the first empty seat. Joining a seat one
// already holds returns the session unchanged.
func (c *Coordinator) JoinSession(ctx context.Context, id, identity string) (*session.Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || identity == session.AutomationSeat {
		metrics.Joins.WithLabelValues(string(KindUnauthorized)).Inc()
		return nil, newError(KindUnauthorized, ReasonInvalidIdentity, id, nil)
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		current, err := c.load(ctx, id)
		if err != nil {
			metrics.Joins.WithLabelValues(string(KindOf(err))).Inc()
			return nil, err
		}
		if current.SeatOf(identity) != engine.NoColor {
			return current, nil
		}
		if current.Status != session.StatusWaiting || current.Full() {
			metrics.Joins.WithLabelValues(string(KindInvalidState)).Inc()
			return nil, newError(KindInvalidState, ReasonNotJoinable, current.ID, nil)
		}

		next := current.Clone()
		if next.White == "" {
			next.White = identity
		} else {
			next.Black = identity
		}
		if next.Full() {
			next.Status = session.StatusActive
		}
		c.touch(next)

		err = c.store.CompareAndSwap(ctx, next, current.Version)
		if errors.Is(err, session.ErrVersionConflict) {
			metrics.MoveConflicts.Inc()
			c.logger.Debug().Str("session_id", id).Int("attempt", attempt).Msg("join conflict, retrying")
			continue
		}
		if err != nil {
			return nil, c.storeError(id, err)
		}

		metrics.Joins.WithLabelValues("accepted").Inc()
		c.logger.Info().
			Str("session_id", next.ID).
			Str("identity", identity).
			Str("seat", string(next.SeatOf(identity))).
			Str("status", string(next.Status)).
			Int64("version", next.Version).
			Msg("player joined")

		c.afterCommit(ctx, next)
		return next.Clone(), nil
	}

	metrics.Joins.WithLabelValues(string(KindConflict)).Inc()
	return nil, newError(KindConflict, "", id, nil)
}

// ApplyMove authorizes identity, asks the rules engine to play move and
// commits the result against the version it read. A lost race re-runs the
// whole sequence against fresh state.
func (c *Coordinator) ApplyMove(ctx context.Context, id, identity, move string) (*session.Session, error) {
	move = strings.TrimSpace(move)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		current, err := c.load(ctx, id)
		if err != nil {
			return nil, c.rejectMove(err)
		}
		if err := authorize(current, identity); err != nil {
			return nil, c.rejectMove(err)
		}

		res, err := c.rules.Apply(ctx, current.Board, move)
		if errors.Is(err, engine.ErrIllegalMove) {
			return nil, c.rejectMove(newError(KindIllegalMove, "", current.ID, err))
		}
		if err != nil {
			return nil, c.rejectMove(newError(KindUpstreamFailure, "", current.ID, err))
		}

		next := current.Clone()
		next.Board = res.Board
		next.Turn = current.Turn.Opposite()
		next.MoveCount++
		next.LastMove = move
		if res.Terminal {
			next.Status = session.StatusCompleted
			next.Outcome = &session.Outcome{
				Winner: res.Winner,
				Draw:   res.Winner == engine.NoColor,
				Method: res.Method,
			}
		}
		c.touch(next)

		err = c.store.CompareAndSwap(ctx, next, current.Version)
		if errors.Is(err, session.ErrVersionConflict) {
			metrics.MoveConflicts.Inc()
			c.logger.Debug().Str("session_id", id).Int("attempt", attempt).Msg("move conflict, retrying")
			continue
		}
		if err != nil {
			return nil, c.rejectMove(c.storeError(id, err))
		}

		metrics.Moves.WithLabelValues("accepted").Inc()
		c.logger.Info().
			Str("session_id", next.ID).
			Str("identity", identity).
			Str("move", move).
			Int64("version", next.Version).
			Str("status", string(next.Status)).
			Msg("move accepted")

		c.afterCommit(ctx, next)
		return next.Clone(), nil
	}

	return nil, c.rejectMove(newError(KindConflict, "", id, nil))
}

func authorize(s *session.Session, identity string) error {
	if s.Status != session.StatusActive {
		return newError(KindInvalidState, ReasonNotActive, s.ID, nil)
	}
	seat := s.SeatOf(identity)
	if seat == engine.NoColor {
		return newError(KindUnauthorized, ReasonNotAPlayer, s.ID, nil)
	}
	if seat != s.Turn {
		return newError(KindUnauthorized, ReasonNotYourTurn, s.ID, nil)
	}
	return nil
}

func (c *Coordinator) touch(s *session.Session) {
	now := c.now()
	s.Version++
	s.LastActiveAt = now
	s.ExpiresAt = now.Add(c.ttl)
}

// afterCommit runs the side effects of a committed write. Only the caller
// whose CompareAndSwap succeeded gets here, so a completed transition
// reaches the finalizer once per process.
func (c *Coordinator) afterCommit(ctx context.Context, s *session.Session) {
	if c.notifier != nil {
		c.notifier.Publish(ctx, s.Clone())
	}

	switch {
	case s.Status == session.StatusCompleted && c.finalizer != nil:
		if err := c.finalizer.Finalize(ctx, s.Clone()); err != nil {
			metrics.Finalizations.WithLabelValues(finalizeFailed).Inc()
			c.logger.Error().Err(err).Str("session_id", s.ID).Msg("finalization failed, operator action required")
		}
	case s.AutomationToMove() && c.turns != nil:
		c.turns.Schedule(s.Clone())
	}
}

func (c *Coordinator) load(ctx context.Context, id string) (*session.Session, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, c.storeError(id, err)
	}
	if s.IsExpired(c.now()) {
		return nil, newError(KindNotFound, "", id, session.ErrSessionNotFound)
	}
	return s, nil
}

func (c *Coordinator) storeError(id string, err error) error {
	if errors.Is(err, session.ErrSessionNotFound) {
		return newError(KindNotFound, "", id, err)
	}
	return newError(KindUpstreamFailure, "", id, err)
}

func (c *Coordinator) rejectMove(err error) error {
	metrics.Moves.WithLabelValues(string(KindOf(err))).Inc()
	c.logger.Debug().Err(err).Msg("move rejected")
	return err
}
