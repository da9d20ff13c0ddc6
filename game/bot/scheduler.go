// Package bot plays the automation seat. Each time the coordinator leaves a
// session waiting on the bot, a one-time job fires after a short think
// delay, re-reads the session and submits one move through the same
// ApplyMove path human players use.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wricardo/chessmatch/game/engine"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
	"github.com/wricardo/chessmatch/metrics"
)

// DefaultDelay is the simulated think time.
const DefaultDelay = time.Second

const playTimeout = 10 * time.Second

// Scheduler defers bot moves onto a gocron scheduler.
type Scheduler struct {
	cron     gocron.Scheduler
	supplier engine.MoveSupplier
	delay    time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	matches service.MatchService
	pending map[string]int64 // session id -> version the job was scheduled for
	closed  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDelay sets the think time. Zero runs jobs immediately.
func WithDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.delay = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates and starts a scheduler. Attach must be called before
// the first job fires.
func NewScheduler(supplier engine.MoveSupplier, opts ...Option) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create bot scheduler: %w", err)
	}

	s := &Scheduler{
		cron:     cron,
		supplier: supplier,
		delay:    DefaultDelay,
		logger:   log.Logger,
		pending:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}

	cron.Start()
	return s, nil
}

// Attach sets the service moves are submitted to. The coordinator and the
// scheduler reference each other, so this breaks the construction cycle.
func (s *Scheduler) Attach(matches service.MatchService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = matches
}

// Schedule queues one bot move for sess if the bot is to move. A second
// call for the same session version is ignored.
func (s *Scheduler) Schedule(sess *session.Session) {
	if sess == nil || !sess.AutomationToMove() {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if v, ok := s.pending[sess.ID]; ok && v >= sess.Version {
		s.mu.Unlock()
		return
	}
	s.pending[sess.ID] = sess.Version
	s.mu.Unlock()

	id, version := sess.ID, sess.Version
	start := gocron.OneTimeJobStartImmediately()
	if s.delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(s.delay))
	}

	_, err := s.cron.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(s.play, id, version),
		gocron.WithName("bot:"+id),
	)
	if err != nil {
		s.clear(id, version)
		metrics.BotMoves.WithLabelValues("schedule_failed").Inc()
		s.logger.Error().Err(err).Str("session_id", id).Msg("failed to schedule bot move")
		return
	}

	s.logger.Debug().Str("session_id", id).Int64("version", version).Dur("delay", s.delay).Msg("bot move scheduled")
}

// play re-validates the session and submits one move. Sessions that ended,
// expired or moved on in the meantime are skipped silently.
func (s *Scheduler) play(id string, version int64) {
	defer s.clear(id, version)

	s.mu.Lock()
	matches := s.matches
	s.mu.Unlock()
	if matches == nil {
		s.logger.Warn().Str("session_id", id).Msg("bot scheduler has no match service attached")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
	defer cancel()

	current, err := matches.GetSession(ctx, id)
	if err != nil {
		metrics.BotMoves.WithLabelValues("skipped").Inc()
		s.logger.Debug().Err(err).Str("session_id", id).Msg("bot move skipped, session unavailable")
		return
	}
	if !current.AutomationToMove() {
		metrics.BotMoves.WithLabelValues("skipped").Inc()
		return
	}

	move, err := s.supplier.NextMove(ctx, current.Board)
	if err != nil {
		metrics.BotMoves.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("session_id", id).Msg("bot could not pick a move")
		return
	}

	_, err = matches.ApplyMove(ctx, id, session.AutomationSeat, move)
	switch {
	case err == nil:
		metrics.BotMoves.WithLabelValues("applied").Inc()
		s.logger.Info().Str("session_id", id).Str("move", move).Msg("bot moved")
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrNotActive),
		errors.Is(err, service.ErrNotYourTurn), errors.Is(err, service.ErrConflict):
		// a concurrent path got there first
		metrics.BotMoves.WithLabelValues("skipped").Inc()
		s.logger.Debug().Err(err).Str("session_id", id).Msg("bot move discarded")
	default:
		metrics.BotMoves.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("session_id", id).Str("move", move).Msg("bot move rejected")
	}
}

func (s *Scheduler) clear(id string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id] == version {
		delete(s.pending, id)
	}
}

// Pending returns the number of queued bot moves.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.cron.Shutdown()
}
