package rating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wricardo/chessmatch/game/engine"
	"github.com/wricardo/chessmatch/game/profile"
	"github.com/wricardo/chessmatch/game/session"
	"github.com/wricardo/chessmatch/metrics"
)

const (
	defaultMaxRetries      = 5
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
)

// Finalizer turns a completed session into rating updates and a history
// record. The profile store's per-session marker makes it safe to call
// more than once.
type Finalizer struct {
	profiles        profile.Store
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          zerolog.Logger
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*Finalizer)

// WithRetries sets the retry budget and backoff bounds for profile writes.
func WithRetries(maxRetries uint64, initial, max time.Duration) FinalizerOption {
	return func(f *Finalizer) {
		f.maxRetries = maxRetries
		f.initialInterval = initial
		f.maxInterval = max
	}
}

// WithFinalizerLogger sets the logger.
func WithFinalizerLogger(l zerolog.Logger) FinalizerOption {
	return func(f *Finalizer) { f.logger = l }
}

// NewFinalizer creates a finalizer over the profile store.
func NewFinalizer(profiles profile.Store, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		profiles:        profiles,
		maxRetries:      defaultMaxRetries,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		logger:          log.Logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Ratable reports whether a completed session affects ratings: both seats
// must be claimed by humans.
func Ratable(s *session.Session) bool {
	if s.White == "" || s.Black == "" {
		return false
	}
	return !s.HasAutomation()
}

// Finalize settles s. It returns nil when the session is not ratable or was
// already settled, and an error only when every retry failed.
func (f *Finalizer) Finalize(ctx context.Context, s *session.Session) error {
	if s.Status != session.StatusCompleted || s.Outcome == nil {
		return fmt.Errorf("finalize session %s: status %s is not completed", s.ID, s.Status)
	}
	if !Ratable(s) {
		metrics.Finalizations.WithLabelValues("skipped").Inc()
		f.logger.Debug().Str("session_id", s.ID).Msg("finalization skipped, match is not rated")
		return nil
	}

	// the profile write must outlive the request that completed the match
	ctx = context.WithoutCancel(ctx)

	if done, err := f.profiles.Finalized(ctx, s.ID); err == nil && done {
		metrics.Finalizations.WithLabelValues("duplicate").Inc()
		return nil
	}

	var rec *profile.MatchRecord
	operation := func() error {
		var err error
		rec, err = f.profiles.Settle(ctx, s.ID, s.White, s.Black, settlement(s))
		if errors.Is(err, profile.ErrAlreadyFinalized) || errors.Is(err, profile.ErrInvalidSettlement) {
			return backoff.Permanent(err)
		}
		return err
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(f.initialInterval),
				backoff.WithMaxInterval(f.maxInterval),
			),
			f.maxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		f.logger.Warn().Err(err).Str("session_id", s.ID).Dur("next_attempt", d).Msg("retrying finalization")
	})
	if errors.Is(err, profile.ErrAlreadyFinalized) {
		metrics.Finalizations.WithLabelValues("duplicate").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", s.ID, err)
	}

	metrics.Finalizations.WithLabelValues("applied").Inc()
	f.logger.Info().
		Str("session_id", s.ID).
		Str("winner", rec.Winner).
		Int("white_rating", rec.WhiteRatingAfter).
		Int("black_rating", rec.BlackRatingAfter).
		Msg("match finalized")
	return nil
}

func settlement(s *session.Session) profile.SettleFunc {
	return func(white, black *profile.Profile) *profile.MatchRecord {
		newWhite, newBlack := Compute(white.Rating, black.Rating, s.Outcome.Winner)

		winner := profile.WinnerNone
		switch s.Outcome.Winner {
		case engine.White:
			winner = profile.WinnerWhite
		case engine.Black:
			winner = profile.WinnerBlack
		}

		return &profile.MatchRecord{
			SessionID:         s.ID,
			WhiteID:           s.White,
			BlackID:           s.Black,
			Winner:            winner,
			Method:            s.Outcome.Method,
			WhiteRatingBefore: white.Rating,
			WhiteRatingAfter:  newWhite,
			BlackRatingBefore: black.Rating,
			BlackRatingAfter:  newBlack,
			Moves:             s.MoveCount,
			DurationSeconds:   int64(s.LastActiveAt.Sub(s.CreatedAt).Seconds()),
			FinalBoard:        s.Board,
			StartedAt:         s.CreatedAt,
			EndedAt:           s.LastActiveAt,
		}
	}
}
