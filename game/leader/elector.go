package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wricardo/chessmatch/metrics"
)

// ErrLeadershipLost is the cause of the runner context when a renew fails.
var ErrLeadershipLost = errors.New("leadership lost")

// State of a replica in the election.
type State string

const (
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
	StateReleased  State = "released"
	StateExpired   State = "expired"
)

const (
	DefaultKey             = "chessmatch:leader"
	DefaultTTL             = 15 * time.Second
	DefaultRenewInterval   = 5 * time.Second
	DefaultAcquireInterval = 2 * time.Second

	releaseTimeout = 5 * time.Second

	// a renew must return with a tenth of the ttl still left on the lease
	renewMarginDivisor = 10
)

// Runner is the leader-only side effect. It must return once ctx is done.
type Runner func(ctx context.Context) error

// Config holds election timings.
type Config struct {
	Key             string
	TTL             time.Duration
	RenewInterval   time.Duration
	AcquireInterval time.Duration
	// HolderID identifies this replica. A random uuid is used when empty.
	HolderID string
}

func (c *Config) applyDefaults() {
	if c.Key == "" {
		c.Key = DefaultKey
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	if c.AcquireInterval <= 0 {
		c.AcquireInterval = DefaultAcquireInterval
	}
	if c.HolderID == "" {
		c.HolderID = uuid.NewString()
	}
}

// Validate checks the lease timings.
func (c *Config) Validate() error {
	if c.RenewInterval >= c.TTL {
		return fmt.Errorf("renew interval %s must be shorter than ttl %s", c.RenewInterval, c.TTL)
	}
	return nil
}

// Elector runs the candidate/leader loop for one replica. While leader it
// runs the Runner under a context that is cancelled the moment a renew
// fails, so the side effect never outlives the lease this replica observed.
type Elector struct {
	store  LockStore
	cfg    Config
	run    Runner
	logger zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewElector creates an elector. Call Run to participate.
func NewElector(store LockStore, cfg Config, run Runner, logger zerolog.Logger) (*Elector, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Elector{
		store:  store,
		cfg:    cfg,
		run:    run,
		logger: logger.With().Str("holder_id", cfg.HolderID).Logger(),
		state:  StateCandidate,
	}, nil
}

// NewDefaultElector uses the global logger.
func NewDefaultElector(store LockStore, cfg Config, run Runner) (*Elector, error) {
	return NewElector(store, cfg, run, log.Logger)
}

// HolderID returns this replica's lock identity.
func (e *Elector) HolderID() string { return e.cfg.HolderID }

// State returns the current state.
func (e *Elector) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Elector) IsLeader() bool { return e.State() == StateLeader }

func (e *Elector) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	if prev == s {
		return
	}
	if s == StateLeader {
		metrics.IsLeader.Set(1)
	} else if prev == StateLeader {
		metrics.IsLeader.Set(0)
	}
	metrics.LeadershipTransitions.WithLabelValues(string(s)).Inc()
	e.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("leadership state changed")
}

// Run campaigns until ctx is done. On return the lock has been released if
// this replica held it.
func (e *Elector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.AcquireInterval)
	defer ticker.Stop()

	for {
		if e.State() == StateExpired {
			e.setState(StateCandidate)
		}

		attempt := time.Now()
		acquired, err := e.store.Acquire(ctx, e.cfg.Key, e.cfg.HolderID, e.cfg.TTL)
		switch {
		case err != nil && ctx.Err() == nil:
			e.logger.Warn().Err(err).Msg("leader lock acquire failed")
		case acquired:
			e.lead(ctx, attempt)
			if ctx.Err() != nil {
				return nil
			}
			// lost the lease; campaign again on the next tick
		}

		select {
		case <-ctx.Done():
			e.setState(StateReleased)
			return nil
		case <-ticker.C:
		}
	}
}

// lead runs the runner until ctx ends or a renew fails. acquiredAt is when
// the winning acquire was sent, the earliest the lease could have started.
func (e *Elector) lead(ctx context.Context, acquiredAt time.Time) {
	e.setState(StateLeader)

	leaderCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan error, 1)
	go func() {
		done <- e.run(leaderCtx)
	}()

	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	lastRenew := acquiredAt
	runnerDone := false
	for !runnerDone {
		select {
		case <-ctx.Done():
			cancel(context.Canceled)
			<-done
			e.release()
			e.setState(StateReleased)
			return

		case err := <-done:
			runnerDone = true
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error().Err(err).Msg("leader runner exited")
			}

		case <-ticker.C:
			renewed, err := e.renew(ctx, lastRenew)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				e.logger.Error().Err(err).Msg("leader lock renew failed, stepping down")
				cancel(ErrLeadershipLost)
				<-done
				e.setState(StateExpired)
				return
			}
			lastRenew = renewed
			e.logger.Debug().Msg("leader lock renewed")
		}
	}

	// runner returned on its own; keep the lease until shutdown so the
	// stream is not picked up by another replica mid-cycle
	for {
		select {
		case <-ctx.Done():
			e.release()
			e.setState(StateReleased)
			return
		case <-ticker.C:
			renewed, err := e.renew(ctx, lastRenew)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				e.logger.Error().Err(err).Msg("leader lock renew failed, stepping down")
				e.setState(StateExpired)
				return
			}
			lastRenew = renewed
		}
	}
}

// renew extends the lease. The call must finish before the lease taken at
// lastRenew runs out, less a margin; a renew still pending at that point
// fails with context.DeadlineExceeded. On success it returns the time the
// request was sent.
func (e *Elector) renew(ctx context.Context, lastRenew time.Time) (time.Time, error) {
	sent := time.Now()
	renewCtx, cancel := context.WithDeadline(ctx, lastRenew.Add(e.cfg.TTL-e.cfg.TTL/renewMarginDivisor))
	defer cancel()

	if err := e.store.Renew(renewCtx, e.cfg.Key, e.cfg.HolderID, e.cfg.TTL); err != nil {
		return lastRenew, err
	}
	return sent, nil
}

func (e *Elector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := e.store.Release(ctx, e.cfg.Key, e.cfg.HolderID); err != nil {
		e.logger.Warn().Err(err).Msg("leader lock release failed")
		return
	}
	e.logger.Info().Msg("leader lock released")
}
