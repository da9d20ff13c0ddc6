package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/chessmatch/game/engine"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
)

// stubRules accepts any move except "bad". "mate" ends the game for the
// side that played it, "draw" ends it drawn.
type stubRules struct {
	calls atomic.Int32
}

func (r *stubRules) NewGame(ctx context.Context) (string, engine.Color, error) {
	return "b0", engine.White, nil
}

func (r *stubRules) Apply(ctx context.Context, board, move string) (*engine.Result, error) {
	r.calls.Add(1)
	if move == "bad" {
		return nil, fmt.Errorf("%w: %s", engine.ErrIllegalMove, move)
	}
	res := &engine.Result{Board: board + "|" + move}
	switch move {
	case "mate":
		res.Terminal = true
		res.Winner = engine.White
		res.Method = engine.MethodCheckmate
	case "draw":
		res.Terminal = true
		res.Method = engine.MethodStalemate
	}
	return res, nil
}

// conflictStore fails the first n CompareAndSwap calls with a version conflict.
type conflictStore struct {
	session.Store
	failures atomic.Int32
	swaps    atomic.Int32
}

func (s *conflictStore) CompareAndSwap(ctx context.Context, next *session.Session, expected int64) error {
	s.swaps.Add(1)
	if s.failures.Add(-1) >= 0 {
		return session.ErrVersionConflict
	}
	return s.Store.CompareAndSwap(ctx, next, expected)
}

type recordingNotifier struct {
	mu       sync.Mutex
	versions []int64
}

func (n *recordingNotifier) Publish(ctx context.Context, s *session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.versions = append(n.versions, s.Version)
}

type countingFinalizer struct {
	calls atomic.Int32
	err   error
	last  atomic.Pointer[session.Session]
}

func (f *countingFinalizer) Finalize(ctx context.Context, s *session.Session) error {
	f.calls.Add(1)
	f.last.Store(s)
	return f.err
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []*session.Session
}

func (r *recordingScheduler) Schedule(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, s)
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scheduled)
}

func newCoordinator(store session.Store, opts ...service.Option) *service.Coordinator {
	opts = append([]service.Option{service.WithLogger(zerolog.Nop())}, opts...)
	return service.NewCoordinator(store, &stubRules{}, opts...)
}

func activeMatch(t *testing.T, c *service.Coordinator) *session.Session {
	t.Helper()
	ctx := context.Background()
	s, err := c.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)
	_, err = c.JoinSession(ctx, s.ID, "alice")
	require.NoError(t, err)
	s, err = c.JoinSession(ctx, s.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, s.Status)
	return s
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(session.NewMemoryStore())

	tests := []struct {
		mode  session.Mode
		white string
		black string
	}{
		{session.ModePvP, "", ""},
		{"", "", ""},
		{session.ModeBot, "", session.AutomationSeat},
		{session.ModeBotWhite, session.AutomationSeat, ""},
	}
	for _, tt := range tests {
		s, err := c.CreateSession(ctx, tt.mode)
		require.NoError(t, err)
		assert.Len(t, s.ID, 8)
		assert.Equal(t, session.StatusWaiting, s.Status)
		assert.Equal(t, "b0", s.Board)
		assert.Equal(t, engine.White, s.Turn)
		assert.Equal(t, int64(1), s.Version)
		assert.Equal(t, tt.white, s.White)
		assert.Equal(t, tt.black, s.Black)
		assert.WithinDuration(t, time.Now().Add(service.DefaultTTL), s.ExpiresAt, time.Minute)
	}

	_, err := c.CreateSession(ctx, "chaos")
	assert.ErrorIs(t, err, service.ErrInvalidState)
}

func TestCreateSession_RetriesIDCollision(t *testing.T) {
	ctx := context.Background()
	ids := []string{"dup00000", "dup00000", "fresh000"}
	var n int
	c := newCoordinator(session.NewMemoryStore(), service.WithIDGenerator(func() string {
		id := ids[n]
		n++
		return id
	}))

	first, err := c.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)
	second, err := c.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)

	assert.Equal(t, "dup00000", first.ID)
	assert.Equal(t, "fresh000", second.ID)
}

func TestJoinSession(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(session.NewMemoryStore())
	s, err := c.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)

	s, err = c.JoinSession(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.White)
	assert.Equal(t, session.StatusWaiting, s.Status)
	assert.Equal(t, int64(2), s.Version)

	again, err := c.JoinSession(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, s.Version, again.Version, "rejoin is a no-op")

	s, err = c.JoinSession(ctx, s.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", s.Black)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, int64(3), s.Version)

	_, err = c.JoinSession(ctx, s.ID, "carol")
	assert.ErrorIs(t, err, service.ErrNotJoinable)

	_, err = c.JoinSession(ctx, s.ID, session.AutomationSeat)
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = c.JoinSession(ctx, s.ID, "  ")
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	_, err = c.JoinSession(ctx, "nope", "carol")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestJoinSession_ConcurrentJoinsFillDistinctSeats(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(session.NewMemoryStore(), service.WithMaxAttempts(10))
	s, err := c.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, who := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			_, err := c.JoinSession(ctx, s.ID, who)
			assert.NoError(t, err)
		}(who)
	}
	wg.Wait()

	got, err := c.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.ElementsMatch(t, []string{"alice", "bob"}, []string{got.White, got.Black})
	assert.Equal(t, int64(3), got.Version)
}

func TestApplyMove_Rejections(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(session.NewMemoryStore())

	waiting, err := c.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)
	_, err = c.ApplyMove(ctx, waiting.ID, "alice", "e2e4")
	assert.ErrorIs(t, err, service.ErrNotActive)

	s := activeMatch(t, c)

	_, err = c.ApplyMove(ctx, s.ID, "bob", "e7e5")
	assert.ErrorIs(t, err, service.ErrNotYourTurn)
	assert.Equal(t, service.KindUnauthorized, service.KindOf(err))

	_, err = c.ApplyMove(ctx, s.ID, "mallory", "e2e4")
	assert.ErrorIs(t, err, service.ErrNotAPlayer)

	_, err = c.ApplyMove(ctx, s.ID, "alice", "bad")
	assert.ErrorIs(t, err, service.ErrIllegalMove)
	assert.ErrorIs(t, err, engine.ErrIllegalMove)

	_, err = c.ApplyMove(ctx, "missing", "alice", "e2e4")
	assert.ErrorIs(t, err, service.ErrNotFound)

	got, err := c.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Version, got.Version, "rejected moves leave the session unchanged")
	assert.Equal(t, s.Board, got.Board)
}

func TestApplyMove_Accepted(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	c := newCoordinator(session.NewMemoryStore(), service.WithNotifier(notifier))
	s := activeMatch(t, c)

	after, err := c.ApplyMove(ctx, s.ID, "alice", "e2e4")
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, after.Version)
	assert.Equal(t, engine.Black, after.Turn)
	assert.Equal(t, "b0|e2e4", after.Board)
	assert.Equal(t, 1, after.MoveCount)
	assert.Equal(t, "e2e4", after.LastMove)

	after, err = c.ApplyMove(ctx, s.ID, "bob", "e7e5")
	require.NoError(t, err)
	assert.Equal(t, engine.White, after.Turn)

	assert.Equal(t, []int64{2, 3, 4, 5}, notifier.versions)
}

func TestApplyMove_ConcurrentMovesAcceptOne(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(session.NewMemoryStore())
	s := activeMatch(t, c)

	var accepted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.ApplyMove(ctx, s.ID, "alice", fmt.Sprintf("m%d", i))
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, service.ErrNotYourTurn), errors.Is(err, service.ErrConflict):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(15), rejected.Load())

	got, err := c.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, got.Version)
	assert.Equal(t, 1, got.MoveCount)
}

func TestApplyMove_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{Store: session.NewMemoryStore()}
	c := newCoordinator(store)
	s := activeMatch(t, c)

	store.swaps.Store(0)
	store.failures.Store(2)
	after, err := c.ApplyMove(ctx, s.ID, "alice", "e2e4")
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, after.Version)
	assert.Equal(t, int32(3), store.swaps.Load())
}

func TestApplyMove_ConflictAfterBoundedAttempts(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{Store: session.NewMemoryStore()}
	c := newCoordinator(store)
	s := activeMatch(t, c)

	store.swaps.Store(0)
	store.failures.Store(100)
	_, err := c.ApplyMove(ctx, s.ID, "alice", "e2e4")
	assert.ErrorIs(t, err, service.ErrConflict)
	assert.Equal(t, int32(service.DefaultMaxAttempts), store.swaps.Load())
}

func TestApplyMove_CompletionFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	finalizer := &countingFinalizer{}
	c := newCoordinator(session.NewMemoryStore(), service.WithFinalizer(finalizer))
	s := activeMatch(t, c)

	done, err := c.ApplyMove(ctx, s.ID, "alice", "mate")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, done.Status)
	require.NotNil(t, done.Outcome)
	assert.Equal(t, engine.White, done.Outcome.Winner)
	assert.False(t, done.Outcome.Draw)
	assert.Equal(t, int32(1), finalizer.calls.Load())
	assert.Equal(t, done.Version, finalizer.last.Load().Version)

	_, err = c.ApplyMove(ctx, s.ID, "bob", "e7e5")
	assert.ErrorIs(t, err, service.ErrNotActive)

	again, err := c.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Board, again.Board)
	assert.Equal(t, done.Outcome, again.Outcome)
	assert.Equal(t, int32(1), finalizer.calls.Load())
}

func TestApplyMove_RacingTerminalMovesFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	finalizer := &countingFinalizer{}
	c := newCoordinator(session.NewMemoryStore(), service.WithFinalizer(finalizer))
	s := activeMatch(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.ApplyMove(ctx, s.ID, "alice", "mate")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), finalizer.calls.Load())
}

func TestApplyMove_FinalizerErrorDoesNotFailMove(t *testing.T) {
	ctx := context.Background()
	finalizer := &countingFinalizer{err: errors.New("profile store down")}
	c := newCoordinator(session.NewMemoryStore(), service.WithFinalizer(finalizer))
	s := activeMatch(t, c)

	done, err := c.ApplyMove(ctx, s.ID, "alice", "draw")
	require.NoError(t, err)
	assert.True(t, done.Outcome.Draw)
	assert.Equal(t, int32(1), finalizer.calls.Load())
}

func TestApplyMove_SchedulesAutomationTurn(t *testing.T) {
	ctx := context.Background()
	turns := &recordingScheduler{}
	c := newCoordinator(session.NewMemoryStore(), service.WithTurnScheduler(turns))

	s, err := c.CreateSession(ctx, session.ModeBot)
	require.NoError(t, err)
	s, err = c.JoinSession(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.Status)
	assert.Equal(t, 0, turns.count(), "human moves first")

	_, err = c.ApplyMove(ctx, s.ID, "alice", "e2e4")
	require.NoError(t, err)
	require.Equal(t, 1, turns.count())
	assert.Equal(t, engine.Black, turns.scheduled[0].Turn)

	after, err := c.ApplyMove(ctx, s.ID, session.AutomationSeat, "e7e5")
	require.NoError(t, err)
	assert.Equal(t, engine.White, after.Turn)
	assert.Equal(t, 1, turns.count())
}

func TestJoinSession_SchedulesWhenBotOpens(t *testing.T) {
	ctx := context.Background()
	turns := &recordingScheduler{}
	c := newCoordinator(session.NewMemoryStore(), service.WithTurnScheduler(turns))

	s, err := c.CreateSession(ctx, session.ModeBotWhite)
	require.NoError(t, err)
	_, err = c.JoinSession(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, turns.count())
}

func TestGetSession_ExpiredReadsAsNotFound(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	c := newCoordinator(session.NewMemoryStore(), service.WithClock(clock), service.WithTTL(time.Minute))

	s, err := c.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestError_Matching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &service.Error{Kind: service.KindUnauthorized, Reason: service.ReasonNotYourTurn, SessionID: "ab"})

	assert.ErrorIs(t, err, service.ErrUnauthorized)
	assert.ErrorIs(t, err, service.ErrNotYourTurn)
	assert.NotErrorIs(t, err, service.ErrNotAPlayer)
	assert.Equal(t, service.ReasonNotYourTurn, service.ReasonOf(err))
	assert.Contains(t, err.Error(), "session ab: unauthorized (not_your_turn)")
	assert.Equal(t, service.Kind(""), service.KindOf(errors.New("plain")))
}
