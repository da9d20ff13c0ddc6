package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresConfig configures a PostgresStore.
type PostgresConfig struct {
	Pool PoolConfig

	// AutoMigrate applies embedded migrations on open.
	AutoMigrate bool
}

// PostgresStore is the durable Store. Settle runs as one transaction: the
// match_history primary key is the finalization marker, so profile updates
// and the marker commit or roll back together.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore opens a pool and optionally migrates the schema.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres config is required")
	}

	pool, err := NewPool(ctx, &cfg.Pool)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const profileColumns = `id, rating, games, wins, losses, draws, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	if err := row.Scan(&p.ID, &p.Rating, &p.Games, &p.Wins, &p.Losses, &p.Draws, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return p, nil
}

func (s *PostgresStore) Finalized(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM match_history WHERE session_id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, mapPostgresError(err)
	}
	return exists, nil
}

func (s *PostgresStore) Settle(ctx context.Context, sessionID, whiteID, blackID string, fn SettleFunc) (*MatchRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM match_history WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
		return nil, mapPostgresError(err)
	}
	if exists {
		return nil, ErrAlreadyFinalized
	}

	if _, err := tx.Exec(ctx, `INSERT INTO profiles (id) VALUES ($1), ($2) ON CONFLICT (id) DO NOTHING`, whiteID, blackID); err != nil {
		return nil, mapPostgresError(err)
	}

	// lock both rows in id order so concurrent settlements cannot deadlock
	rows, err := tx.Query(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1) ORDER BY id FOR UPDATE`, []string{whiteID, blackID})
	if err != nil {
		return nil, mapPostgresError(err)
	}
	locked := make(map[string]*Profile, 2)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			rows.Close()
			return nil, mapPostgresError(err)
		}
		locked[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	white, black := locked[whiteID], locked[blackID]
	if white == nil || black == nil {
		return nil, ErrProfileNotFound
	}

	rec := fn(cloneProfile(white), cloneProfile(black))
	if rec == nil {
		return nil, ErrInvalidSettlement
	}
	rec.SessionID = sessionID
	if err := apply(rec, white, black, s.now()); err != nil {
		return nil, err
	}

	for _, p := range []*Profile{white, black} {
		_, err := tx.Exec(ctx, `
			UPDATE profiles
			SET rating = $2, games = $3, wins = $4, losses = $5, draws = $6, updated_at = $7
			WHERE id = $1
		`, p.ID, p.Rating, p.Games, p.Wins, p.Losses, p.Draws, p.UpdatedAt)
		if err != nil {
			return nil, mapPostgresError(err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO match_history (
			session_id, white_id, black_id, winner, method,
			white_rating_before, white_rating_after, black_rating_before, black_rating_after,
			moves, duration_seconds, final_board, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.SessionID, rec.WhiteID, rec.BlackID, rec.Winner, rec.Method,
		rec.WhiteRatingBefore, rec.WhiteRatingAfter, rec.BlackRatingBefore, rec.BlackRatingAfter,
		rec.Moves, rec.DurationSeconds, rec.FinalBoard, rec.StartedAt, rec.EndedAt)
	if err != nil {
		return nil, mapPostgresError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresError(err)
	}

	log.Debug().Str("session_id", sessionID).Msg("match settled")
	return rec, nil
}

func (s *PostgresStore) RecentMatches(ctx context.Context, playerID string, limit int) ([]*MatchRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, white_id, black_id, winner, method,
			white_rating_before, white_rating_after, black_rating_before, black_rating_after,
			moves, duration_seconds, final_board, started_at, ended_at
		FROM match_history
		WHERE white_id = $1 OR black_id = $1
		ORDER BY ended_at DESC
		LIMIT $2
	`, playerID, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var out []*MatchRecord
	for rows.Next() {
		var r MatchRecord
		err := rows.Scan(&r.SessionID, &r.WhiteID, &r.BlackID, &r.Winner, &r.Method,
			&r.WhiteRatingBefore, &r.WhiteRatingAfter, &r.BlackRatingBefore, &r.BlackRatingAfter,
			&r.Moves, &r.DurationSeconds, &r.FinalBoard, &r.StartedAt, &r.EndedAt)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, &r)
	}
	return out, mapPostgresError(rows.Err())
}
