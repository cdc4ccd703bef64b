package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("trust: actor not found")
)

// Repository owns trust_scores rows. Mutations take the caller's transaction
// so trust updates commit atomically with the dispute resolution that caused
// them.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the actor's score, or a neutral zero-value record if the actor
// has never been involved in a dispute.
func (r *Repository) Get(ctx context.Context, actor string) (Score, error) {
	const query = `
		SELECT actor, score, disputes_filed, disputes_won, disputes_lost, is_blacklisted, updated_at
		FROM trust_scores
		WHERE actor = $1
	`
	var s Score
	err := r.pool.QueryRow(ctx, query, actor).
		Scan(&s.Actor, &s.Score, &s.DisputesFiled, &s.DisputesWon, &s.DisputesLost, &s.IsBlacklisted, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Score{}, ErrNotFound
		}
		return Score{}, fmt.Errorf("trust: get: %w", err)
	}
	return s, nil
}

// EnsureTx lazily creates the actor's row at the neutral score.
func (r *Repository) EnsureTx(ctx context.Context, tx pgx.Tx, actor string) error {
	const insert = `
		INSERT INTO trust_scores (actor, score)
		VALUES ($1, $2)
		ON CONFLICT (actor) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert, actor, InitialScore); err != nil {
		return fmt.Errorf("trust: ensure %s: %w", actor, err)
	}
	return nil
}

// IsBlacklistedTx reports whether the actor is currently blacklisted.
// Unknown actors are not blacklisted.
func (r *Repository) IsBlacklistedTx(ctx context.Context, tx pgx.Tx, actor string) (bool, error) {
	var blacklisted bool
	err := tx.QueryRow(ctx, `SELECT is_blacklisted FROM trust_scores WHERE actor = $1`, actor).Scan(&blacklisted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("trust: blacklist check %s: %w", actor, err)
	}
	return blacklisted, nil
}

// IncrementFiledTx bumps the actor's filed counter, creating the row lazily.
func (r *Repository) IncrementFiledTx(ctx context.Context, tx pgx.Tx, actor string) error {
	if err := r.EnsureTx(ctx, tx, actor); err != nil {
		return err
	}
	const update = `
		UPDATE trust_scores
		SET disputes_filed = disputes_filed + 1, updated_at = NOW()
		WHERE actor = $1
	`
	if _, err := tx.Exec(ctx, update, actor); err != nil {
		return fmt.Errorf("trust: increment filed %s: %w", actor, err)
	}
	return nil
}

// ApplyOutcomeTx credits the winner and debits the loser, clamping both
// scores to [MinScore, MaxScore].
func (r *Repository) ApplyOutcomeTx(ctx context.Context, tx pgx.Tx, winner, loser string) error {
	if err := r.EnsureTx(ctx, tx, winner); err != nil {
		return err
	}
	if err := r.EnsureTx(ctx, tx, loser); err != nil {
		return err
	}

	const creditSQL = `
		UPDATE trust_scores
		SET score = LEAST($2, score + $3), disputes_won = disputes_won + 1, updated_at = NOW()
		WHERE actor = $1
	`
	if _, err := tx.Exec(ctx, creditSQL, winner, MaxScore, WinReward); err != nil {
		return fmt.Errorf("trust: credit winner %s: %w", winner, err)
	}

	const debitSQL = `
		UPDATE trust_scores
		SET score = GREATEST($2, score - $3), disputes_lost = disputes_lost + 1, updated_at = NOW()
		WHERE actor = $1
	`
	if _, err := tx.Exec(ctx, debitSQL, loser, MinScore, LossPenalty); err != nil {
		return fmt.Errorf("trust: debit loser %s: %w", loser, err)
	}
	return nil
}

// SetBlacklistTx flips the blacklist flag. Blacklisting zeroes the score;
// unblacklisting restores the neutral starting score.
func (r *Repository) SetBlacklistTx(ctx context.Context, tx pgx.Tx, actor string, blacklisted bool) error {
	if err := r.EnsureTx(ctx, tx, actor); err != nil {
		return err
	}
	score := InitialScore
	if blacklisted {
		score = 0
	}
	const update = `
		UPDATE trust_scores
		SET is_blacklisted = $2, score = $3, updated_at = NOW()
		WHERE actor = $1
	`
	if _, err := tx.Exec(ctx, update, actor, blacklisted, score); err != nil {
		return fmt.Errorf("trust: set blacklist %s: %w", actor, err)
	}
	return nil
}
