package arbitration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound     = errors.New("arbitration: dispute not found")
	ErrAlreadyVoted = errors.New("arbitration: arbiter already voted on this dispute")
)

const disputeColumns = `id, deal_id, initiator, respondent, reason, severity, risk_level,
	status::text, votes_for_initiator, votes_for_respondent, total_votes, resolution::text,
	requires_super_arbiter, escalation_count, last_escalated_at, assigned_arbiter,
	last_modified_by, created_at, updated_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get fetches a dispute without locking.
func (r *Repository) Get(ctx context.Context, disputeID int64) (Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1`, disputeColumns)
	d, err := scanDispute(r.pool.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("arbitration: get: %w", err)
	}
	return d, nil
}

// ListForDeal returns disputes referencing the deal, newest first.
func (r *Repository) ListForDeal(ctx context.Context, dealID string) ([]Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE deal_id = $1 ORDER BY created_at DESC`, disputeColumns)
	rows, err := r.pool.Query(ctx, query, dealID)
	if err != nil {
		return nil, fmt.Errorf("arbitration: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("arbitration: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbitration: iterate: %w", err)
	}
	return out, nil
}

// InsertTx files a new dispute in the active state. The BIGSERIAL id keeps
// dispute numbering monotonic and 1-based.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, params FileParams) (Dispute, error) {
	insert := fmt.Sprintf(`
		INSERT INTO disputes (deal_id, initiator, respondent, reason, severity, risk_level,
			status, requires_super_arbiter, last_modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $2)
		RETURNING %s`, disputeColumns)

	d, err := scanDispute(tx.QueryRow(ctx, insert,
		params.DealID, params.Initiator, params.Respondent, params.Reason,
		params.Severity, params.RiskLevel, params.RequiresSuperArbiter))
	if err != nil {
		return Dispute{}, fmt.Errorf("arbitration: insert dispute: %w", err)
	}
	return d, nil
}

// GetForUpdateTx locks the dispute row, serializing votes and transitions.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, disputeID int64) (Dispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1 FOR UPDATE`, disputeColumns)
	d, err := scanDispute(tx.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("arbitration: lock: %w", err)
	}
	return d, nil
}

// InsertVoteTx records the ballot. The (dispute_id, arbiter) primary key
// guarantees one vote per arbiter per dispute.
func (r *Repository) InsertVoteTx(ctx context.Context, tx pgx.Tx, v Vote) error {
	const insert = `
		INSERT INTO dispute_votes (dispute_id, arbiter, for_initiator, reasoning)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, insert, v.DisputeID, v.Arbiter, v.ForInitiator, v.Reasoning); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("arbitration: insert vote: %w", err)
	}
	return nil
}

// ApplyVoteTx increments the matching tally and returns the new counts.
func (r *Repository) ApplyVoteTx(ctx context.Context, tx pgx.Tx, disputeID int64, forInitiator bool) (Tally, error) {
	const update = `
		UPDATE disputes
		SET votes_for_initiator = votes_for_initiator + CASE WHEN $2 THEN 1 ELSE 0 END,
		    votes_for_respondent = votes_for_respondent + CASE WHEN $2 THEN 0 ELSE 1 END,
		    total_votes = total_votes + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING votes_for_initiator, votes_for_respondent, total_votes
	`
	var t Tally
	if err := tx.QueryRow(ctx, update, disputeID, forInitiator).Scan(&t.ForInitiator, &t.ForRespondent, &t.Total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tally{}, ErrNotFound
		}
		return Tally{}, fmt.Errorf("arbitration: apply vote: %w", err)
	}
	return t, nil
}

// ResolveTx closes the dispute with the given resolution.
func (r *Repository) ResolveTx(ctx context.Context, tx pgx.Tx, disputeID int64, res Resolution, by string) error {
	const update = `
		UPDATE disputes
		SET status = 'resolved', resolution = $2::dispute_resolution,
		    last_modified_by = $3, resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if err := execOne(ctx, tx, update, disputeID, string(res), by); err != nil {
		return fmt.Errorf("arbitration: resolve %d: %w", disputeID, err)
	}
	return nil
}

// EscalateTx flags the dispute for super-arbiter attention.
func (r *Repository) EscalateTx(ctx context.Context, tx pgx.Tx, disputeID int64, by string, at time.Time) error {
	const update = `
		UPDATE disputes
		SET status = 'escalated', requires_super_arbiter = TRUE,
		    escalation_count = escalation_count + 1, last_escalated_at = $3,
		    last_modified_by = $2, updated_at = NOW()
		WHERE id = $1
	`
	if err := execOne(ctx, tx, update, disputeID, by, at); err != nil {
		return fmt.Errorf("arbitration: escalate %d: %w", disputeID, err)
	}
	return nil
}

// RevokeTx withdraws the dispute without touching trust scores.
func (r *Repository) RevokeTx(ctx context.Context, tx pgx.Tx, disputeID int64, by string) error {
	const update = `
		UPDATE disputes
		SET status = 'revoked', last_modified_by = $2, updated_at = NOW()
		WHERE id = $1
	`
	if err := execOne(ctx, tx, update, disputeID, by); err != nil {
		return fmt.Errorf("arbitration: revoke %d: %w", disputeID, err)
	}
	return nil
}

// AssignArbiterTx records the arbiter now responsible for the dispute.
func (r *Repository) AssignArbiterTx(ctx context.Context, tx pgx.Tx, disputeID int64, arbiter, by string) error {
	const update = `
		UPDATE disputes
		SET assigned_arbiter = $2, last_modified_by = $3, updated_at = NOW()
		WHERE id = $1
	`
	if err := execOne(ctx, tx, update, disputeID, arbiter, by); err != nil {
		return fmt.Errorf("arbitration: assign arbiter %d: %w", disputeID, err)
	}
	return nil
}

func execOne(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(&d.ID, &d.DealID, &d.Initiator, &d.Respondent, &d.Reason, &d.Severity, &d.RiskLevel,
		&d.Status, &d.VotesForInitiator, &d.VotesForRespondent, &d.TotalVotes, &d.Resolution,
		&d.RequiresSuperArbiter, &d.EscalationCount, &d.LastEscalatedAt, &d.AssignedArbiter,
		&d.LastModifiedBy, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
