package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound   = errors.New("deal: not found")
	ErrWrongState = errors.New("deal: wrong state for transition")
)

const dealColumns = `id, payer, payee, token, amount, metadata, state::text,
	created_at, funded_at, approved_at, released_at, disputed_at, cancelled_at, updated_at`

// stateTimestampColumn maps each target state to the transition timestamp it stamps.
var stateTimestampColumn = map[State]string{
	StateFunded:    "funded_at",
	StateApproved:  "approved_at",
	StateReleased:  "released_at",
	StateDisputed:  "disputed_at",
	StateCancelled: "cancelled_at",
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get fetches a deal without locking.
func (r *Repository) Get(ctx context.Context, dealID string) (Deal, error) {
	query := fmt.Sprintf(`SELECT %s FROM deals WHERE id = $1`, dealColumns)
	d, err := scanDeal(r.pool.QueryRow(ctx, query, dealID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get: %w", err)
	}
	return d, nil
}

// InsertTx creates a deal in the created state.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Deal, error) {
	const insert = `
		INSERT INTO deals (payer, payee, token, amount, metadata, state)
		VALUES ($1, $2, $3, $4, $5, 'created')
		RETURNING ` + dealColumns
	d, err := scanDeal(tx.QueryRow(ctx, insert, params.Payer, params.Payee, params.Token, params.Amount, params.Metadata))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return d, nil
}

// GetForUpdateTx locks the deal row for the duration of the transaction,
// serializing concurrent transitions on the same deal.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, dealID string) (Deal, error) {
	query := fmt.Sprintf(`SELECT %s FROM deals WHERE id = $1 FOR UPDATE`, dealColumns)
	d, err := scanDeal(tx.QueryRow(ctx, query, dealID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: lock: %w", err)
	}
	return d, nil
}

// TransitionTx moves the deal from one state to another, stamping the
// transition timestamp. The WHERE clause re-checks the source state so a deal
// that already moved on fails loudly instead of transitioning twice.
func (r *Repository) TransitionTx(ctx context.Context, tx pgx.Tx, dealID string, from, to State) error {
	tsColumn, ok := stateTimestampColumn[to]
	if !ok {
		return fmt.Errorf("deal: no timestamp column for state %s", to)
	}

	update := fmt.Sprintf(`
		UPDATE deals
		SET state = $1::deal_state, %s = NOW(), updated_at = NOW()
		WHERE id = $2 AND state = $3::deal_state
	`, tsColumn)

	tag, err := tx.Exec(ctx, update, string(to), dealID, string(from))
	if err != nil {
		return fmt.Errorf("deal: transition %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is no longer %s", ErrWrongState, dealID, from)
	}
	return nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var d Deal
	err := row.Scan(&d.ID, &d.Payer, &d.Payee, &d.Token, &d.Amount, &d.Metadata, &d.State,
		&d.CreatedAt, &d.FundedAt, &d.ApprovedAt, &d.ReleasedAt, &d.DisputedAt, &d.CancelledAt, &d.UpdatedAt)
	if err != nil {
		return Deal{}, err
	}
	return d, nil
}
