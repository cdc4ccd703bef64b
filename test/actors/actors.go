package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/arbitration"
	"escrowflow/audit"
	"escrowflow/deal"
)

// Env bundles the services and seeded identities the actors drive.
type Env struct {
	Pool     *pgxpool.Pool
	Deals    *deal.Service
	Disputes *arbitration.Service
	Parties  []string
	Arbiters []string
}

func (e *Env) randomParty() string {
	return e.Parties[rand.Intn(len(e.Parties))]
}

// tolerated reports whether the error is an expected outcome under
// contention rather than a harness failure.
func tolerated(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, deal.ErrNotFound),
		errors.Is(err, deal.ErrWrongState),
		errors.Is(err, deal.ErrSelfDeal),
		errors.Is(err, arbitration.ErrNotFound),
		errors.Is(err, arbitration.ErrAlreadyVoted),
		errors.Is(err, arbitration.ErrNotActive),
		errors.Is(err, arbitration.ErrNotOpen),
		errors.Is(err, arbitration.ErrNotDisputable),
		errors.Is(err, arbitration.ErrEscalationCooldown),
		errors.Is(err, arbitration.ErrEscalationCapped):
		return true
	}
	return false
}

// DealFlow creates deals and walks them toward settlement: create, fund,
// sometimes approve and release. Leaves a mix of states behind for the
// disputer to chew on.
func DealFlow(ctx context.Context, env *Env, creator string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		payer := env.randomParty()
		payee := env.randomParty()
		if payer == payee {
			continue
		}
		amount := int64(100 + rand.Intn(10_000))

		d, err := env.Deals.Create(ctx, creator, deal.CreateParams{
			Payer:  payer,
			Payee:  payee,
			Token:  "USDC",
			Amount: amount,
		})
		if err != nil {
			if tolerated(err) {
				continue
			}
			return fmt.Errorf("deal flow create: %w", err)
		}

		if err := env.Deals.Fund(ctx, d.ID, payer, amount); err != nil && !tolerated(err) {
			return fmt.Errorf("deal flow fund: %w", err)
		}

		// roughly half the deals settle cleanly
		if rand.Intn(2) == 0 {
			arbiter := env.Arbiters[rand.Intn(len(env.Arbiters))]
			if err := env.Deals.Approve(ctx, d.ID, arbiter); err != nil && !tolerated(err) {
				return fmt.Errorf("deal flow approve: %w", err)
			}
			if err := env.Deals.Release(ctx, d.ID, arbiter); err != nil && !tolerated(err) {
				return fmt.Errorf("deal flow release: %w", err)
			}
		}

		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputer files disputes against random funded deals as their payer.
func Disputer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var dealID, payer string
		err := env.Pool.QueryRow(ctx,
			`SELECT id, payer FROM deals WHERE state IN ('funded','approved') ORDER BY random() LIMIT 1`).
			Scan(&dealID, &payer)
		if err == nil {
			severity := 2 + rand.Intn(2)
			_, err = env.Disputes.File(ctx, dealID, "stress filing under contention", severity, arbitration.RiskMed, payer)
			if err != nil && !tolerated(err) {
				return fmt.Errorf("disputer file: %w", err)
			}
		}

		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Voter casts ballots on random active disputes. Duplicate votes and races
// against concurrent resolution are expected and tolerated.
func Voter(ctx context.Context, env *Env, arbiter string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var disputeID int64
		err := env.Pool.QueryRow(ctx,
			`SELECT id FROM disputes WHERE status = 'active' ORDER BY random() LIMIT 1`).
			Scan(&disputeID)
		if err == nil {
			forInitiator := rand.Intn(2) == 0
			err = env.Disputes.Vote(ctx, disputeID, arbiter, forInitiator, "stress ballot")
			if err != nil && !tolerated(err) {
				return fmt.Errorf("voter %s: %w", arbiter, err)
			}
		}

		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Escalator escalates random active disputes, exercising the cooldown and
// cap guards under contention. The actor must hold the escalation
// capability.
func Escalator(ctx context.Context, env *Env, actor string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var disputeID int64
		err := env.Pool.QueryRow(ctx,
			`SELECT id FROM disputes WHERE status = 'active' ORDER BY random() LIMIT 1`).
			Scan(&disputeID)
		if err == nil {
			err = env.Disputes.Escalate(ctx, disputeID, actor, "stress escalation")
			if err != nil && !tolerated(err) {
				return fmt.Errorf("escalator: %w", err)
			}
		}

		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// discardPublisher drops every message; the stress run only cares that
// outbox rows drain.
type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, []byte) error { return nil }

// OutboxWorker drains pending outbox rows the way the production
// dispatcher does.
func OutboxWorker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	dispatcher := audit.NewDispatcher(env.Pool, discardPublisher{}, nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := dispatcher.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
