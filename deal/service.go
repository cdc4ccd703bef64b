package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/audit"
	"escrowflow/authz"
)

var (
	ErrSelfDeal       = errors.New("deal: payer and payee must differ")
	ErrInvalidAmount  = errors.New("deal: amount must be positive")
	ErrAmountMismatch = errors.New("deal: funding amount must match deal amount")
	ErrWrongActor     = errors.New("deal: actor not permitted for this transition")
	ErrEmptyReason    = errors.New("deal: dispute reason required")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerRepository defines the data access required by the service.
type LedgerRepository interface {
	Get(ctx context.Context, dealID string) (Deal, error)
	InsertTx(ctx context.Context, tx pgx.Tx, params CreateParams) (Deal, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, dealID string) (Deal, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, dealID string, from, to State) error
}

// Service owns deal lifecycle transitions. Every mutation locks the deal row,
// validates the guard, commits the transition together with its audit event,
// and never leaves partial state behind.
type Service struct {
	pool   TxBeginner
	repo   LedgerRepository
	policy authz.Policy
	events audit.Writer
}

func NewService(pool TxBeginner, repo LedgerRepository, policy authz.Policy, events audit.Writer) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		policy: policy,
		events: events,
	}
}

// Get returns the deal by id.
func (s *Service) Get(ctx context.Context, dealID string) (Deal, error) {
	return s.repo.Get(ctx, dealID)
}

// Create opens a new escrow deal in the created state.
func (s *Service) Create(ctx context.Context, actor string, params CreateParams) (Deal, error) {
	if err := authz.Require(ctx, s.policy, actor, authz.CapCreator); err != nil {
		return Deal{}, err
	}
	if params.Payer == "" || params.Payee == "" {
		return Deal{}, fmt.Errorf("deal: payer and payee required")
	}
	if params.Payer == params.Payee {
		return Deal{}, ErrSelfDeal
	}
	if params.Amount <= 0 {
		return Deal{}, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.InsertTx(ctx, tx, params)
	if err != nil {
		return Deal{}, err
	}

	ev := audit.Event{
		Type:     audit.TypeDealCreated,
		EntityID: d.ID,
		Actor:    actor,
		Payload: map[string]any{
			"payer":  d.Payer,
			"payee":  d.Payee,
			"token":  d.Token,
			"amount": d.Amount,
		},
	}
	if err := s.events.Append(ctx, tx, audit.TopicDealLifecycle, ev); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit tx: %w", err)
	}
	return d, nil
}

// Fund moves a created deal to funded. Only the payer may fund, and the
// amount must match the deal exactly.
func (s *Service) Fund(ctx context.Context, dealID, actor string, amount int64) error {
	return s.transition(ctx, dealID, StateFunded, audit.TypeDealFunded,
		map[string]any{"amount": amount},
		func(d Deal) error {
			if actor != d.Payer {
				return fmt.Errorf("%w: only payer %s may fund", ErrWrongActor, d.Payer)
			}
			if d.State != StateCreated {
				return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, d.ID, d.State, StateCreated)
			}
			if amount != d.Amount {
				return fmt.Errorf("%w: got %d, want %d", ErrAmountMismatch, amount, d.Amount)
			}
			return nil
		}, actor)
}

// Approve marks a funded deal as approved for release.
func (s *Service) Approve(ctx context.Context, dealID, actor string) error {
	if err := authz.Require(ctx, s.policy, actor, authz.CapArbiter); err != nil {
		return err
	}
	return s.transition(ctx, dealID, StateApproved, audit.TypeDealApproved, nil,
		func(d Deal) error {
			if d.State != StateFunded {
				return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, d.ID, d.State, StateFunded)
			}
			return nil
		}, actor)
}

// Release settles an approved deal to the payee. Terminal.
func (s *Service) Release(ctx context.Context, dealID, actor string) error {
	if err := authz.Require(ctx, s.policy, actor, authz.CapArbiter); err != nil {
		return err
	}
	return s.transition(ctx, dealID, StateReleased, audit.TypeFundsReleased, nil,
		func(d Deal) error {
			if d.State != StateApproved {
				return fmt.Errorf("%w: %s is %s, want %s", ErrWrongState, d.ID, d.State, StateApproved)
			}
			return nil
		}, actor)
}

// RaiseDispute freezes a funded or approved deal pending arbitration. Either
// party may raise with a non-empty reason.
func (s *Service) RaiseDispute(ctx context.Context, dealID, actor, reason string) error {
	if reason == "" {
		return ErrEmptyReason
	}
	return s.transition(ctx, dealID, StateDisputed, audit.TypeDisputeRaised,
		map[string]any{"reason": reason},
		func(d Deal) error {
			if actor != d.Payer && actor != d.Payee {
				return fmt.Errorf("%w: only %s or %s may dispute", ErrWrongActor, d.Payer, d.Payee)
			}
			if d.State != StateFunded && d.State != StateApproved {
				return fmt.Errorf("%w: %s is %s, want %s or %s", ErrWrongState, d.ID, d.State, StateFunded, StateApproved)
			}
			return nil
		}, actor)
}

// Cancel voids a created or funded deal. Terminal. Funded amounts are
// refunded to the payer; the refund rides the event payload for the
// settlement collaborator.
func (s *Service) Cancel(ctx context.Context, dealID, actor string) error {
	if err := authz.Require(ctx, s.policy, actor, authz.CapAdmin); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdateTx(ctx, tx, dealID)
	if err != nil {
		return err
	}
	if d.State != StateCreated && d.State != StateFunded {
		return fmt.Errorf("%w: %s is %s, want %s or %s", ErrWrongState, d.ID, d.State, StateCreated, StateFunded)
	}

	payload := map[string]any{"was": string(d.State)}
	if d.State == StateFunded {
		payload["refund_to"] = d.Payer
		payload["refund_amount"] = d.Amount
	}

	if err := s.repo.TransitionTx(ctx, tx, d.ID, d.State, StateCancelled); err != nil {
		return err
	}

	ev := audit.Event{Type: audit.TypeDealCancelled, EntityID: d.ID, Actor: actor, Payload: payload}
	if err := s.events.Append(ctx, tx, audit.TopicDealLifecycle, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deal: commit tx: %w", err)
	}
	return nil
}

// transition runs the shared lock-validate-commit sequence for single-edge
// transitions where the target state fixes the source state.
func (s *Service) transition(ctx context.Context, dealID string, to State, eventType audit.Type, payload map[string]any, guard func(Deal) error, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdateTx(ctx, tx, dealID)
	if err != nil {
		return err
	}
	if err := guard(d); err != nil {
		return err
	}

	if err := s.repo.TransitionTx(ctx, tx, d.ID, d.State, to); err != nil {
		return err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(d.State)
	payload["to"] = string(to)

	ev := audit.Event{Type: eventType, EntityID: d.ID, Actor: actor, Payload: payload}
	if err := s.events.Append(ctx, tx, audit.TopicDealLifecycle, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deal: commit tx: %w", err)
	}
	return nil
}
