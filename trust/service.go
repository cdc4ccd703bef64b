package trust

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/audit"
	"escrowflow/authz"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RegistryRepository defines the data access required by the service.
type RegistryRepository interface {
	Get(ctx context.Context, actor string) (Score, error)
	SetBlacklistTx(ctx context.Context, tx pgx.Tx, actor string, blacklisted bool) error
}

// Service exposes trust-monitor operations over the registry. Resolution-time
// score adjustments go through the Repository directly inside the arbitration
// engine's transaction.
type Service struct {
	pool   TxBeginner
	repo   RegistryRepository
	policy authz.Policy
	events audit.Writer
}

func NewService(pool TxBeginner, repo RegistryRepository, policy authz.Policy, events audit.Writer) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		policy: policy,
		events: events,
	}
}

// Get returns the actor's current score. Unknown actors read as the neutral
// starting score.
func (s *Service) Get(ctx context.Context, actor string) (Score, error) {
	score, err := s.repo.Get(ctx, actor)
	if err == ErrNotFound {
		return Score{Actor: actor, Score: InitialScore}, nil
	}
	return score, err
}

// Blacklist flags the actor and zeroes their score.
func (s *Service) Blacklist(ctx context.Context, actor, by, reason string) error {
	return s.setBlacklist(ctx, actor, by, reason, true)
}

// Unblacklist clears the flag and restores the neutral score.
func (s *Service) Unblacklist(ctx context.Context, actor, by, reason string) error {
	return s.setBlacklist(ctx, actor, by, reason, false)
}

func (s *Service) setBlacklist(ctx context.Context, actor, by, reason string, blacklisted bool) error {
	if err := authz.Require(ctx, s.policy, by, authz.CapTrustMonitor); err != nil {
		return err
	}
	if actor == "" {
		return fmt.Errorf("trust: actor required")
	}
	if reason == "" {
		return fmt.Errorf("trust: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("trust: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetBlacklistTx(ctx, tx, actor, blacklisted); err != nil {
		return err
	}

	eventType := audit.TypeUserBlacklisted
	if !blacklisted {
		eventType = audit.TypeUserUnblacklisted
	}
	ev := audit.Event{
		Type:     eventType,
		EntityID: actor,
		Actor:    by,
		Payload:  map[string]any{"reason": reason},
	}
	if err := s.events.Append(ctx, tx, audit.TopicTrust, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("trust: commit tx: %w", err)
	}
	return nil
}
