package arbitration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/audit"
	"escrowflow/authz"
	"escrowflow/deal"
	"escrowflow/triage"
)

var (
	ErrPaused              = errors.New("arbitration: dispute filing is paused")
	ErrBlacklisted         = errors.New("arbitration: initiator is blacklisted")
	ErrEmptyReason         = errors.New("arbitration: reason required")
	ErrEmptyReasoning      = errors.New("arbitration: vote reasoning required")
	ErrInvalidSeverity     = errors.New("arbitration: severity must be between 1 and 5")
	ErrInvalidRiskLevel    = errors.New("arbitration: risk level must be low, med, or high")
	ErrNotActive           = errors.New("arbitration: dispute is not active")
	ErrNotOpen             = errors.New("arbitration: dispute is closed")
	ErrNotDisputable       = errors.New("arbitration: deal cannot be disputed")
	ErrNotParty            = errors.New("arbitration: initiator is not a party to the deal")
	ErrEscalationCooldown  = errors.New("arbitration: escalation cooldown has not elapsed")
	ErrEscalationCapped    = errors.New("arbitration: escalation cap reached")
	ErrInvalidRedirect     = errors.New("arbitration: redirect requires distinct non-empty addresses and positive amount")
	ErrArbiterNotCapable   = errors.New("arbitration: new arbiter lacks the arbiter capability")
)

// Config carries the engine's tunable constants.
type Config struct {
	// Quorum is the vote count that triggers automatic resolution.
	Quorum int
	// EscalationMax caps how often a single dispute may be escalated.
	EscalationMax int
	// EscalationCooldown is the minimum gap between escalations.
	EscalationCooldown time.Duration
	// StartPaused blocks filings from boot until an admin unpauses.
	StartPaused bool
}

// DefaultConfig returns the production arbitration constants.
func DefaultConfig() Config {
	return Config{
		Quorum:             3,
		EscalationMax:      2,
		EscalationCooldown: 24 * time.Hour,
	}
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DisputeRepository defines the dispute data access required by the engine.
type DisputeRepository interface {
	Get(ctx context.Context, disputeID int64) (Dispute, error)
	InsertTx(ctx context.Context, tx pgx.Tx, params FileParams) (Dispute, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, disputeID int64) (Dispute, error)
	InsertVoteTx(ctx context.Context, tx pgx.Tx, v Vote) error
	ApplyVoteTx(ctx context.Context, tx pgx.Tx, disputeID int64, forInitiator bool) (Tally, error)
	ResolveTx(ctx context.Context, tx pgx.Tx, disputeID int64, res Resolution, by string) error
	EscalateTx(ctx context.Context, tx pgx.Tx, disputeID int64, by string, at time.Time) error
	RevokeTx(ctx context.Context, tx pgx.Tx, disputeID int64, by string) error
	AssignArbiterTx(ctx context.Context, tx pgx.Tx, disputeID int64, arbiter, by string) error
}

// DealLedger is the slice of the deal repository the engine drives.
type DealLedger interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, dealID string) (deal.Deal, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, dealID string, from, to deal.State) error
}

// TrustLedger is the slice of the trust repository the engine drives.
type TrustLedger interface {
	IsBlacklistedTx(ctx context.Context, tx pgx.Tx, actor string) (bool, error)
	IncrementFiledTx(ctx context.Context, tx pgx.Tx, actor string) error
	ApplyOutcomeTx(ctx context.Context, tx pgx.Tx, winner, loser string) error
}

// Classifier triages a free-text complaint before filing.
type Classifier interface {
	Classify(ctx context.Context, text, userID string) (triage.Classification, error)
}

// Service is the arbitration engine: filing, voting, quorum resolution,
// escalation, and the administrative overrides.
type Service struct {
	pool     TxBeginner
	disputes DisputeRepository
	deals    DealLedger
	trust    TrustLedger
	triage   Classifier
	policy   authz.Policy
	events   audit.Writer
	cfg      Config
	paused   atomic.Bool
	now      func() time.Time
}

func NewService(pool TxBeginner, disputes DisputeRepository, deals DealLedger, trust TrustLedger, classifier Classifier, policy authz.Policy, events audit.Writer, cfg Config) *Service {
	if cfg.Quorum <= 0 {
		cfg.Quorum = DefaultConfig().Quorum
	}
	if cfg.EscalationMax <= 0 {
		cfg.EscalationMax = DefaultConfig().EscalationMax
	}
	if cfg.EscalationCooldown <= 0 {
		cfg.EscalationCooldown = DefaultConfig().EscalationCooldown
	}
	s := &Service{
		pool:     pool,
		disputes: disputes,
		deals:    deals,
		trust:    trust,
		triage:   classifier,
		policy:   policy,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
	}
	s.paused.Store(cfg.StartPaused)
	return s
}

// Get returns the dispute by id.
func (s *Service) Get(ctx context.Context, disputeID int64) (Dispute, error) {
	return s.disputes.Get(ctx, disputeID)
}

// Pause blocks new dispute filings. Voting and resolution of already-filed
// disputes continue.
func (s *Service) Pause(ctx context.Context, actor string) error {
	if err := authz.Require(ctx, s.policy, actor, authz.CapAdmin); err != nil {
		return err
	}
	s.paused.Store(true)
	return nil
}

// Unpause re-enables dispute filings.
func (s *Service) Unpause(ctx context.Context, actor string) error {
	if err := authz.Require(ctx, s.policy, actor, authz.CapAdmin); err != nil {
		return err
	}
	s.paused.Store(false)
	return nil
}

// Paused reports whether filing is currently blocked.
func (s *Service) Paused() bool {
	return s.paused.Load()
}

// File opens a dispute against a funded or approved deal. The deal is frozen
// to disputed in the same transaction.
func (s *Service) File(ctx context.Context, dealID, reason string, severity int, riskLevel, initiator string) (Dispute, error) {
	if s.paused.Load() {
		return Dispute{}, ErrPaused
	}
	if reason == "" {
		return Dispute{}, ErrEmptyReason
	}
	if severity < MinSeverity || severity > MaxSeverity {
		return Dispute{}, fmt.Errorf("%w: got %d", ErrInvalidSeverity, severity)
	}
	if !ValidRiskLevel(riskLevel) {
		return Dispute{}, fmt.Errorf("%w: got %q", ErrInvalidRiskLevel, riskLevel)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	blacklisted, err := s.trust.IsBlacklistedTx(ctx, tx, initiator)
	if err != nil {
		return Dispute{}, err
	}
	if blacklisted {
		return Dispute{}, ErrBlacklisted
	}

	d, err := s.deals.GetForUpdateTx(ctx, tx, dealID)
	if err != nil {
		return Dispute{}, err
	}
	if initiator != d.Payer && initiator != d.Payee {
		return Dispute{}, fmt.Errorf("%w: %s", ErrNotParty, initiator)
	}
	if d.State != deal.StateFunded && d.State != deal.StateApproved {
		return Dispute{}, fmt.Errorf("%w: deal %s is %s", ErrNotDisputable, d.ID, d.State)
	}

	respondent := d.Payer
	if initiator == d.Payer {
		respondent = d.Payee
	}

	dispute, err := s.disputes.InsertTx(ctx, tx, FileParams{
		DealID:               dealID,
		Initiator:            initiator,
		Respondent:           respondent,
		Reason:               reason,
		Severity:             severity,
		RiskLevel:            riskLevel,
		RequiresSuperArbiter: severity >= SuperArbiterSeverity,
	})
	if err != nil {
		return Dispute{}, err
	}

	if err := s.trust.IncrementFiledTx(ctx, tx, initiator); err != nil {
		return Dispute{}, err
	}

	if err := s.deals.TransitionTx(ctx, tx, d.ID, d.State, deal.StateDisputed); err != nil {
		return Dispute{}, err
	}

	raised := audit.Event{
		Type:     audit.TypeDisputeRaised,
		EntityID: d.ID,
		Actor:    initiator,
		Payload:  map[string]any{"dispute_id": dispute.ID, "from": string(d.State)},
	}
	if err := s.events.Append(ctx, tx, audit.TopicDealLifecycle, raised); err != nil {
		return Dispute{}, err
	}

	filed := audit.Event{
		Type:     audit.TypeDisputeFiled,
		EntityID: disputeEntityID(dispute.ID),
		Actor:    initiator,
		Payload: map[string]any{
			"deal_id":    dealID,
			"severity":   severity,
			"risk_level": riskLevel,
		},
	}
	if err := s.events.Append(ctx, tx, audit.TopicArbitration, filed); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return dispute, nil
}

// FileFromComplaint triages the free-text complaint and files with the
// resulting severity and risk level. The classifier's reasoning is preserved
// on the filing record.
func (s *Service) FileFromComplaint(ctx context.Context, dealID, complaint, initiator string) (Dispute, triage.Classification, error) {
	if s.paused.Load() {
		return Dispute{}, triage.Classification{}, ErrPaused
	}

	c, err := s.triage.Classify(ctx, complaint, initiator)
	if err != nil {
		return Dispute{}, triage.Classification{}, err
	}

	riskLevel := c.RiskLevel
	d, err := s.File(ctx, dealID, complaint, c.Severity, riskLevel, initiator)
	if err != nil {
		return Dispute{}, triage.Classification{}, err
	}
	return d, c, nil
}

// Vote records an arbiter ballot and auto-resolves once the quorum is met.
// The dispute row lock serializes concurrent votes, so only one ballot can
// trip the quorum.
func (s *Service) Vote(ctx context.Context, disputeID int64, arbiter string, forInitiator bool, reasoning string) error {
	if err := authz.Require(ctx, s.policy, arbiter, authz.CapArbiter); err != nil {
		return err
	}
	if reasoning == "" {
		return ErrEmptyReasoning
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != StatusActive {
		return fmt.Errorf("%w: dispute %d is %s", ErrNotActive, d.ID, d.Status)
	}

	if err := s.disputes.InsertVoteTx(ctx, tx, Vote{
		DisputeID:    disputeID,
		Arbiter:      arbiter,
		ForInitiator: forInitiator,
		Reasoning:    reasoning,
	}); err != nil {
		return err
	}

	tally, err := s.disputes.ApplyVoteTx(ctx, tx, disputeID, forInitiator)
	if err != nil {
		return err
	}

	cast := audit.Event{
		Type:     audit.TypeVoteCast,
		EntityID: disputeEntityID(disputeID),
		Actor:    arbiter,
		Payload: map[string]any{
			"for_initiator": forInitiator,
			"total_votes":   tally.Total,
		},
	}
	if err := s.events.Append(ctx, tx, audit.TopicArbitration, cast); err != nil {
		return err
	}

	if tally.Total >= s.cfg.Quorum {
		if err := s.settleTx(ctx, tx, d, tally.Outcome(), arbiter, "quorum reached"); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return nil
}

// Resolve settles an open dispute manually.
func (s *Service) Resolve(ctx context.Context, disputeID int64, actor string, resolution Resolution, note string) error {
	if err := authz.RequireAny(ctx, s.policy, actor, authz.CapArbiter, authz.CapSuperArbiter); err != nil {
		return err
	}
	switch resolution {
	case ResolutionInitiatorWins, ResolutionRespondentWins, ResolutionSplit:
	default:
		return fmt.Errorf("arbitration: invalid resolution %q", resolution)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != StatusActive && d.Status != StatusEscalated {
		return fmt.Errorf("%w: dispute %d is %s", ErrNotOpen, d.ID, d.Status)
	}
	if d.Status == StatusEscalated {
		// Escalated disputes are reserved for super-arbiters.
		if err := authz.Require(ctx, s.policy, actor, authz.CapSuperArbiter); err != nil {
			return err
		}
	}

	if err := s.settleTx(ctx, tx, d, resolution, actor, note); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return nil
}

// Escalate flags an open dispute for super-arbiter attention, bounded by the
// cooldown and the lifetime cap.
func (s *Service) Escalate(ctx context.Context, disputeID int64, actor, note string) error {
	if err := authz.Require(ctx, s.policy, actor, authz.CapEscalation); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != StatusActive && d.Status != StatusEscalated {
		return fmt.Errorf("%w: dispute %d is %s", ErrNotOpen, d.ID, d.Status)
	}
	if d.EscalationCount >= s.cfg.EscalationMax {
		return fmt.Errorf("%w: limit %d", ErrEscalationCapped, s.cfg.EscalationMax)
	}
	now := s.now()
	if d.LastEscalatedAt != nil && now.Sub(*d.LastEscalatedAt) < s.cfg.EscalationCooldown {
		return fmt.Errorf("%w: wait %s between escalations", ErrEscalationCooldown, s.cfg.EscalationCooldown)
	}

	if err := s.disputes.EscalateTx(ctx, tx, disputeID, actor, now); err != nil {
		return err
	}

	ev := audit.Event{
		Type:     audit.TypeEscalationRequested,
		EntityID: disputeEntityID(disputeID),
		Actor:    actor,
		Payload: map[string]any{
			"note":             note,
			"escalation_count": d.EscalationCount + 1,
		},
	}
	if err := s.events.Append(ctx, tx, audit.TopicArbitration, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return nil
}

// Revoke withdraws an open dispute. Trust scores are left untouched.
func (s *Service) Revoke(ctx context.Context, disputeID int64, actor, reason string) error {
	if err := authz.RequireAny(ctx, s.policy, actor, authz.CapAdmin, authz.CapSuperArbiter); err != nil {
		return err
	}
	if reason == "" {
		return ErrEmptyReason
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.disputes.GetForUpdateTx(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != StatusActive && d.Status != StatusEscalated {
		return fmt.Errorf("%w: dispute %d is %s", ErrNotOpen, d.ID, d.Status)
	}

	if err := s.disputes.RevokeTx(ctx, tx, disputeID, actor); err != nil {
		return err
	}

	ev := audit.Event{
		Type:     audit.TypeDisputeRevoked,
		EntityID: disputeEntityID(disputeID),
		Actor:    actor,
		Payload:  map[string]any{"reason": reason},
	}
	if err := s.events.Append(ctx, tx, audit.TopicArbitration, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return nil
}

// ForceFundRedirect emits a redirect record for the settlement collaborator.
// The fund movement itself happens downstream.
func (s *Service) ForceFundRedirect(ctx context.Context, disputeID int64, actor, from, to string, amount int64, reason string) error {
	if err := authz.RequireAny(ctx, s.policy, actor, authz.CapAdmin, authz.CapSuperArbiter); err != nil {
		return err
	}
	if from == "" || to == "" || from == to || amount <= 0 {
		return ErrInvalidRedirect
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.disputes.GetForUpdateTx(ctx, tx, disputeID); err != nil {
		return err
	}

	ev := audit.Event{
		Type:     audit.TypeFundRedirected,
		EntityID: disputeEntityID(disputeID),
		Actor:    actor,
		Payload: map[string]any{
			"from":   from,
			"to":     to,
			"amount": amount,
			"reason": reason,
		},
	}
	if err := s.events.Append(ctx, tx, audit.TopicSettlement, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return nil
}

// ReassignArbiter hands the dispute to another arbiter. The target must hold
// the arbiter capability under the active policy.
func (s *Service) ReassignArbiter(ctx context.Context, disputeID int64, actor, newArbiter string) error {
	if err := authz.Require(ctx, s.policy, actor, authz.CapAdmin); err != nil {
		return err
	}
	capable, err := s.policy.Allow(ctx, newArbiter, authz.CapArbiter)
	if err != nil {
		return fmt.Errorf("arbitration: check arbiter capability: %w", err)
	}
	if !capable {
		return fmt.Errorf("%w: %s", ErrArbiterNotCapable, newArbiter)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.disputes.GetForUpdateTx(ctx, tx, disputeID); err != nil {
		return err
	}
	if err := s.disputes.AssignArbiterTx(ctx, tx, disputeID, newArbiter, actor); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return nil
}

// settleTx closes the dispute, applies trust adjustments for a determinate
// winner, and moves the deal out of disputed. Runs inside the caller's
// transaction while the dispute row is locked.
func (s *Service) settleTx(ctx context.Context, tx pgx.Tx, d Dispute, resolution Resolution, actor, note string) error {
	if err := s.disputes.ResolveTx(ctx, tx, d.ID, resolution, actor); err != nil {
		return err
	}

	payload := map[string]any{
		"resolution": string(resolution),
		"note":       note,
	}

	switch resolution {
	case ResolutionInitiatorWins, ResolutionRespondentWins:
		winner, loser := d.Initiator, d.Respondent
		beneficiary := d.Initiator
		if resolution == ResolutionRespondentWins {
			winner, loser = d.Respondent, d.Initiator
			beneficiary = d.Respondent
		}
		if err := s.trust.ApplyOutcomeTx(ctx, tx, winner, loser); err != nil {
			return err
		}
		payload["winner"] = winner

		if err := s.deals.TransitionTx(ctx, tx, d.DealID, deal.StateDisputed, deal.StateReleased); err != nil {
			return err
		}
		released := audit.Event{
			Type:     audit.TypeFundsReleased,
			EntityID: d.DealID,
			Actor:    actor,
			Payload: map[string]any{
				"dispute_id":  d.ID,
				"beneficiary": beneficiary,
			},
		}
		if err := s.events.Append(ctx, tx, audit.TopicSettlement, released); err != nil {
			return err
		}
	case ResolutionSplit:
		// Split leaves the deal disputed pending a manual fund redirect.
	}

	ev := audit.Event{
		Type:     audit.TypeDisputeResolved,
		EntityID: disputeEntityID(d.ID),
		Actor:    actor,
		Payload:  payload,
	}
	return s.events.Append(ctx, tx, audit.TopicArbitration, ev)
}

func disputeEntityID(id int64) string {
	return "dispute-" + strconv.FormatInt(id, 10)
}
