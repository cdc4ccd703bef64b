package audit

import "time"

// Type enumerates the append-only event kinds emitted by the core.
type Type string

const (
	TypeDealCreated    Type = "DEAL_CREATED"
	TypeDealFunded     Type = "DEAL_FUNDED"
	TypeDealApproved   Type = "DEAL_APPROVED"
	TypeFundsReleased  Type = "FUNDS_RELEASED"
	TypeDisputeRaised  Type = "DISPUTE_RAISED"
	TypeDealCancelled  Type = "DEAL_CANCELLED"
	TypeDisputeFiled   Type = "DISPUTE_FILED"
	TypeVoteCast       Type = "VOTE_CAST"
	TypeDisputeResolved Type = "DISPUTE_RESOLVED"
	TypeEscalationRequested Type = "ESCALATION_REQUESTED"
	TypeDisputeRevoked  Type = "DISPUTE_REVOKED"
	TypeFundRedirected  Type = "FUND_REDIRECTED"
	TypeUserBlacklisted Type = "USER_BLACKLISTED"
	TypeUserUnblacklisted Type = "USER_UNBLACKLISTED"
)

// Event is one immutable audit record, written in the same transaction as the
// state change it describes.
type Event struct {
	ID        string
	Type      Type
	EntityID  string
	Actor     string
	Payload   map[string]any
	CreatedAt time.Time
}

// OutboxMessage represents a transactional outbox entry awaiting dispatch.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Outbox topics consumed by the settlement, notification, and audit collaborators.
const (
	TopicDealLifecycle = "deal.lifecycle"
	TopicArbitration   = "dispute.arbitration"
	TopicSettlement    = "funds.settlement"
	TopicTrust         = "trust.registry"
)
