package arbitration

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusActive    Status = "active"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
	StatusRevoked   Status = "revoked"
)

// Resolution is the outcome of a settled dispute.
type Resolution string

const (
	ResolutionUnresolved     Resolution = "unresolved"
	ResolutionInitiatorWins  Resolution = "initiator_wins"
	ResolutionRespondentWins Resolution = "respondent_wins"
	ResolutionSplit          Resolution = "split"
)

// Risk levels accepted on filing. Matches the triage classifier output.
const (
	RiskLow  = "low"
	RiskMed  = "med"
	RiskHigh = "high"
)

// ValidRiskLevel reports whether level is one of low, med, high.
func ValidRiskLevel(level string) bool {
	return level == RiskLow || level == RiskMed || level == RiskHigh
}

const (
	MinSeverity = 1
	MaxSeverity = 5

	// SuperArbiterSeverity is the severity at which a dispute is flagged for
	// super-arbiter attention on filing.
	SuperArbiterSeverity = 4
)

// Dispute mirrors the disputes table. IDs are monotonic and 1-based.
type Dispute struct {
	ID                   int64
	DealID               string
	Initiator            string
	Respondent           string
	Reason               string
	Severity             int
	RiskLevel            string
	Status               Status
	VotesForInitiator    int
	VotesForRespondent   int
	TotalVotes           int
	Resolution           Resolution
	RequiresSuperArbiter bool
	EscalationCount      int
	LastEscalatedAt      *time.Time
	AssignedArbiter      *string
	LastModifiedBy       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ResolvedAt           *time.Time
}

// Vote is one arbiter's ballot on a dispute. Keyed uniquely by
// (dispute_id, arbiter).
type Vote struct {
	DisputeID    int64
	Arbiter      string
	ForInitiator bool
	Reasoning    string
	CreatedAt    time.Time
}

// FileParams carries the validated inputs for a new dispute row.
type FileParams struct {
	DealID               string
	Initiator            string
	Respondent           string
	Reason               string
	Severity             int
	RiskLevel            string
	RequiresSuperArbiter bool
}

// Tally is the vote state after a ballot is applied.
type Tally struct {
	ForInitiator  int
	ForRespondent int
	Total         int
}

// Outcome decides the majority resolution for a completed tally. Equal
// tallies yield a split.
func (t Tally) Outcome() Resolution {
	switch {
	case t.ForInitiator > t.ForRespondent:
		return ResolutionInitiatorWins
	case t.ForRespondent > t.ForInitiator:
		return ResolutionRespondentWins
	default:
		return ResolutionSplit
	}
}
