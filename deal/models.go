package deal

import "time"

// State represents the escrow lifecycle of a deal.
type State string

const (
	StateCreated   State = "created"
	StateFunded    State = "funded"
	StateApproved  State = "approved"
	StateReleased  State = "released"
	StateDisputed  State = "disputed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transitions are legal from s.
func (s State) IsTerminal() bool {
	return s == StateReleased || s == StateCancelled
}

// Deal mirrors the deals table. Amount is in fixed-point token units.
type Deal struct {
	ID          string
	Payer       string
	Payee       string
	Token       string
	Amount      int64
	Metadata    string
	State       State
	CreatedAt   time.Time
	FundedAt    *time.Time
	ApprovedAt  *time.Time
	ReleasedAt  *time.Time
	DisputedAt  *time.Time
	CancelledAt *time.Time
	UpdatedAt   time.Time
}

// CreateParams carries the fields required to open a deal.
type CreateParams struct {
	Payer    string
	Payee    string
	Token    string
	Amount   int64
	Metadata string
}

// transitions is the legal state graph. Every mutation validates against it
// before committing.
var transitions = map[State][]State{
	StateCreated:  {StateFunded, StateCancelled},
	StateFunded:   {StateApproved, StateDisputed, StateCancelled},
	StateApproved: {StateReleased, StateDisputed},
	StateDisputed: {StateReleased},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
