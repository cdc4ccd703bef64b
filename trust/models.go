package trust

import "time"

const (
	// InitialScore is the neutral reputation every actor starts from, and the
	// value restored on unblacklisting.
	InitialScore = 500
	MaxScore     = 1000
	MinScore     = 0

	// WinReward and LossPenalty are the symmetric per-resolution adjustments.
	WinReward   = 25
	LossPenalty = 25
)

// Score mirrors the trust_scores table.
type Score struct {
	Actor         string
	Score         int
	DisputesFiled int
	DisputesWon   int
	DisputesLost  int
	IsBlacklisted bool
	UpdatedAt     time.Time
}
