package triage

import (
	"errors"
	"fmt"
)

// Risk levels produced by classification.
const (
	RiskLow  = "low"
	RiskMed  = "med"
	RiskHigh = "high"
)

var (
	// ErrContentRejected signals the complaint failed moderation.
	ErrContentRejected = errors.New("triage: content rejected")
	// ErrRateLimitExceeded signals the caller exhausted their hourly budget.
	ErrRateLimitExceeded = errors.New("triage: rate limit exceeded")
	// ErrClassificationUnavailable signals neither the primary classifier nor
	// the fallback could produce a result.
	ErrClassificationUnavailable = errors.New("triage: classification unavailable")
)

// Classification is the triage label attached to a complaint before it
// reaches human arbiters. Both the external classifier and the rules fallback
// produce this shape and must pass the same validation.
type Classification struct {
	Severity   int     `json:"severity"`
	Category   string  `json:"category"`
	RiskLevel  string  `json:"riskLevel"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Validate enforces the classification contract: severity in [1,5], a known
// risk level, confidence in [0,1], and non-empty category and reasoning.
func (c Classification) Validate() error {
	if c.Severity < 1 || c.Severity > 5 {
		return fmt.Errorf("triage: severity %d out of range", c.Severity)
	}
	switch c.RiskLevel {
	case RiskLow, RiskMed, RiskHigh:
	default:
		return fmt.Errorf("triage: unknown risk level %q", c.RiskLevel)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("triage: confidence %v out of range", c.Confidence)
	}
	if c.Category == "" {
		return fmt.Errorf("triage: empty category")
	}
	if c.Reasoning == "" {
		return fmt.Errorf("triage: empty reasoning")
	}
	return nil
}
