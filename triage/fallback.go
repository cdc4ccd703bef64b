package triage

import (
	"context"
	"strings"
)

const (
	// matchConfidence is the fixed confidence for any single matched rule.
	matchConfidence = 0.7
	// defaultConfidence is the confidence when no rule matches.
	defaultConfidence = 0.3
)

// rule is one keyword pattern in the deterministic fallback table.
type rule struct {
	keywords  []string
	category  string
	severity  int
	riskLevel string
	reasoning string
}

// fallbackRules is ordered; when several rules match, the highest severity
// wins.
var fallbackRules = []rule{
	{
		keywords:  []string{"never received", "not received", "never arrived", "no delivery", "didn't receive", "did not receive"},
		category:  "Non-Delivery",
		severity:  4,
		riskLevel: RiskHigh,
		reasoning: "complaint indicates goods or services were never delivered",
	},
	{
		keywords:  []string{"damaged", "broken", "defective", "not as described", "wrong item", "poor quality"},
		category:  "Item Quality",
		severity:  3,
		riskLevel: RiskMed,
		reasoning: "complaint indicates the delivered item did not match expectations",
	},
	{
		keywords:  []string{"overcharged", "double charged", "wrong amount", "billing", "refund not", "charged twice"},
		category:  "Payment Dispute",
		severity:  3,
		riskLevel: RiskMed,
		reasoning: "complaint indicates a billing or payment discrepancy",
	},
	{
		keywords:  []string{"not responding", "no response", "won't reply", "ignores", "unreachable", "stopped replying"},
		category:  "Communication Issue",
		severity:  1,
		riskLevel: RiskLow,
		reasoning: "complaint indicates a communication breakdown between the parties",
	},
}

// RulesClassifier is the deterministic keyword fallback. It produces the same
// output shape as the external classifier and always validates.
type RulesClassifier struct {
	rules []rule
}

func NewRulesClassifier() *RulesClassifier {
	return &RulesClassifier{rules: fallbackRules}
}

// Classify matches keyword rules against the lowercased text and returns the
// highest-severity match, or the general-dispute default when nothing matches.
func (r *RulesClassifier) Classify(_ context.Context, text, _ string) (Classification, error) {
	lowered := strings.ToLower(text)

	var best *rule
	for i := range r.rules {
		candidate := &r.rules[i]
		if !matchesAny(lowered, candidate.keywords) {
			continue
		}
		if best == nil || candidate.severity > best.severity {
			best = candidate
		}
	}

	if best == nil {
		return Classification{
			Severity:   2,
			Category:   "General Dispute",
			RiskLevel:  RiskLow,
			Confidence: defaultConfidence,
			Reasoning:  "no known complaint pattern matched",
		}, nil
	}

	return Classification{
		Severity:   best.severity,
		Category:   best.category,
		RiskLevel:  best.riskLevel,
		Confidence: matchConfidence,
		Reasoning:  best.reasoning,
	}, nil
}

func matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
