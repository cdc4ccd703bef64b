package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against a live database mid-stress.
// Each query must return zero rows; any row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_tally_matches_ballots",
			SQL: `SELECT d.id, d.total_votes, COUNT(v.arbiter) AS ballots
                  FROM disputes d
                  LEFT JOIN dispute_votes v ON v.dispute_id = d.id
                  GROUP BY d.id
                  HAVING d.total_votes <> COUNT(v.arbiter)
                      OR d.votes_for_initiator + d.votes_for_respondent <> d.total_votes`,
		},
		{
			Name: "O2_resolved_has_resolution",
			SQL: `SELECT id, status, resolution FROM disputes
                  WHERE (status = 'resolved' AND (resolution = 'unresolved' OR resolved_at IS NULL))
                     OR (status <> 'resolved' AND resolution <> 'unresolved')`,
		},
		{
			Name: "O3_active_below_quorum",
			SQL: `SELECT id, total_votes FROM disputes
                  WHERE status IN ('active','escalated') AND total_votes >= 3`,
		},
		{
			Name: "O4_trust_score_bounds",
			SQL:  `SELECT actor, score FROM trust_scores WHERE score < 0 OR score > 1000`,
		},
		{
			Name: "O5_dispute_deal_state",
			SQL: `SELECT d.id, d.status, dl.state FROM disputes d
                  JOIN deals dl ON dl.id = d.deal_id
                  WHERE d.status IN ('active','escalated')
                    AND dl.state NOT IN ('disputed')`,
		},
		{
			Name: "O6_escalation_cap",
			SQL:  `SELECT id, escalation_count FROM disputes WHERE escalation_count > 2`,
		},
		{
			Name: "O7_deal_timestamp_order",
			SQL: `SELECT id FROM deals
                  WHERE (funded_at IS NOT NULL AND funded_at < created_at)
                     OR (approved_at IS NOT NULL AND approved_at < funded_at)
                     OR (released_at IS NOT NULL AND state <> 'released')`,
		},
		{
			Name: "O8_terminal_deals_frozen",
			SQL: `SELECT dl.id FROM deals dl
                  JOIN disputes d ON d.deal_id = dl.id
                  WHERE dl.state = 'cancelled'`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
