package arbitration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/audit"
	"escrowflow/authz"
	"escrowflow/deal"
	"escrowflow/triage"
)

type fixture struct {
	svc      *Service
	disputes *fakeDisputes
	deals    *fakeDeals
	trust    *fakeTrust
	events   *fakeWriter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	policy := authz.NewStaticPolicy()
	policy.Grant("arb-1", authz.RoleArbiter)
	policy.Grant("arb-2", authz.RoleArbiter)
	policy.Grant("arb-3", authz.RoleArbiter)
	policy.Grant("arb-4", authz.RoleArbiter)
	policy.Grant("sa-1", authz.RoleSuperArbiter)
	policy.Grant("adm-1", authz.RoleAdmin)

	disputes := &fakeDisputes{votes: make(map[string]bool)}
	deals := &fakeDeals{deal: deal.Deal{ID: "deal-1", Payer: "alice", Payee: "bob", Amount: 1000, State: deal.StateFunded}}
	trust := &fakeTrust{}
	events := &fakeWriter{}

	svc := NewService(&fakePool{}, disputes, deals, trust, &fakeClassifier{}, policy, events, cfg)
	return &fixture{svc: svc, disputes: disputes, deals: deals, trust: trust, events: events}
}

func (f *fixture) withActiveDispute(d Dispute) {
	if d.Status == "" {
		d.Status = StatusActive
	}
	if d.Resolution == "" {
		d.Resolution = ResolutionUnresolved
	}
	f.disputes.dispute = d
	f.disputes.exists = true
}

func TestFile_Success(t *testing.T) {
	f := newFixture(t, Config{})

	d, err := f.svc.File(context.Background(), "deal-1", "goods never arrived", 4, RiskHigh, "alice")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if d.Status != StatusActive {
		t.Errorf("expected active dispute, got %s", d.Status)
	}
	if d.Respondent != "bob" {
		t.Errorf("expected respondent bob, got %s", d.Respondent)
	}
	if !d.RequiresSuperArbiter {
		t.Errorf("expected severity 4 to require a super arbiter")
	}
	if f.trust.filedActor != "alice" {
		t.Errorf("expected disputesFiled increment for alice")
	}
	if f.deals.lastTo != deal.StateDisputed {
		t.Errorf("expected deal frozen to disputed, got %s", f.deals.lastTo)
	}
	if len(f.events.appended) != 2 ||
		f.events.appended[0].Type != audit.TypeDisputeRaised ||
		f.events.appended[1].Type != audit.TypeDisputeFiled {
		t.Errorf("expected DisputeRaised + DisputeFiled events, got %+v", f.events.appended)
	}
}

func TestFile_RejectsBlacklistedInitiator(t *testing.T) {
	f := newFixture(t, Config{})
	f.trust.blacklisted = map[string]bool{"alice": true}

	_, err := f.svc.File(context.Background(), "deal-1", "anything at all", 2, RiskLow, "alice")
	if !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("expected ErrBlacklisted, got %v", err)
	}
	if f.disputes.inserted {
		t.Errorf("expected no dispute insert")
	}
}

func TestFile_ValidatesInputs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.svc.File(ctx, "deal-1", "", 2, RiskLow, "alice"); !errors.Is(err, ErrEmptyReason) {
		t.Errorf("empty reason: expected ErrEmptyReason, got %v", err)
	}
	for _, sev := range []int{0, 6, -1} {
		if _, err := f.svc.File(ctx, "deal-1", "reason", sev, RiskLow, "alice"); !errors.Is(err, ErrInvalidSeverity) {
			t.Errorf("severity %d: expected ErrInvalidSeverity, got %v", sev, err)
		}
	}
	if _, err := f.svc.File(ctx, "deal-1", "reason", 2, "critical", "alice"); !errors.Is(err, ErrInvalidRiskLevel) {
		t.Errorf("risk critical: expected ErrInvalidRiskLevel, got %v", err)
	}
}

func TestFile_RejectsWhilePaused(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if err := f.svc.Pause(ctx, "adm-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.svc.File(ctx, "deal-1", "reason enough", 2, RiskLow, "alice"); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}

	if err := f.svc.Unpause(ctx, "adm-1"); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := f.svc.File(ctx, "deal-1", "reason enough", 2, RiskLow, "alice"); err != nil {
		t.Fatalf("expected filing after unpause, got %v", err)
	}
}

func TestPause_RequiresAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.svc.Pause(context.Background(), "arb-1"); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestFile_RejectsNonParty(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.svc.File(context.Background(), "deal-1", "not mine", 2, RiskLow, "mallory"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

func TestFile_RejectsUndisputableDeal(t *testing.T) {
	f := newFixture(t, Config{})
	f.deals.deal.State = deal.StateReleased

	if _, err := f.svc.File(context.Background(), "deal-1", "too late", 2, RiskLow, "alice"); !errors.Is(err, ErrNotDisputable) {
		t.Fatalf("expected ErrNotDisputable, got %v", err)
	}
}

func TestVote_RequiresArbiter(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Initiator: "alice", Respondent: "bob"})

	if err := f.svc.Vote(context.Background(), 1, "alice", true, "I say so"); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestVote_RequiresReasoning(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Initiator: "alice", Respondent: "bob"})

	if err := f.svc.Vote(context.Background(), 1, "arb-1", true, ""); !errors.Is(err, ErrEmptyReasoning) {
		t.Fatalf("expected ErrEmptyReasoning, got %v", err)
	}
}

func TestVote_RejectsClosedDispute(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Status: StatusResolved})

	if err := f.svc.Vote(context.Background(), 1, "arb-1", true, "late ballot"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestVote_RejectsSecondBallot(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Initiator: "alice", Respondent: "bob"})

	if err := f.svc.Vote(context.Background(), 1, "arb-1", true, "first look"); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	err := f.svc.Vote(context.Background(), 1, "arb-1", false, "changed my mind")
	if !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	if f.disputes.dispute.TotalVotes != 1 {
		t.Errorf("expected tally unchanged at 1, got %d", f.disputes.dispute.TotalVotes)
	}
}

func TestVote_QuorumResolvesByMajority(t *testing.T) {
	f := newFixture(t, Config{Quorum: 3})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Initiator: "alice", Respondent: "bob"})
	ctx := context.Background()

	if err := f.svc.Vote(ctx, 1, "arb-1", true, "evidence favors the buyer"); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	if f.disputes.dispute.Status != StatusActive {
		t.Fatalf("expected still active after 1 vote")
	}
	if err := f.svc.Vote(ctx, 1, "arb-2", true, "agree"); err != nil {
		t.Fatalf("vote 2: %v", err)
	}
	if err := f.svc.Vote(ctx, 1, "arb-3", false, "seller acted in good faith"); err != nil {
		t.Fatalf("vote 3: %v", err)
	}

	d := f.disputes.dispute
	if d.Status != StatusResolved {
		t.Errorf("expected resolved at quorum, got %s", d.Status)
	}
	if d.Resolution != ResolutionInitiatorWins {
		t.Errorf("expected initiator_wins, got %s", d.Resolution)
	}
	if f.trust.winner != "alice" || f.trust.loser != "bob" {
		t.Errorf("expected trust outcome alice over bob, got %s over %s", f.trust.winner, f.trust.loser)
	}
	if f.deals.lastFrom != deal.StateDisputed || f.deals.lastTo != deal.StateReleased {
		t.Errorf("expected disputed -> released, got %s -> %s", f.deals.lastFrom, f.deals.lastTo)
	}
}

func TestVote_TieYieldsSplit(t *testing.T) {
	f := newFixture(t, Config{Quorum: 4})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Initiator: "alice", Respondent: "bob"})
	ctx := context.Background()

	for i, vote := range []struct {
		arbiter      string
		forInitiator bool
	}{
		{"arb-1", true}, {"arb-2", false}, {"arb-3", true}, {"arb-4", false},
	} {
		if err := f.svc.Vote(ctx, 1, vote.arbiter, vote.forInitiator, "split opinion"); err != nil {
			t.Fatalf("vote %d: %v", i+1, err)
		}
	}

	if f.disputes.dispute.Resolution != ResolutionSplit {
		t.Errorf("expected split, got %s", f.disputes.dispute.Resolution)
	}
	if f.trust.winner != "" {
		t.Errorf("expected no trust adjustment on split")
	}
	if f.deals.transitioned {
		t.Errorf("expected deal to stay disputed on split")
	}
}

func TestResolve_Manual(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Initiator: "alice", Respondent: "bob"})

	if err := f.svc.Resolve(context.Background(), 1, "arb-1", ResolutionRespondentWins, "payer withdrew claim"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if f.disputes.dispute.Status != StatusResolved {
		t.Errorf("expected resolved, got %s", f.disputes.dispute.Status)
	}
	if f.trust.winner != "bob" || f.trust.loser != "alice" {
		t.Errorf("expected bob over alice, got %s over %s", f.trust.winner, f.trust.loser)
	}
}

func TestResolve_EscalatedNeedsSuperArbiter(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Initiator: "alice", Respondent: "bob", Status: StatusEscalated})

	err := f.svc.Resolve(context.Background(), 1, "arb-1", ResolutionSplit, "ordinary arbiter")
	if !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if err := f.svc.Resolve(context.Background(), 1, "sa-1", ResolutionSplit, "super arbiter decision"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestEscalate_Success(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1"})

	if err := f.svc.Escalate(context.Background(), 1, "sa-1", "needs a closer look"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	d := f.disputes.dispute
	if d.Status != StatusEscalated || !d.RequiresSuperArbiter || d.EscalationCount != 1 {
		t.Errorf("unexpected dispute after escalation: %+v", d)
	}
}

func TestEscalate_CooldownBlocksSecondAttempt(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1"})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }

	if err := f.svc.Escalate(context.Background(), 1, "sa-1", "first"); err != nil {
		t.Fatalf("first escalation: %v", err)
	}

	f.svc.now = func() time.Time { return base.Add(time.Hour) }
	if err := f.svc.Escalate(context.Background(), 1, "sa-1", "too soon"); !errors.Is(err, ErrEscalationCooldown) {
		t.Fatalf("expected ErrEscalationCooldown, got %v", err)
	}

	f.svc.now = func() time.Time { return base.Add(25 * time.Hour) }
	if err := f.svc.Escalate(context.Background(), 1, "sa-1", "second"); err != nil {
		t.Fatalf("second escalation after cooldown: %v", err)
	}
}

func TestEscalate_CapBlocksThirdAttempt(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1"})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		f.svc.now = func() time.Time { return base.Add(time.Duration(i) * 25 * time.Hour) }
		if err := f.svc.Escalate(context.Background(), 1, "sa-1", "round"); err != nil {
			t.Fatalf("escalation %d: %v", i+1, err)
		}
	}

	f.svc.now = func() time.Time { return base.Add(100 * time.Hour) }
	if err := f.svc.Escalate(context.Background(), 1, "sa-1", "once more"); !errors.Is(err, ErrEscalationCapped) {
		t.Fatalf("expected ErrEscalationCapped, got %v", err)
	}
}

func TestRevoke_LeavesTrustUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1", Initiator: "alice", Respondent: "bob"})

	if err := f.svc.Revoke(context.Background(), 1, "adm-1", "filed in error"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if f.disputes.dispute.Status != StatusRevoked {
		t.Errorf("expected revoked, got %s", f.disputes.dispute.Status)
	}
	if f.trust.winner != "" || f.trust.filedActor != "" {
		t.Errorf("expected no trust mutation on revoke")
	}
}

func TestForceFundRedirect_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1"})
	ctx := context.Background()

	cases := []struct {
		name   string
		from   string
		to     string
		amount int64
	}{
		{"empty from", "", "bob", 10},
		{"empty to", "alice", "", 10},
		{"same address", "alice", "alice", 10},
		{"zero amount", "alice", "bob", 0},
		{"negative amount", "alice", "bob", -5},
	}
	for _, tc := range cases {
		if err := f.svc.ForceFundRedirect(ctx, 1, "adm-1", tc.from, tc.to, tc.amount, "r"); !errors.Is(err, ErrInvalidRedirect) {
			t.Errorf("%s: expected ErrInvalidRedirect, got %v", tc.name, err)
		}
	}

	if err := f.svc.ForceFundRedirect(ctx, 1, "adm-1", "escrow-1", "bob", 500, "split payout"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	last := f.events.appended[len(f.events.appended)-1]
	if last.Type != audit.TypeFundRedirected {
		t.Errorf("expected FundRedirected event, got %s", last.Type)
	}
}

func TestReassignArbiter_ChecksCapability(t *testing.T) {
	f := newFixture(t, Config{})
	f.withActiveDispute(Dispute{ID: 1, DealID: "deal-1"})
	ctx := context.Background()

	if err := f.svc.ReassignArbiter(ctx, 1, "adm-1", "mallory"); !errors.Is(err, ErrArbiterNotCapable) {
		t.Fatalf("expected ErrArbiterNotCapable, got %v", err)
	}
	if err := f.svc.ReassignArbiter(ctx, 1, "arb-1", "arb-2"); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}
	if err := f.svc.ReassignArbiter(ctx, 1, "adm-1", "arb-2"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if f.disputes.assigned != "arb-2" {
		t.Errorf("expected arb-2 assigned, got %s", f.disputes.assigned)
	}
}

func TestFileFromComplaint_UsesClassifier(t *testing.T) {
	f := newFixture(t, Config{})

	d, c, err := f.svc.FileFromComplaint(context.Background(), "deal-1",
		"I never received the item I paid for. The seller is not responding.", "alice")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c.Category != "Non-Delivery" || c.Severity != 4 {
		t.Errorf("unexpected classification: %+v", c)
	}
	if d.Severity != 4 || d.RiskLevel != RiskHigh || !d.RequiresSuperArbiter {
		t.Errorf("unexpected filing: %+v", d)
	}
}

type fakeDisputes struct {
	dispute  Dispute
	exists   bool
	inserted bool
	votes    map[string]bool
	assigned string
}

func (f *fakeDisputes) Get(ctx context.Context, disputeID int64) (Dispute, error) {
	if !f.exists {
		return Dispute{}, ErrNotFound
	}
	return f.dispute, nil
}

func (f *fakeDisputes) InsertTx(ctx context.Context, tx pgx.Tx, params FileParams) (Dispute, error) {
	f.inserted = true
	f.dispute = Dispute{
		ID:                   1,
		DealID:               params.DealID,
		Initiator:            params.Initiator,
		Respondent:           params.Respondent,
		Reason:               params.Reason,
		Severity:             params.Severity,
		RiskLevel:            params.RiskLevel,
		Status:               StatusActive,
		Resolution:           ResolutionUnresolved,
		RequiresSuperArbiter: params.RequiresSuperArbiter,
		LastModifiedBy:       params.Initiator,
	}
	f.exists = true
	return f.dispute, nil
}

func (f *fakeDisputes) GetForUpdateTx(ctx context.Context, tx pgx.Tx, disputeID int64) (Dispute, error) {
	if !f.exists {
		return Dispute{}, ErrNotFound
	}
	return f.dispute, nil
}

func (f *fakeDisputes) InsertVoteTx(ctx context.Context, tx pgx.Tx, v Vote) error {
	if f.votes[v.Arbiter] {
		return ErrAlreadyVoted
	}
	f.votes[v.Arbiter] = true
	return nil
}

func (f *fakeDisputes) ApplyVoteTx(ctx context.Context, tx pgx.Tx, disputeID int64, forInitiator bool) (Tally, error) {
	if forInitiator {
		f.dispute.VotesForInitiator++
	} else {
		f.dispute.VotesForRespondent++
	}
	f.dispute.TotalVotes++
	return Tally{
		ForInitiator:  f.dispute.VotesForInitiator,
		ForRespondent: f.dispute.VotesForRespondent,
		Total:         f.dispute.TotalVotes,
	}, nil
}

func (f *fakeDisputes) ResolveTx(ctx context.Context, tx pgx.Tx, disputeID int64, res Resolution, by string) error {
	f.dispute.Status = StatusResolved
	f.dispute.Resolution = res
	f.dispute.LastModifiedBy = by
	return nil
}

func (f *fakeDisputes) EscalateTx(ctx context.Context, tx pgx.Tx, disputeID int64, by string, at time.Time) error {
	f.dispute.Status = StatusEscalated
	f.dispute.RequiresSuperArbiter = true
	f.dispute.EscalationCount++
	escalatedAt := at
	f.dispute.LastEscalatedAt = &escalatedAt
	f.dispute.LastModifiedBy = by
	return nil
}

func (f *fakeDisputes) RevokeTx(ctx context.Context, tx pgx.Tx, disputeID int64, by string) error {
	f.dispute.Status = StatusRevoked
	f.dispute.LastModifiedBy = by
	return nil
}

func (f *fakeDisputes) AssignArbiterTx(ctx context.Context, tx pgx.Tx, disputeID int64, arbiter, by string) error {
	f.assigned = arbiter
	return nil
}

type fakeDeals struct {
	deal         deal.Deal
	transitioned bool
	lastFrom     deal.State
	lastTo       deal.State
}

func (f *fakeDeals) GetForUpdateTx(ctx context.Context, tx pgx.Tx, dealID string) (deal.Deal, error) {
	if f.deal.ID == "" {
		return deal.Deal{}, deal.ErrNotFound
	}
	return f.deal, nil
}

func (f *fakeDeals) TransitionTx(ctx context.Context, tx pgx.Tx, dealID string, from, to deal.State) error {
	f.transitioned = true
	f.lastFrom = from
	f.lastTo = to
	f.deal.State = to
	return nil
}

type fakeTrust struct {
	blacklisted map[string]bool
	filedActor  string
	winner      string
	loser       string
}

func (f *fakeTrust) IsBlacklistedTx(ctx context.Context, tx pgx.Tx, actor string) (bool, error) {
	return f.blacklisted[actor], nil
}

func (f *fakeTrust) IncrementFiledTx(ctx context.Context, tx pgx.Tx, actor string) error {
	f.filedActor = actor
	return nil
}

func (f *fakeTrust) ApplyOutcomeTx(ctx context.Context, tx pgx.Tx, winner, loser string) error {
	f.winner = winner
	f.loser = loser
	return nil
}

type fakeClassifier struct{}

func (f *fakeClassifier) Classify(ctx context.Context, text, userID string) (triage.Classification, error) {
	return triage.NewRulesClassifier().Classify(ctx, text, userID)
}

type fakeWriter struct {
	appended []audit.Event
}

func (f *fakeWriter) Append(ctx context.Context, tx pgx.Tx, topic string, ev audit.Event) error {
	f.appended = append(f.appended, ev)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
