package engine_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/rail"
	"bountyline/internal/repo"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyAdapter wraps a rail to inject release failures.
type flakyAdapter struct {
	rail.Adapter
	mu                  sync.Mutex
	releaseErr          error
	timeoutAfterRelease bool
}

func (f *flakyAdapter) set(releaseErr error, timeoutAfterRelease bool) {
	f.mu.Lock()
	f.releaseErr, f.timeoutAfterRelease = releaseErr, timeoutAfterRelease
	f.mu.Unlock()
}

func (f *flakyAdapter) Release(ctx context.Context, req rail.ReleaseRequest) (rail.Receipt, error) {
	f.mu.Lock()
	failErr, late := f.releaseErr, f.timeoutAfterRelease
	f.mu.Unlock()
	if failErr != nil {
		return rail.Receipt{}, failErr
	}
	r, err := f.Adapter.Release(ctx, req)
	if err == nil && late {
		return rail.Receipt{}, &rail.Error{Kind: rail.KindUnavailable, Rail: f.Method(), Op: "release", Msg: "gateway timeout"}
	}
	return r, err
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Ledger rail.Ledger
	Clock  *testClock
	Card   *flakyAdapter
	Rails  *rail.Registry
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := rail.Ledger{DB: conn, Now: clock.Now}
	card := &flakyAdapter{Adapter: rail.NewCard(ledger, "USD")}
	base, err := rail.NewBaseUSDC(ledger, cfg.Rails.BaseUSDC.EscrowContract, cfg.Rails.BaseUSDC.ChainID)
	require.NoError(t, err)
	sol, err := rail.NewSolanaUSDC(ledger, cfg.Rails.SolanaUSDC.ProgramID)
	require.NoError(t, err)
	rails := rail.NewRegistry(card, base, sol)

	eng := engine.New(conn, cfg, rails, ledger, zap.NewNop())
	eng.Now = clock.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Ledger: ledger, Clock: clock, Card: card, Rails: rails}
}

func pubkey(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

func protocol(pcts ...float64) *engine.Draft {
	d := &engine.Draft{
		Methodology:      "Randomised controlled trial with blinded assessment",
		DataRequirements: []string{"raw assay data", "analysis notebooks"},
	}
	for i, p := range pcts {
		d.Milestones = append(d.Milestones, engine.MilestoneInput{
			Title:            "Milestone " + string(rune('A'+i)),
			PayoutPercentage: p,
			DueInDays:        10 * (i + 1),
		})
	}
	return d
}

func (env testEnv) submit(t *testing.T, id string, evt engine.Event) engine.Snapshot {
	t.Helper()
	snap, err := env.Engine.Submit(env.Ctx, id, evt)
	require.NoError(t, err, "submit %s", evt.Type)
	return snap
}

func (env testEnv) create(t *testing.T, method domain.PaymentMethod, budget float64) string {
	t.Helper()
	snap, err := env.Engine.CreateBounty(env.Ctx, engine.CreateOptions{
		FunderID:      "funder-1",
		Title:         "Replicate the assay",
		Budget:        budget,
		PaymentMethod: method,
		Draft:         protocol(40, 30, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, "drafting", snap.Label)
	return snap.Bounty.ID
}

func payerFor(method domain.PaymentMethod) string {
	switch method {
	case domain.PaymentSolanaUSDC:
		return pubkey(9)
	case domain.PaymentBaseUSDC:
		return "0x000000000000000000000000000000000000dEaD"
	}
	return "pm_funder"
}

func payoutFor(method domain.PaymentMethod) string {
	switch method {
	case domain.PaymentSolanaUSDC:
		return pubkey(2)
	case domain.PaymentBaseUSDC:
		return "0x1111111111111111111111111111111111111111"
	}
	return "acct_lab1"
}

// funded drives a new bounty to bidding.open.
func (env testEnv) funded(t *testing.T, method domain.PaymentMethod, budget float64) string {
	t.Helper()
	id := env.create(t, method, budget)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitDraft, ActorID: "funder-1"})
	env.submit(t, id, engine.Event{Type: domain.EventAdminApprove, ActorID: "admin-1"})
	env.submit(t, id, engine.Event{Type: domain.EventInitiateFunding, ActorID: "funder-1", PayerRef: payerFor(method)})
	snap := env.submit(t, id, engine.Event{Type: domain.EventFundingConfirmed, ActorID: "funder-1"})
	require.Equal(t, "bidding.open", snap.Label)
	return id
}

// active drives a new bounty to active_research with one accepted proposal.
func (env testEnv) active(t *testing.T, method domain.PaymentMethod, budget float64) (string, domain.Proposal) {
	t.Helper()
	id := env.funded(t, method, budget)
	snap := env.submit(t, id, engine.Event{Type: domain.EventSubmitProposal, ActorID: "lab-1", Proposal: &engine.ProposalInput{
		BidAmount:        budget,
		StakedAmount:     100,
		TimelineDays:     60,
		VerificationTier: domain.TierVerified,
		PayoutRef:        payoutFor(method),
	}})
	p := snap.Bounty.Proposals[len(snap.Bounty.Proposals)-1]
	snap = env.submit(t, id, engine.Event{Type: domain.EventSelectLab, ActorID: "funder-1", ProposalID: p.ID})
	require.Equal(t, "active_research", snap.Label)
	return id, p
}

func (env testEnv) releases(t *testing.T, id, kind string) []repo.Release {
	t.Helper()
	all, err := env.Engine.Repo.ListReleases(env.Ctx, id)
	require.NoError(t, err)
	var out []repo.Release
	for _, r := range all {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func TestHappyPathReleasesEveryMilestone(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snap.Bounty.Escrow)
	assert.Equal(t, int64(100_000), snap.Bounty.Escrow.TotalAmount)
	var scheduled []int64
	for _, r := range snap.Bounty.Escrow.Schedule {
		scheduled = append(scheduled, r.Amount)
	}
	assert.Equal(t, []int64{40_000, 30_000, 30_000}, scheduled)
	assert.Equal(t, domain.MilestoneInProgress, snap.Bounty.Milestones[0].Status)
	require.NotNil(t, snap.Bounty.Milestones[0].DueAt)

	for i := range snap.Bounty.Milestones {
		s := env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1", Evidence: []string{"s3://results/" + string(rune('a'+i))}})
		require.Equal(t, "milestone_review", s.Label)
		s = env.submit(t, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
		if i < 2 {
			require.Equal(t, "active_research", s.Label)
		} else {
			require.Equal(t, "completed_payout", s.Label)
		}
	}
	final := env.submit(t, id, engine.Event{Type: domain.EventReleaseFinalPayout, ActorID: "funder-1"})
	assert.Equal(t, "completed", final.Label)
	assert.Equal(t, int64(100_000), final.Bounty.Escrow.Released())
	assert.Equal(t, int64(0), final.Bounty.Escrow.Remaining())
	assert.Equal(t, int64(38_800), final.Bounty.Escrow.Schedule[0].NetAmount)
	assert.Equal(t, int64(1_200), final.Bounty.Escrow.Schedule[0].FeeAmount)

	assert.Len(t, env.releases(t, id, "release"), 3)
	assert.Len(t, env.releases(t, id, "lock"), 1)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{BountyID: id, Type: string(domain.EventFundingConfirmed)})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	// newest first
	assert.Equal(t, "funding_escrow.locked", evts[0].FromState)
	assert.Equal(t, "bidding.open", evts[0].ToState)
	assert.Equal(t, "funding_escrow.processing", evts[1].FromState)
}

func TestSubmitDraftValidatesMilestonePercentages(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, domain.PaymentCard, 500)

	for _, pcts := range [][]float64{{33.3, 33.3, 33.3}, {50, 50.2}} {
		_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventSubmitDraft, ActorID: "funder-1", Draft: protocol(pcts...)})
		require.Error(t, err)
		assert.True(t, engine.IsValidation(err), "%v", pcts)
	}
	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "drafting", snap.Label)
	assert.Equal(t, int64(1), snap.Version)

	ok := env.submit(t, id, engine.Event{Type: domain.EventSubmitDraft, ActorID: "funder-1", Draft: protocol(25, 25, 50)})
	assert.Equal(t, "pending_admin_review", ok.Label)
}

func TestInvalidEventLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, domain.PaymentCard, 500)

	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "drafting", verr.State)

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{BountyID: id})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestCriticalRiskBlocksApproval(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, domain.PaymentCard, 500)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitDraft, ActorID: "funder-1", Moderation: &domain.ModerationResult{Score: 95, Decision: domain.ModerationReview}})

	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventAdminApprove, ActorID: "admin-1"})
	require.True(t, engine.IsValidation(err))

	snap := env.submit(t, id, engine.Event{Type: domain.EventAdminReject, ActorID: "admin-1", Notes: "dual-use concern"})
	assert.Equal(t, "rejected", snap.Label)
	_, err = env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventSubmitDraft, ActorID: "funder-1"})
	assert.True(t, engine.IsValidation(err))
}

func TestRequestChangesAndResubmit(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, domain.PaymentCard, 500)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitDraft, ActorID: "funder-1"})

	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventAdminRequestChanges, ActorID: "admin-1"})
	assert.True(t, engine.IsValidation(err), "notes are required")

	snap := env.submit(t, id, engine.Event{Type: domain.EventAdminRequestChanges, ActorID: "admin-1", Notes: "clarify sample size"})
	assert.Equal(t, "requires_changes", snap.Label)
	snap = env.submit(t, id, engine.Event{Type: domain.EventResubmit, ActorID: "funder-1", Draft: protocol(50, 50)})
	assert.Equal(t, "pending_admin_review", snap.Label)
	assert.Len(t, snap.Bounty.Milestones, 2)
}

func TestExtensionCap(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)

	for i := 0; i < 2; i++ {
		env.submit(t, id, engine.Event{Type: domain.EventRequestExtension, ActorID: "lab-1", ExtensionDays: 7, Notes: "reagent delay"})
		snap := env.submit(t, id, engine.Event{Type: domain.EventGrantExtension, ActorID: "funder-1"})
		assert.Equal(t, "active_research", snap.Label)
		assert.Equal(t, i+1, snap.Bounty.Research.ExtensionsGranted)
	}
	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventRequestExtension, ActorID: "lab-1", ExtensionDays: 7})
	require.True(t, engine.IsValidation(err))

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 14, snap.Bounty.Research.ExtendedDays)
	assert.Equal(t, snap.Bounty.Research.StartedAt.AddDate(0, 0, 74), snap.Bounty.Research.Deadline)
}

func TestDeadlineBreachThenGrant(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)

	b, err := env.Engine.Repo.GetBounty(env.Ctx, id)
	require.NoError(t, err)
	assert.False(t, env.Engine.DeadlineExpiryDue(b))
	_, err = env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventDeadlineExpired, ActorID: "system"})
	require.True(t, engine.IsValidation(err))

	env.Clock.Advance(61 * 24 * time.Hour)
	b, err = env.Engine.Repo.GetBounty(env.Ctx, id)
	require.NoError(t, err)
	assert.True(t, env.Engine.DeadlineExpiryDue(b))
	snap := env.submit(t, id, engine.Event{Type: domain.EventDeadlineExpired, ActorID: "system"})
	assert.Equal(t, "deadline_breach", snap.Label)
	require.NotNil(t, snap.Bounty.Research.BreachedAt)

	snap = env.submit(t, id, engine.Event{Type: domain.EventGrantExtension, ActorID: "funder-1", ExtensionDays: 10})
	assert.Equal(t, "active_research", snap.Label)
	assert.Equal(t, env.Clock.Now().UTC().AddDate(0, 0, 10), snap.Bounty.Research.Deadline)
	assert.Nil(t, snap.Bounty.Research.BreachedAt)
}

func TestRevisionLoop(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)

	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})
	snap := env.submit(t, id, engine.Event{Type: domain.EventRequestRevision, ActorID: "funder-1", Notes: "missing controls"})
	assert.Equal(t, "active_research", snap.Label)
	assert.Equal(t, domain.MilestoneRejected, snap.Bounty.Milestones[0].Status)
	assert.Equal(t, 1, snap.Bounty.Milestones[0].Revisions)

	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})
	snap = env.submit(t, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	assert.Equal(t, domain.MilestoneVerified, snap.Bounty.Milestones[0].Status)
	assert.Len(t, env.releases(t, id, "release"), 1)
}

func TestSlashGuardAndFunderWins(t *testing.T) {
	env := newTestEnv(t)
	id, p := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})
	env.submit(t, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})

	snap := env.submit(t, id, engine.Event{Type: domain.EventInitiateDispute, ActorID: "funder-1", Dispute: &engine.DisputeInput{ReasonCode: "fabricated_data"}})
	assert.Equal(t, "dispute_resolution", snap.Label)
	disputeID := snap.Bounty.Disputes[0].ID

	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventResolveDispute, ActorID: "arb-1", Resolution: &engine.ResolutionInput{
		Outcome: domain.OutcomeFunderWins, SlashAmount: p.StakedAmount + 1,
	}})
	require.True(t, engine.IsValidation(err))

	snap = env.submit(t, id, engine.Event{Type: domain.EventResolveDispute, ActorID: "arb-1", Resolution: &engine.ResolutionInput{
		Outcome: domain.OutcomeFunderWins, SlashAmount: p.StakedAmount,
	}})
	assert.Equal(t, "cancelled", snap.Label)
	assert.Equal(t, int64(0), snap.Bounty.Escrow.Remaining())
	assert.Equal(t, int64(60_000), snap.Bounty.Escrow.Refunded())
	lab, ok := snap.Bounty.SelectedLab()
	require.True(t, ok)
	assert.Equal(t, "slashed", lab.StakeStatus)

	slashed, err := env.Ledger.Slashed(env.Ctx, id, disputeID)
	require.NoError(t, err)
	assert.True(t, slashed)
}

func TestDisputeArbitrationThenPartialRefund(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentSolanaUSDC, 50.5)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})
	env.submit(t, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	env.submit(t, id, engine.Event{Type: domain.EventInitiateDispute, ActorID: "lab-1", Dispute: &engine.DisputeInput{ReasonCode: "scope_change", InitiatorRole: "lab"}})

	snap := env.submit(t, id, engine.Event{Type: domain.EventResolveDispute, ActorID: "arb-1", Resolution: &engine.ResolutionInput{Outcome: domain.OutcomeArbitration}})
	assert.Equal(t, "external_arbitration", snap.Label)

	snap = env.submit(t, id, engine.Event{Type: domain.EventResolveDispute, ActorID: "arb-1", Resolution: &engine.ResolutionInput{
		Outcome: domain.OutcomePartialRefund, LabSharePercent: 50,
	}})
	assert.Equal(t, "partial_settlement", snap.Label)
	esc := snap.Bounty.Escrow
	assert.Equal(t, int64(50_500_000), esc.TotalAmount)
	assert.Equal(t, int64(20_200_000+15_150_000), esc.Released())
	assert.Equal(t, int64(15_150_000), esc.Refunded())
	assert.Equal(t, int64(0), esc.Remaining())
}

func TestBiddingExpiryRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	id := env.funded(t, domain.PaymentBaseUSDC, 250)

	env.Clock.Advance(13 * 24 * time.Hour)
	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventBiddingExpired, ActorID: "system"})
	require.True(t, engine.IsValidation(err))

	env.Clock.Advance(2 * 24 * time.Hour)
	b, err := env.Engine.Repo.GetBounty(env.Ctx, id)
	require.NoError(t, err)
	require.True(t, env.Engine.BiddingExpiryDue(b))
	snap := env.submit(t, id, engine.Event{Type: domain.EventBiddingExpired, ActorID: "system"})
	assert.Equal(t, "cancelled", snap.Label)

	_, err = env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventBiddingExpired, ActorID: "system"})
	require.True(t, engine.IsValidation(err))

	refunds := env.releases(t, id, "refund")
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(250_000_000), refunds[0].Amount)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{BountyID: id, Type: string(domain.EventBiddingExpired)})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "refunding", evts[0].FromState)
	assert.Equal(t, "cancelled", evts[0].ToState)
	assert.Equal(t, "bidding.open", evts[1].FromState)
}

func TestCancelFromBiddingRefunds(t *testing.T) {
	env := newTestEnv(t)
	id := env.funded(t, domain.PaymentCard, 300)
	snap := env.submit(t, id, engine.Event{Type: domain.EventCancel, ActorID: "funder-1", Notes: "priorities changed"})
	assert.Equal(t, "cancelled", snap.Label)
	assert.Equal(t, int64(30_000), snap.Bounty.Escrow.Refunded())

	id2, _ := env.active(t, domain.PaymentCard, 300)
	_, err := env.Engine.Submit(env.Ctx, id2, engine.Event{Type: domain.EventCancel, ActorID: "funder-1"})
	assert.True(t, engine.IsValidation(err))
}

func TestSelectLabRequiresVerifiedTier(t *testing.T) {
	env := newTestEnv(t)
	id := env.funded(t, domain.PaymentCard, 1000)
	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventSubmitProposal, ActorID: "lab-9", Proposal: &engine.ProposalInput{
		BidAmount: 900, TimelineDays: 30, PayoutRef: "not-an-account",
	}})
	require.True(t, engine.IsValidation(err))

	snap := env.submit(t, id, engine.Event{Type: domain.EventSubmitProposal, ActorID: "lab-9", Proposal: &engine.ProposalInput{
		BidAmount: 900, TimelineDays: 30, VerificationTier: domain.TierBasic, PayoutRef: "acct_lab9",
	}})
	_, err = env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventSelectLab, ActorID: "funder-1", ProposalID: snap.Bounty.Proposals[0].ID})
	require.True(t, engine.IsValidation(err))

	snap = env.submit(t, id, engine.Event{Type: domain.EventRejectAll, ActorID: "funder-1"})
	assert.Equal(t, "cancelled", snap.Label)
	assert.Equal(t, domain.ProposalRejected, snap.Bounty.Proposals[0].Status)
	assert.Len(t, env.releases(t, id, "refund"), 1)
}

func TestConcurrentApprovalsReleaseOnce(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, engine.IsValidation(err), "%v", err)
		}
	}
	assert.Equal(t, 1, failures)
	assert.Len(t, env.releases(t, id, "release"), 1)
}

func TestDefiniteReleaseFailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	before := env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	env.Card.set(&rail.Error{Kind: rail.KindRecipientInvalid, Rail: domain.PaymentCard, Op: "release", Msg: "account closed"}, false)
	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	var se *engine.SideEffectError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, rail.KindRecipientInvalid, se.Kind)
	assert.False(t, se.Retryable())

	after, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "milestone_review", after.Label)
	assert.Equal(t, before.Version, after.Version)
	open, err := env.Engine.Repo.OpenIntents(env.Ctx, id)
	require.NoError(t, err)
	assert.Empty(t, open)

	env.Card.set(nil, false)
	snap := env.submit(t, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	assert.Equal(t, "active_research", snap.Label)
}

func TestAmbiguousReleaseCompletesOnRetry(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	env.Card.set(nil, true)
	approve := engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"}
	_, err := env.Engine.Submit(env.Ctx, id, approve)
	var se *engine.SideEffectError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "milestone_review", snap.Label)
	open, err := env.Engine.Repo.OpenIntents(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, open, 1)

	env.Card.set(nil, false)
	snap = env.submit(t, id, approve)
	assert.Equal(t, "active_research", snap.Label)
	require.NotNil(t, snap.Bounty.Escrow.Schedule[0].ReleasedAt)
	assert.Len(t, env.releases(t, id, "release"), 1)

	open, err = env.Engine.Repo.OpenIntents(env.Ctx, id)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRecoverAbortsIntentsThatNeverReachedRail(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	env.Card.set(&rail.Error{Kind: rail.KindUnavailable, Rail: domain.PaymentCard, Op: "release", Msg: "connection reset"}, false)
	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	require.Error(t, err)
	env.Card.set(nil, false)

	report, err := env.Engine.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.RecoveryReport{Checked: 1, Aborted: 1}, report)

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "milestone_review", snap.Label)
	assert.Empty(t, env.releases(t, id, "release"))
}

func TestMismatchPlacesBountyOnHold(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	env.Card.set(nil, true)
	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	require.Error(t, err)
	env.Card.set(nil, false)

	b, err := env.Engine.Repo.GetBounty(env.Ctx, id)
	require.NoError(t, err)
	_, err = env.Card.Refund(env.Ctx, rail.RefundRequest{EscrowRef: b.Escrow.EscrowRef, Key: "manual", Amount: 1, PayerRef: "pm_funder"})
	require.NoError(t, err)

	_, err = env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventRequestRevision, ActorID: "funder-1"})
	var rerr *engine.ReconciliationError
	require.ErrorAs(t, err, &rerr)

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.Bounty.OnHold)
	_, err = env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventRequestRevision, ActorID: "funder-1"})
	require.True(t, errors.As(err, &rerr))

	snap = env.submit(t, id, engine.Event{Type: domain.EventClearHold, ActorID: "admin-1", Notes: "reconciled manually"})
	assert.False(t, snap.Bounty.OnHold)
	assert.Equal(t, "milestone_review", snap.Label)
}

func TestFlagOverdueMilestonesOnce(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.Clock.Advance(11 * 24 * time.Hour)

	n, err := env.Engine.FlagOverdueMilestones(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = env.Engine.FlagOverdueMilestones(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "active_research", snap.Label)
	assert.True(t, snap.Bounty.Milestones[0].Overdue)
	assert.False(t, snap.Bounty.Milestones[1].Overdue)
}

func TestEscalateStaleReview(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, domain.PaymentCard, 500)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitDraft, ActorID: "funder-1"})

	ok, err := env.Engine.EscalateStaleReview(env.Ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	env.Clock.Advance(73 * time.Hour)
	ok, err = env.Engine.EscalateStaleReview(env.Ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.Engine.EscalateStaleReview(env.Ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateBountyValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateBounty(env.Ctx, engine.CreateOptions{FunderID: "f", Title: "t", Budget: 10, PaymentMethod: "paypal"})
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.CreateBounty(env.Ctx, engine.CreateOptions{FunderID: "f", Title: "t", Budget: 10, PaymentMethod: domain.PaymentBaseUSDC, Currency: "EUR"})
	assert.True(t, engine.IsValidation(err))
	_, err = env.Engine.CreateBounty(env.Ctx, engine.CreateOptions{FunderID: "f", Title: "t", Budget: 0, PaymentMethod: domain.PaymentCard})
	assert.True(t, engine.IsValidation(err))
}

// gatedAdapter parks Release until the gate opens.
type gatedAdapter struct {
	rail.Adapter
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedAdapter) Release(ctx context.Context, req rail.ReleaseRequest) (rail.Receipt, error) {
	close(g.entered)
	<-g.gate
	return g.Adapter.Release(ctx, req)
}

func TestOverdueSweepWaitsForAmbiguousRelease(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	env.Card.set(nil, true)
	approve := engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"}
	_, err := env.Engine.Submit(env.Ctx, id, approve)
	require.Error(t, err)
	env.Card.set(nil, false)

	env.Clock.Advance(25 * 24 * time.Hour)
	n, err := env.Engine.FlagOverdueMilestones(env.Ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n, "bounty with an unsettled release is skipped")
	ok, err := env.Engine.EscalateStaleReview(env.Ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	snap := env.submit(t, id, approve)
	assert.Equal(t, "active_research", snap.Label)
	assert.False(t, snap.Bounty.OnHold)
	released := env.releases(t, id, "release")
	require.Len(t, released, 1)
	bal, err := env.Card.Balance(env.Ctx, snap.Bounty.Escrow.EscrowRef)
	require.NoError(t, err)
	assert.Equal(t, released[0].Amount, bal.Released)

	n, err = env.Engine.FlagOverdueMilestones(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// bumpVersion commits a new version without going through the engine.
func (env testEnv) bumpVersion(t *testing.T, id string) {
	t.Helper()
	b, err := env.Engine.Repo.GetBounty(env.Ctx, id)
	require.NoError(t, err)
	next := b.Clone()
	next.Version = b.Version + 1
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, env.Engine.Repo.UpdateBounty(env.Ctx, tx, next, b.Version))
	require.NoError(t, tx.Commit())
}

func TestSupersededIntentThatReachedRailHolds(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	env.Card.set(nil, true)
	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	require.Error(t, err)
	env.Card.set(nil, false)
	env.bumpVersion(t, id)

	report, err := env.Engine.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.RecoveryReport{Checked: 1, Held: 1}, report)

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.Bounty.OnHold)
	assert.Contains(t, snap.Bounty.HoldReason, "reached the rail")
	open, err := env.Engine.Repo.OpenIntents(env.Ctx, id)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSupersededIntentThatNeverReachedRailIsDropped(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	env.Card.set(&rail.Error{Kind: rail.KindUnavailable, Rail: domain.PaymentCard, Op: "release", Msg: "connection reset"}, false)
	_, err := env.Engine.Submit(env.Ctx, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
	require.Error(t, err)
	env.Card.set(nil, false)
	env.bumpVersion(t, id)

	report, err := env.Engine.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.RecoveryReport{Checked: 1, Aborted: 1}, report)

	snap, err := env.Engine.Snapshot(env.Ctx, id)
	require.NoError(t, err)
	assert.False(t, snap.Bounty.OnHold)
	assert.Equal(t, "milestone_review", snap.Label)
}

func TestRejectedMilestoneIsNotFlaggedOverdue(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})
	snap := env.submit(t, id, engine.Event{Type: domain.EventRequestRevision, ActorID: "funder-1"})
	require.Equal(t, domain.MilestoneRejected, snap.Bounty.Milestones[0].Status)

	env.Clock.Advance(11 * 24 * time.Hour)
	n, err := env.Engine.FlagOverdueMilestones(env.Ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLeaseExcludesEngineSharingTheStore(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.active(t, domain.PaymentCard, 1000)
	env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})

	gated := &gatedAdapter{Adapter: env.Card, entered: make(chan struct{}), gate: make(chan struct{})}
	other := engine.New(env.Engine.DB, env.Engine.Config, rail.NewRegistry(gated), env.Ledger, zap.NewNop())
	other.Now = env.Clock.Now

	type result struct {
		snap engine.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := other.Submit(env.Ctx, id, engine.Event{Type: domain.EventApproveMilestone, ActorID: "funder-1"})
		done <- result{snap, err}
	}()
	<-gated.entered

	ctx, cancel := context.WithTimeout(env.Ctx, 200*time.Millisecond)
	defer cancel()
	_, err := env.Engine.Submit(ctx, id, engine.Event{Type: domain.EventInitiateDispute, ActorID: "lab-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	open, err := env.Engine.Repo.OpenIntents(env.Ctx, id)
	require.NoError(t, err)
	assert.Len(t, open, 1, "in-flight release is left to its owner")

	close(gated.gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "active_research", res.snap.Label)
	assert.Len(t, env.releases(t, id, "release"), 1)
	holder, err := env.Engine.Repo.LeaseHolder(env.Ctx, id)
	require.NoError(t, err)
	assert.Empty(t, holder)

	snap := env.submit(t, id, engine.Event{Type: domain.EventSubmitMilestone, ActorID: "lab-1"})
	assert.Equal(t, "milestone_review", snap.Label)
}
