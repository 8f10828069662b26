package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/rail"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (engine.Engine, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clk := &clock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	ledger := rail.Ledger{DB: conn, Now: clk.Now}
	eng := engine.New(conn, config.Default(), rail.NewRegistry(rail.NewCard(ledger, "USD")), ledger, nil)
	eng.Now = clk.Now
	return eng, clk
}

func drive(t *testing.T, eng engine.Engine, events ...engine.Event) string {
	t.Helper()
	ctx := context.Background()
	snap, err := eng.CreateBounty(ctx, engine.CreateOptions{
		FunderID:      "funder",
		Title:         "Protein stability screen",
		Budget:        800,
		PaymentMethod: domain.PaymentCard,
		Draft: &engine.Draft{
			Methodology:      "Thermal shift assay",
			DataRequirements: []string{"melt curves"},
			Milestones: []engine.MilestoneInput{
				{Title: "Pilot", PayoutPercentage: 50, DueInDays: 5},
				{Title: "Full screen", PayoutPercentage: 50, DueInDays: 40},
			},
		},
	})
	require.NoError(t, err)
	id := snap.Bounty.ID
	for _, evt := range events {
		if evt.Type == domain.EventSelectLab {
			cur, err := eng.Snapshot(ctx, id)
			require.NoError(t, err)
			evt.ProposalID = cur.Bounty.Proposals[0].ID
		}
		_, err := eng.Submit(ctx, id, evt)
		require.NoError(t, err, "%s", evt.Type)
	}
	return id
}

var (
	toReview  = []engine.Event{{Type: domain.EventSubmitDraft, ActorID: "funder"}}
	toBidding = append(toReview,
		engine.Event{Type: domain.EventAdminApprove, ActorID: "admin"},
		engine.Event{Type: domain.EventInitiateFunding, ActorID: "funder", PayerRef: "pm_card"},
		engine.Event{Type: domain.EventFundingConfirmed, ActorID: "funder"},
	)
	toResearch = append(append([]engine.Event(nil), toBidding...),
		engine.Event{Type: domain.EventSubmitProposal, ActorID: "lab", Proposal: &engine.ProposalInput{
			BidAmount: 800, StakedAmount: 40, TimelineDays: 20, VerificationTier: domain.TierInstitutional, PayoutRef: "acct_lab",
		}},
		engine.Event{Type: domain.EventSelectLab, ActorID: "funder"},
	)
)

func TestSweepAppliesEveryCheck(t *testing.T) {
	eng, clk := setup(t)
	ctx := context.Background()
	review := drive(t, eng, toReview...)
	bidding := drive(t, eng, toBidding...)
	research := drive(t, eng, toResearch...)

	w := Watchdog{Engine: eng, Config: config.Watchdog{Concurrency: 3, RecoverOnSweep: true}}
	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)

	clk.advance(21 * 24 * time.Hour)
	report, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, 1, report.OverdueMilestones)
	assert.Equal(t, 1, report.BiddingExpired)
	assert.Equal(t, 1, report.DeadlinesExpired)
	assert.Equal(t, 1, report.StaleReviews)

	snap, err := eng.Snapshot(ctx, bidding)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", snap.Label)
	snap, err = eng.Snapshot(ctx, research)
	require.NoError(t, err)
	assert.Equal(t, "deadline_breach", snap.Label)
	assert.True(t, snap.Bounty.Milestones[0].Overdue)
	snap, err = eng.Snapshot(ctx, review)
	require.NoError(t, err)
	assert.NotNil(t, snap.Bounty.Review.EscalatedAt)

	// A second sweep finds nothing new.
	report, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestRunStopsWithContext(t *testing.T) {
	eng, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watchdog{Engine: eng, Config: config.Watchdog{Interval: time.Millisecond}}.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}
