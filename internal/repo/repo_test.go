package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/migrate"
)

func openRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func insert(t *testing.T, r Repo, b domain.Bounty) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.InsertBounty(ctx, tx, b))
	require.NoError(t, tx.Commit())
}

func bounty(id string, state domain.State, created time.Time) domain.Bounty {
	return domain.Bounty{
		ID:             id,
		FunderID:       "funder-1",
		Title:          "Study " + id,
		Budget:         100,
		Currency:       "USD",
		PaymentMethod:  domain.PaymentCard,
		State:          state,
		Version:        1,
		StateEnteredAt: created,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestBountyVersioning(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	insert(t, r, bounty("b1", domain.StateDrafting, now))

	_, err := r.GetBounty(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	b, err := r.GetBounty(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Version)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	b.State = domain.StateBidding
	b.Version = 2
	b.OnHold = true
	require.NoError(t, r.UpdateBounty(ctx, tx, b, 1))
	require.NoError(t, tx.Commit())

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	b.Version = 3
	assert.ErrorIs(t, r.UpdateBounty(ctx, tx, b, 1), ErrStaleVersion)
	tx.Rollback()

	got, err := r.GetBounty(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateBidding, got.State)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.OnHold)

	ids, err := r.BountyIDsInStates(ctx, domain.StateBidding)
	require.NoError(t, err)
	assert.Empty(t, ids, "held bounties are skipped")
}

func TestListBountiesPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	insert(t, r, bounty("b1", domain.StateDrafting, base))
	insert(t, r, bounty("b2", domain.StateBidding, base.Add(time.Minute)))
	insert(t, r, bounty("b3", domain.StateDrafting, base.Add(2*time.Minute)))

	page, err := r.ListBounties(ctx, BountyFilters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b3", page[0].ID)
	assert.Equal(t, "b2", page[1].ID)

	rest, err := r.ListBounties(ctx, BountyFilters{Limit: 2, CursorCreatedAt: page[1].CreatedAt, CursorID: page[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b1", rest[0].ID)

	drafts, err := r.ListBounties(ctx, BountyFilters{State: string(domain.StateDrafting)})
	require.NoError(t, err)
	assert.Len(t, drafts, 2)
}

func TestReleasesAreUniquePerKey(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	insert(t, r, bounty("b1", domain.StateBidding, time.Now()))

	rel := Release{BountyID: "b1", Key: "m1", Kind: "release", Amount: 5000, RecipientRef: "acct_lab", TxRef: "tr_1", CreatedAt: "2026-03-01T12:00:00Z"}
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertRelease(ctx, tx, rel))
	require.NoError(t, tx.Commit())

	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	assert.Error(t, r.InsertRelease(ctx, tx, rel))
	tx.Rollback()

	got, err := r.ListReleases(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5000), got[0].Amount)
}

func TestIntentJournal(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	insert(t, r, bounty("b1", domain.StateBidding, time.Now()))

	require.NoError(t, r.InsertIntents(ctx, []Intent{
		{ID: "i1", BountyID: "b1", BaseVersion: 1, Op: "lock", Key: "lock", Amount: 100, EventJSON: "{}", CreatedAt: "2026-03-01T12:00:00Z"},
		{ID: "i2", BountyID: "b1", BaseVersion: 1, Op: "release", Key: "m1", Amount: 50, EventJSON: "{}", CreatedAt: "2026-03-01T12:00:01Z"},
	}))
	open, err := r.OpenIntents(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "i1", open[0].ID)
	assert.Equal(t, IntentOpen, open[0].Status)

	ids, err := r.BountiesWithOpenIntents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids)

	require.NoError(t, r.ResolveIntents(ctx, nil, []string{"i1", "i2"}, IntentDone, "", time.Now()))
	open, err = r.OpenIntents(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestWebhookCursor(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	_, ok, err := r.WebhookCursor(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetWebhookCursor(ctx, "ops", 4, time.Now()))
	require.NoError(t, r.SetWebhookCursor(ctx, "ops", 9, time.Now()))
	id, ok, err := r.WebhookCursor(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)
}

func TestBountyLease(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := r.AcquireLease(ctx, "b1", "node-a", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.AcquireLease(ctx, "b1", "node-a", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	ok, err = r.AcquireLease(ctx, "b1", "node-b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, r.ReleaseLease(ctx, "b1", "node-b"))
	holder, err := r.LeaseHolder(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", holder, "only the holder can release")

	ok, err = r.AcquireLease(ctx, "b1", "node-b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, r.ReleaseLease(ctx, "b1", "node-b"))
	holder, err = r.LeaseHolder(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, holder)
}
