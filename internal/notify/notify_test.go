package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func appendEvent(t *testing.T, conn *sql.DB, typ, from, to string) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, events.Writer{}.Append(ctx, tx, events.Record{Type: typ, BountyID: "b1", FromState: from, ToState: to, ActorID: "funder"}))
	require.NoError(t, tx.Commit())
}

type receiver struct {
	mu       sync.Mutex
	fail     bool
	received []domain.Notification
	sigs     []string
}

func (rc *receiver) setFail(v bool) {
	rc.mu.Lock()
	rc.fail = v
	rc.mu.Unlock()
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.fail {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var n domain.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rc.received = append(rc.received, n)
	rc.sigs = append(rc.sigs, r.Header.Get("X-Bountyline-Signature"))
	w.WriteHeader(http.StatusNoContent)
}

func TestDispatchDeliversInOrderAndRetries(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	hook := config.Webhook{ID: "ops", URL: srv.URL, Secret: "s3cret", Events: []string{"APPROVE_MILESTONE", "BIDDING_EXPIRED"}}
	d := New(r, []config.Webhook{hook}, nil)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	appendEvent(t, r.DB, "APPROVE_MILESTONE", "milestone_review", "active_research")
	appendEvent(t, r.DB, "SUBMIT_MILESTONE", "active_research", "milestone_review")
	appendEvent(t, r.DB, "BIDDING_EXPIRED", "bidding.open", "refunding")

	rc.setFail(true)
	_, err = d.DispatchOnce(ctx)
	require.Error(t, err)
	cur, _, err := r.WebhookCursor(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur)

	rc.setFail(false)
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	require.Len(t, rc.received, 2)
	assert.Equal(t, "APPROVE_MILESTONE", rc.received[0].Event)
	assert.Equal(t, "BIDDING_EXPIRED", rc.received[1].Event)
	assert.Equal(t, "bidding.open", rc.received[1].FromState)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, rc.sigs[0])
}

func TestDispatchSkipsHistoryForNewWebhook(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	appendEvent(t, r.DB, "BOUNTY_CREATED", "", "drafting")
	d := New(r, []config.Webhook{{URL: srv.URL}}, nil)
	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	appendEvent(t, r.DB, "SUBMIT_DRAFT", "drafting", "pending_review")
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, ok, err := r.WebhookCursor(ctx, srv.URL)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), cur)
}

func TestSignIsStable(t *testing.T) {
	assert.Equal(t, Sign("k", []byte("body")), Sign("k", []byte("body")))
	assert.NotEqual(t, Sign("k", []byte("body")), Sign("other", []byte("body")))
}
