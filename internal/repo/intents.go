package repo

import (
	"context"
	"database/sql"
	"time"
)

const (
	IntentOpen     = "open"
	IntentDone     = "done"
	IntentAborted  = "aborted"
	IntentMismatch = "mismatch"
)

// Intent journals one planned fund movement before the rail is called.
type Intent struct {
	ID          string
	BountyID    string
	BaseVersion int64
	Op          string
	Key         string
	Amount      int64
	EventJSON   string
	Status      string
	Detail      string
	CreatedAt   string
}

// InsertIntents commits the journal entries for one transition attempt.
func (r Repo) InsertIntents(ctx context.Context, intents []Intent) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, in := range intents {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settlement_intents(id,bounty_id,base_version,op,op_key,amount_units,event_json,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			in.ID, in.BountyID, in.BaseVersion, in.Op, in.Key, in.Amount, in.EventJSON, IntentOpen, in.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) OpenIntents(ctx context.Context, bountyID string) ([]Intent, error) {
	return r.openIntents(ctx, r.DB, bountyID)
}

func (r Repo) openIntents(ctx context.Context, q querier, bountyID string) ([]Intent, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,bounty_id,base_version,op,op_key,amount_units,event_json,status,detail,created_at FROM settlement_intents WHERE bounty_id=? AND status=? ORDER BY created_at ASC, rowid ASC`, bountyID, IntentOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Intent
	for rows.Next() {
		var in Intent
		if err := rows.Scan(&in.ID, &in.BountyID, &in.BaseVersion, &in.Op, &in.Key, &in.Amount, &in.EventJSON, &in.Status, &in.Detail, &in.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// BountiesWithOpenIntents lists bounties whose last transition attempt is unresolved.
func (r Repo) BountiesWithOpenIntents(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT bounty_id FROM settlement_intents WHERE status=? ORDER BY bounty_id`, IntentOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResolveIntents closes intents. tx may be nil to write outside a transaction.
func (r Repo) ResolveIntents(ctx context.Context, tx *sql.Tx, ids []string, status, detail string, at time.Time) error {
	var q querier = r.DB
	if tx != nil {
		q = tx
	}
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE settlement_intents SET status=?,detail=?,resolved_at=? WHERE id=? AND status=?`,
			status, detail, ts(at), id, IntentOpen); err != nil {
			return err
		}
	}
	return nil
}
