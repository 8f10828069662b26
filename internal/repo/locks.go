package repo

import (
	"context"
	"database/sql"
	"time"
)

// AcquireLease takes the cross-process lease on a bounty for owner, or renews it when
// owner already holds it. It reports false without waiting when another owner holds an
// unexpired lease. Expiry is stored as unix milliseconds.
func (r Repo) AcquireLease(ctx context.Context, bountyID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	at := now.UnixMilli()
	res, err := r.DB.ExecContext(ctx, `INSERT INTO bounty_locks(bounty_id,owner,expires_at) VALUES (?,?,?)
ON CONFLICT(bounty_id) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
WHERE bounty_locks.owner=excluded.owner OR bounty_locks.expires_at<=?`, bountyID, owner, at+ttl.Milliseconds(), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (r Repo) ReleaseLease(ctx context.Context, bountyID, owner string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM bounty_locks WHERE bounty_id=? AND owner=?`, bountyID, owner)
	return err
}

// LeaseHolder returns the current lease owner of a bounty, or "" when none is recorded.
func (r Repo) LeaseHolder(ctx context.Context, bountyID string) (string, error) {
	var owner string
	err := r.DB.QueryRowContext(ctx, `SELECT owner FROM bounty_locks WHERE bounty_id=?`, bountyID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return owner, err
}
