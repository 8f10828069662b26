package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion means another writer committed a newer version of the bounty.
	ErrStaleVersion = errors.New("bounty was modified concurrently")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const bountySelect = `SELECT version,on_hold,context_json FROM bounties`

func scanBounty(row *sql.Row) (domain.Bounty, error) {
	var b domain.Bounty
	var version int64
	var onHold int
	var raw string
	err := row.Scan(&version, &onHold, &raw)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return b, fmt.Errorf("decode bounty: %w", err)
	}
	b.Version = version
	b.OnHold = onHold == 1
	return b, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (r Repo) InsertBounty(ctx context.Context, tx *sql.Tx, b domain.Bounty) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bounty: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO bounties(id,funder_id,title,payment_method,state,sub_state,version,on_hold,state_entered_at,created_at,updated_at,context_json) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.FunderID, b.Title, string(b.PaymentMethod), string(b.State), string(b.SubState), b.Version, boolInt(b.OnHold),
		ts(b.StateEnteredAt), ts(b.CreatedAt), ts(b.UpdatedAt), string(data))
	return err
}

func (r Repo) GetBounty(ctx context.Context, id string) (domain.Bounty, error) {
	return scanBounty(r.DB.QueryRowContext(ctx, bountySelect+` WHERE id=?`, id))
}

func (r Repo) GetBountyTx(ctx context.Context, tx *sql.Tx, id string) (domain.Bounty, error) {
	return scanBounty(tx.QueryRowContext(ctx, bountySelect+` WHERE id=?`, id))
}

// UpdateBounty writes b if the stored version still equals expected. b.Version must
// already hold the new version.
func (r Repo) UpdateBounty(ctx context.Context, tx *sql.Tx, b domain.Bounty, expected int64) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bounty: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE bounties SET title=?,state=?,sub_state=?,version=?,on_hold=?,state_entered_at=?,updated_at=?,context_json=? WHERE id=? AND version=?`,
		b.Title, string(b.State), string(b.SubState), b.Version, boolInt(b.OnHold), ts(b.StateEnteredAt), ts(b.UpdatedAt), string(data), b.ID, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleVersion
	}
	return nil
}

type BountyFilters struct {
	State    string
	FunderID string
	Limit    int
	// Cursor pages by created_at/id descending.
	CursorCreatedAt string
	CursorID        string
}

// BountySummary is the list view of a bounty.
type BountySummary struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	FunderID      string `json:"funder_id"`
	PaymentMethod string `json:"payment_method"`
	State         string `json:"state"`
	SubState      string `json:"sub_state,omitempty"`
	Version       int64  `json:"version"`
	OnHold        bool   `json:"on_hold"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

func (r Repo) ListBounties(ctx context.Context, f BountyFilters) ([]BountySummary, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.FunderID != "" {
		clauses = append(clauses, "funder_id=?")
		args = append(args, f.FunderID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,title,funder_id,payment_method,state,sub_state,version,on_hold,created_at,updated_at FROM bounties ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []BountySummary
	for rows.Next() {
		var s BountySummary
		var onHold int
		if err := rows.Scan(&s.ID, &s.Title, &s.FunderID, &s.PaymentMethod, &s.State, &s.SubState, &s.Version, &onHold, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.OnHold = onHold == 1
		res = append(res, s)
	}
	return res, rows.Err()
}

// BountyIDsInStates returns ids of bounties in any of the given states, oldest first.
// The watchdog re-checks every candidate under the bounty lock.
func (r Repo) BountyIDsInStates(ctx context.Context, states ...domain.State) ([]string, error) {
	if len(states) == 0 {
		return nil, nil
	}
	marks := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		marks[i] = "?"
		args[i] = string(s)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM bounties WHERE on_hold=0 AND state IN (`+strings.Join(marks, ",")+`) ORDER BY state_entered_at ASC`, args...)
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

// Release is one row of the persisted release ledger.
type Release struct {
	BountyID     string `json:"bounty_id"`
	Key          string `json:"key"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount_units"`
	RecipientRef string `json:"recipient_ref"`
	TxRef        string `json:"tx_ref"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// InsertRelease records a fund movement. The unique (bounty, kind, key) constraint
// rejects a second release for the same milestone.
func (r Repo) InsertRelease(ctx context.Context, tx *sql.Tx, rel Release) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrow_releases(bounty_id,schedule_key,kind,amount_units,recipient_ref,tx_ref,created_at) VALUES (?,?,?,?,?,?,?)`,
		rel.BountyID, rel.Key, rel.Kind, rel.Amount, rel.RecipientRef, rel.TxRef, rel.CreatedAt)
	return err
}

func (r Repo) ListReleases(ctx context.Context, bountyID string) ([]Release, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT bounty_id,schedule_key,kind,amount_units,recipient_ref,tx_ref,created_at FROM escrow_releases WHERE bounty_id=? ORDER BY id ASC`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Release
	for rows.Next() {
		var rel Release
		if err := rows.Scan(&rel.BountyID, &rel.Key, &rel.Kind, &rel.Amount, &rel.RecipientRef, &rel.TxRef, &rel.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}
