package rail

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// StakeVault holds lab stakes posted with proposals. Slashing moves part of a stake to
// the beneficiary (the funder) once per (bounty, key).
type StakeVault interface {
	Slash(ctx context.Context, req SlashRequest) (SlashReceipt, error)
	Slashed(ctx context.Context, bountyID, key string) (bool, error)
}

type SlashRequest struct {
	BountyID       string
	Key            string
	LabID          string
	BeneficiaryRef string
	Amount         float64
}

type SlashReceipt struct {
	TxRef  string    `json:"tx_ref"`
	Amount float64   `json:"amount"`
	At     time.Time `json:"at"`
}

// Slash implements StakeVault on the sandbox ledger.
func (l Ledger) Slash(ctx context.Context, req SlashRequest) (SlashReceipt, error) {
	if req.Amount <= 0 {
		return SlashReceipt{}, newError(KindInsufficientLockedBalance, "slash amount must be positive")
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return SlashReceipt{}, &Error{Kind: KindUnavailable, Op: "slash", Err: err}
	}
	defer tx.Rollback()

	var prev SlashReceipt
	var created string
	err = tx.QueryRowContext(ctx, `SELECT tx_ref,amount,created_at FROM stake_slashes WHERE bounty_id=? AND op_key=?`, req.BountyID, req.Key).
		Scan(&prev.TxRef, &prev.Amount, &created)
	if err == nil {
		prev.At, _ = time.Parse(time.RFC3339Nano, created)
		r := Receipt{TxRef: prev.TxRef, Key: req.Key, At: prev.At}
		return prev, &Error{Kind: KindAlreadySlashed, Op: "slash", Msg: fmt.Sprintf("stake for %s already slashed", req.Key), Receipt: &r}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return SlashReceipt{}, &Error{Kind: KindUnavailable, Op: "slash", Err: err}
	}

	sum := sha256.Sum256([]byte("slash:" + req.BountyID + ":" + req.Key))
	out := SlashReceipt{TxRef: "sl_" + hex.EncodeToString(sum[:12]), Amount: req.Amount, At: l.now().UTC()}
	if _, err := tx.ExecContext(ctx, `INSERT INTO stake_slashes(bounty_id,op_key,lab_id,beneficiary_ref,amount,tx_ref,created_at) VALUES (?,?,?,?,?,?,?)`,
		req.BountyID, req.Key, req.LabID, req.BeneficiaryRef, req.Amount, out.TxRef, out.At.Format(time.RFC3339Nano)); err != nil {
		return SlashReceipt{}, &Error{Kind: KindUnavailable, Op: "slash", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return SlashReceipt{}, &Error{Kind: KindUnavailable, Op: "slash", Err: err}
	}
	return out, nil
}

// Slashed reports whether a slash was recorded for (bounty, key).
func (l Ledger) Slashed(ctx context.Context, bountyID, key string) (bool, error) {
	var n int
	if err := l.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM stake_slashes WHERE bounty_id=? AND op_key=?`, bountyID, key).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
