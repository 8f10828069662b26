package rail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bountyline/internal/domain"
)

const (
	movementRelease = "release"
	movementRefund  = "refund"
)

// Ledger is the SQL-backed custody book the sandbox adapters settle against. It keeps one
// row per escrow and one row per movement; uniqueness on (escrow, kind, key) is what makes
// release and refund idempotent.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

type ledgerEscrow struct {
	Ref       string
	Rail      domain.PaymentMethod
	BountyID  string
	PayerRef  string
	Currency  string
	Locked    int64
	Released  int64
	Refunded  int64
	CreatedAt string
}

func (e ledgerEscrow) available() int64 { return e.Locked - e.Released - e.Refunded }

type movement struct {
	EscrowRef    string
	Kind         string
	Key          string
	Amount       int64
	Fee          int64
	RecipientRef string
	TxRef        string
	CreatedAt    time.Time
}

func (m movement) receipt() Receipt {
	return Receipt{
		TxRef:        m.TxRef,
		Key:          m.Key,
		Amount:       m.Amount,
		Net:          m.Amount - m.Fee,
		Fee:          m.Fee,
		RecipientRef: m.RecipientRef,
		At:           m.CreatedAt,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Fund credits a payer account on a rail. Payers without an account are treated as an
// external source with no balance check.
func (l Ledger) Fund(ctx context.Context, rail domain.PaymentMethod, payerRef string, units int64) error {
	_, err := l.DB.ExecContext(ctx, `INSERT INTO rail_accounts(rail,ref,balance_units) VALUES (?,?,?)
ON CONFLICT(rail,ref) DO UPDATE SET balance_units=balance_units+excluded.balance_units`, string(rail), payerRef, units)
	return err
}

// AccountBalance returns the payer account balance, or false when none exists.
func (l Ledger) AccountBalance(ctx context.Context, rail domain.PaymentMethod, payerRef string) (int64, bool, error) {
	var bal int64
	err := l.DB.QueryRowContext(ctx, `SELECT balance_units FROM rail_accounts WHERE rail=? AND ref=?`, string(rail), payerRef).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return bal, err == nil, err
}

func (l Ledger) open(ctx context.Context, rail domain.PaymentMethod, ref, currency string, req LockRequest) (Lock, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return Lock{}, &Error{Kind: KindUnavailable, Err: err}
	}
	defer tx.Rollback()

	existing, err := scanEscrow(tx.QueryRowContext(ctx, escrowSelect+` WHERE rail=? AND bounty_id=?`, string(rail), req.BountyID))
	if err == nil {
		return Lock{EscrowRef: existing.Ref, Amount: existing.Locked}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Lock{}, &Error{Kind: KindUnavailable, Err: err}
	}

	var bal int64
	err = tx.QueryRowContext(ctx, `SELECT balance_units FROM rail_accounts WHERE rail=? AND ref=?`, string(rail), req.PayerRef).Scan(&bal)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Lock{}, &Error{Kind: KindUnavailable, Err: err}
	case bal < req.Amount:
		return Lock{}, newError(KindInsufficientFunds, "payer %s holds %d, needs %d", req.PayerRef, bal, req.Amount)
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE rail_accounts SET balance_units=balance_units-? WHERE rail=? AND ref=?`, req.Amount, string(rail), req.PayerRef); err != nil {
			return Lock{}, &Error{Kind: KindUnavailable, Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO rail_escrows(ref,rail,bounty_id,payer_ref,currency,locked_units,created_at) VALUES (?,?,?,?,?,?,?)`,
		ref, string(rail), req.BountyID, req.PayerRef, currency, req.Amount, l.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return Lock{}, &Error{Kind: KindUnavailable, Err: fmt.Errorf("insert escrow: %w", err)}
	}
	if err := tx.Commit(); err != nil {
		return Lock{}, &Error{Kind: KindUnavailable, Err: err}
	}
	return Lock{EscrowRef: ref, Amount: req.Amount, Created: true}, nil
}

func (l Ledger) escrow(ctx context.Context, ref string) (ledgerEscrow, error) {
	e, err := scanEscrow(l.DB.QueryRowContext(ctx, escrowSelect+` WHERE ref=?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return ledgerEscrow{}, newError(KindUnknownEscrow, "escrow %s not found", ref)
	}
	if err != nil {
		return ledgerEscrow{}, &Error{Kind: KindUnavailable, Err: err}
	}
	return e, nil
}

// move applies a release or refund once per (escrow, kind, key).
func (l Ledger) move(ctx context.Context, m movement) (Receipt, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, &Error{Kind: KindUnavailable, Err: err}
	}
	defer tx.Rollback()

	e, err := scanEscrow(tx.QueryRowContext(ctx, escrowSelect+` WHERE ref=?`, m.EscrowRef))
	if errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, newError(KindUnknownEscrow, "escrow %s not found", m.EscrowRef)
	}
	if err != nil {
		return Receipt{}, &Error{Kind: KindUnavailable, Err: err}
	}

	prev, err := scanMovement(tx.QueryRowContext(ctx, movementSelect+` WHERE escrow_ref=? AND kind=? AND op_key=?`, m.EscrowRef, m.Kind, m.Key))
	if err == nil {
		r := prev.receipt()
		kind := KindAlreadyReleased
		if m.Kind == movementRefund {
			kind = KindAlreadyRefunded
		}
		return Receipt{}, &Error{Kind: kind, Msg: fmt.Sprintf("%s %s already applied as %s", m.Kind, m.Key, prev.TxRef), Receipt: &r}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, &Error{Kind: KindUnavailable, Err: err}
	}
	if m.Amount <= 0 {
		return Receipt{}, newError(KindInsufficientLockedBalance, "%s amount must be positive", m.Kind)
	}
	if e.available() < m.Amount {
		return Receipt{}, newError(KindInsufficientLockedBalance, "escrow %s holds %d, %s needs %d", m.EscrowRef, e.available(), m.Kind, m.Amount)
	}

	m.CreatedAt = l.now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO rail_movements(escrow_ref,kind,op_key,amount_units,fee_units,recipient_ref,tx_ref,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.EscrowRef, m.Kind, m.Key, m.Amount, m.Fee, m.RecipientRef, m.TxRef, m.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return Receipt{}, &Error{Kind: KindUnavailable, Err: fmt.Errorf("insert movement: %w", err)}
	}
	col := "released_units"
	if m.Kind == movementRefund {
		col = "refunded_units"
		if _, err := tx.ExecContext(ctx, `UPDATE rail_accounts SET balance_units=balance_units+? WHERE rail=? AND ref=?`, m.Amount, string(e.Rail), e.PayerRef); err != nil {
			return Receipt{}, &Error{Kind: KindUnavailable, Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rail_escrows SET `+col+`=`+col+`+? WHERE ref=?`, m.Amount, m.EscrowRef); err != nil {
		return Receipt{}, &Error{Kind: KindUnavailable, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, &Error{Kind: KindUnavailable, Err: err}
	}
	return m.receipt(), nil
}

func (l Ledger) balance(ctx context.Context, ref string) (Balance, error) {
	e, err := l.escrow(ctx, ref)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Total: e.Locked, Locked: e.available(), Released: e.Released, Refunded: e.Refunded}, nil
}

func (l Ledger) verify(ctx context.Context, ref string) (Verification, error) {
	e, err := l.escrow(ctx, ref)
	if err != nil {
		var re *Error
		if errors.As(err, &re) && re.Kind == KindUnknownEscrow {
			return Verification{}, nil
		}
		return Verification{}, err
	}
	return Verification{Locked: true, Amount: e.Locked}, nil
}

const escrowSelect = `SELECT ref,rail,bounty_id,payer_ref,currency,locked_units,released_units,refunded_units,created_at FROM rail_escrows`

const movementSelect = `SELECT escrow_ref,kind,op_key,amount_units,fee_units,recipient_ref,tx_ref,created_at FROM rail_movements`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (ledgerEscrow, error) {
	var e ledgerEscrow
	var rail string
	if err := row.Scan(&e.Ref, &rail, &e.BountyID, &e.PayerRef, &e.Currency, &e.Locked, &e.Released, &e.Refunded, &e.CreatedAt); err != nil {
		return ledgerEscrow{}, err
	}
	e.Rail = domain.PaymentMethod(rail)
	return e, nil
}

func scanMovement(row rowScanner) (movement, error) {
	var m movement
	var created string
	if err := row.Scan(&m.EscrowRef, &m.Kind, &m.Key, &m.Amount, &m.Fee, &m.RecipientRef, &m.TxRef, &created); err != nil {
		return movement{}, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return m, nil
}
