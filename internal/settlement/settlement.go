// Package settlement owns the escrow record of a bounty: it converts the budget into rail
// base units once, derives the release schedule from milestone percentages, and applies
// lock, release, refund and stake-slash effects through the rail adapters.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/money"
	"bountyline/internal/rail"
)

type Op string

const (
	OpLock    Op = "lock"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
	OpSlash   Op = "slash"
)

// Effect is one planned fund movement. Key identifies the movement on the rail: the
// bounty id for a lock, the schedule key for a release, the refund/slash reason otherwise.
type Effect struct {
	Op          Op      `json:"op"`
	Key         string  `json:"key"`
	Amount      int64   `json:"amount_units,omitempty"`
	SlashAmount float64 `json:"slash_amount,omitempty"`
	Recipient   string  `json:"recipient,omitempty"`
	LabID       string  `json:"lab_id,omitempty"`
}

// DisputeKey is the schedule key of a dispute resolution release.
func DisputeKey(disputeID string) string { return "dispute:" + disputeID }

// Engine applies effects to a bounty's escrow record.
type Engine struct {
	Rails  *rail.Registry
	Stakes rail.StakeVault
	Logger *zap.Logger
	Now    func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// MismatchError reports that a rail disagrees with the engine's escrow record.
type MismatchError struct {
	Op     Op
	Key    string
	Detail string
}

func (m *MismatchError) Error() string {
	return fmt.Sprintf("escrow mismatch on %s %s: %s", m.Op, m.Key, m.Detail)
}

// LockAmount converts the bounty budget into base units of its rail. This is the only
// place a human amount is converted.
func (e Engine) LockAmount(b domain.Bounty) (int64, error) {
	a, err := e.Rails.Get(b.PaymentMethod)
	if err != nil {
		return 0, err
	}
	units, err := money.ToBaseUnits(b.Budget, a.Decimals())
	if err != nil {
		return 0, fmt.Errorf("budget: %w", err)
	}
	if units <= 0 {
		return 0, errors.New("budget must be positive")
	}
	return units, nil
}

// Schedule builds release entries from milestone percentages; the entries sum to total.
func Schedule(total int64, milestones []domain.Milestone) []domain.ReleaseEntry {
	pcts := make([]float64, len(milestones))
	for i, m := range milestones {
		pcts[i] = m.PayoutPercentage
	}
	amounts := money.Allocate(total, pcts)
	out := make([]domain.ReleaseEntry, len(milestones))
	for i, m := range milestones {
		out[i] = domain.ReleaseEntry{Key: m.ID, Amount: amounts[i]}
	}
	return out
}

// Entry finds a schedule entry by key.
func Entry(esc *domain.EscrowDetails, key string) (*domain.ReleaseEntry, bool) {
	for i := range esc.Schedule {
		if esc.Schedule[i].Key == key {
			return &esc.Schedule[i], true
		}
	}
	return nil, false
}

// AddResolutionEntry appends a release entry for a dispute outcome. The entry amount is
// carved out of the remaining unreleased schedule: pending milestone entries are dropped.
func AddResolutionEntry(esc *domain.EscrowDetails, key string, amount int64) {
	kept := esc.Schedule[:0]
	for _, r := range esc.Schedule {
		if r.ReleasedAt != nil {
			kept = append(kept, r)
		}
	}
	esc.Schedule = append(kept, domain.ReleaseEntry{Key: key, Amount: amount})
}

// Unreleased returns the keys of schedule entries not yet paid, in schedule order.
func Unreleased(esc *domain.EscrowDetails) []domain.ReleaseEntry {
	var out []domain.ReleaseEntry
	for _, r := range esc.Schedule {
		if r.ReleasedAt == nil {
			out = append(out, r)
		}
	}
	return out
}

// Apply performs one effect and records the result on b. In recovery mode an
// already_* answer whose receipt matches the effect counts as success.
func (e Engine) Apply(ctx context.Context, b *domain.Bounty, eff Effect, recovery bool) error {
	switch eff.Op {
	case OpLock:
		return e.lock(ctx, b, eff)
	case OpRelease:
		return e.release(ctx, b, eff, recovery)
	case OpRefund:
		return e.refund(ctx, b, eff, recovery)
	case OpSlash:
		return e.slash(ctx, b, eff, recovery)
	}
	return fmt.Errorf("unknown settlement op %q", eff.Op)
}

func (e Engine) lock(ctx context.Context, b *domain.Bounty, eff Effect) error {
	a, err := e.Rails.Get(b.PaymentMethod)
	if err != nil {
		return err
	}
	lk, err := a.Lock(ctx, rail.LockRequest{BountyID: b.ID, PayerRef: eff.Recipient, Amount: eff.Amount})
	if err != nil {
		return err
	}
	if lk.Amount != eff.Amount {
		return &MismatchError{Op: OpLock, Key: b.ID, Detail: fmt.Sprintf("rail holds %d, expected %d", lk.Amount, eff.Amount)}
	}
	v, err := a.Verify(ctx, lk.EscrowRef)
	if err != nil {
		return err
	}
	if !v.Locked || v.Amount != eff.Amount {
		return &MismatchError{Op: OpLock, Key: b.ID, Detail: fmt.Sprintf("verify reported locked=%t amount=%d", v.Locked, v.Amount)}
	}
	now := e.now().UTC()
	b.Escrow = &domain.EscrowDetails{
		PaymentMethod: b.PaymentMethod,
		Currency:      a.Currency(),
		Decimals:      a.Decimals(),
		EscrowRef:     lk.EscrowRef,
		PayerRef:      eff.Recipient,
		TotalAmount:   eff.Amount,
		LockedAt:      &now,
		Schedule:      Schedule(eff.Amount, b.Milestones),
	}
	e.logger().Info("escrow locked", zap.String("bounty_id", b.ID), zap.String("escrow_ref", lk.EscrowRef), zap.Int64("units", eff.Amount))
	return nil
}

func (e Engine) release(ctx context.Context, b *domain.Bounty, eff Effect, recovery bool) error {
	esc := b.Escrow
	if esc == nil {
		return errors.New("no escrow locked")
	}
	entry, ok := Entry(esc, eff.Key)
	if !ok {
		return fmt.Errorf("no release entry for %s", eff.Key)
	}
	if entry.ReleasedAt != nil {
		return &rail.Error{Kind: rail.KindAlreadyReleased, Rail: b.PaymentMethod, Op: "release", Msg: fmt.Sprintf("%s released at %s", eff.Key, entry.ReleasedAt.Format(time.RFC3339))}
	}
	if entry.Amount != eff.Amount {
		return fmt.Errorf("release %s: planned %d but schedule holds %d", eff.Key, eff.Amount, entry.Amount)
	}
	if esc.Released()+eff.Amount > esc.TotalAmount-esc.Refunded() {
		return &rail.Error{Kind: rail.KindInsufficientLockedBalance, Rail: b.PaymentMethod, Op: "release", Msg: "release would exceed escrow total"}
	}
	a, err := e.Rails.Get(b.PaymentMethod)
	if err != nil {
		return err
	}
	r, err := a.Release(ctx, rail.ReleaseRequest{EscrowRef: esc.EscrowRef, Key: eff.Key, Amount: eff.Amount, RecipientRef: eff.Recipient})
	if err != nil {
		kind, _ := rail.KindOf(err)
		prior, has := rail.ReceiptOf(err)
		if !(recovery && kind == rail.KindAlreadyReleased && has && prior.Amount == eff.Amount) {
			return err
		}
		r = prior
	}
	at := r.At
	if at.IsZero() {
		at = e.now().UTC()
	}
	entry.ReleasedAt = &at
	entry.TxRef = r.TxRef
	entry.NetAmount = r.Net
	entry.FeeAmount = r.Fee
	e.logger().Info("escrow released", zap.String("bounty_id", b.ID), zap.String("key", eff.Key), zap.Int64("units", eff.Amount), zap.String("tx_ref", r.TxRef))
	return nil
}

func (e Engine) refund(ctx context.Context, b *domain.Bounty, eff Effect, recovery bool) error {
	esc := b.Escrow
	if esc == nil {
		return errors.New("no escrow locked")
	}
	if eff.Amount > esc.Remaining() {
		return &rail.Error{Kind: rail.KindInsufficientLockedBalance, Rail: b.PaymentMethod, Op: "refund", Msg: fmt.Sprintf("refund %d exceeds remaining %d", eff.Amount, esc.Remaining())}
	}
	a, err := e.Rails.Get(b.PaymentMethod)
	if err != nil {
		return err
	}
	r, err := a.Refund(ctx, rail.RefundRequest{EscrowRef: esc.EscrowRef, Key: eff.Key, Amount: eff.Amount, PayerRef: esc.PayerRef})
	if err != nil {
		kind, _ := rail.KindOf(err)
		prior, has := rail.ReceiptOf(err)
		if !(recovery && kind == rail.KindAlreadyRefunded && has && prior.Amount == eff.Amount) {
			return err
		}
		r = prior
	}
	at := r.At
	if at.IsZero() {
		at = e.now().UTC()
	}
	esc.Refunds = append(esc.Refunds, domain.Refund{Key: eff.Key, Amount: eff.Amount, TxRef: r.TxRef, RefundedAt: at})
	e.logger().Info("escrow refunded", zap.String("bounty_id", b.ID), zap.String("key", eff.Key), zap.Int64("units", eff.Amount))
	return nil
}

func (e Engine) slash(ctx context.Context, b *domain.Bounty, eff Effect, recovery bool) error {
	if e.Stakes == nil {
		return errors.New("stake vault not configured")
	}
	lab, ok := b.SelectedLab()
	if !ok {
		return errors.New("no selected lab to slash")
	}
	if eff.SlashAmount > lab.StakedAmount {
		return fmt.Errorf("slash %.2f exceeds stake %.2f", eff.SlashAmount, lab.StakedAmount)
	}
	_, err := e.Stakes.Slash(ctx, rail.SlashRequest{BountyID: b.ID, Key: eff.Key, LabID: lab.LabID, BeneficiaryRef: eff.Recipient, Amount: eff.SlashAmount})
	if err != nil {
		kind, _ := rail.KindOf(err)
		if !(recovery && kind == rail.KindAlreadySlashed) {
			return err
		}
	}
	lab.StakeStatus = "slashed"
	return nil
}

// Verdict classifies the journaled effects of an interrupted transition.
type Verdict string

const (
	VerdictNotApplied Verdict = "not_applied"
	VerdictApplied    Verdict = "applied"
	VerdictMismatch   Verdict = "mismatch"
)

// Reconcile compares the rail's view of b's escrow with the engine record plus the
// journaled effects. Applied means at least one effect reached the rail; NotApplied means
// none did; Mismatch means the rail matches no combination of them.
func (e Engine) Reconcile(ctx context.Context, b domain.Bounty, effects []Effect) (Verdict, string, error) {
	a, err := e.Rails.Get(b.PaymentMethod)
	if err != nil {
		return "", "", err
	}
	var moves []Effect
	applied := false
	for _, eff := range effects {
		switch eff.Op {
		case OpLock:
			v, err := a.Verify(ctx, a.EscrowRef(b.ID))
			if err != nil {
				return "", "", err
			}
			switch {
			case !v.Locked:
			case v.Amount == eff.Amount:
				applied = true
			default:
				return VerdictMismatch, fmt.Sprintf("rail locked %d, journal expected %d", v.Amount, eff.Amount), nil
			}
		case OpSlash:
			if e.Stakes == nil {
				continue
			}
			done, err := e.Stakes.Slashed(ctx, b.ID, eff.Key)
			if err != nil {
				return "", "", err
			}
			applied = applied || done
		default:
			moves = append(moves, eff)
		}
	}
	if len(moves) == 0 {
		if applied {
			return VerdictApplied, "", nil
		}
		return VerdictNotApplied, "", nil
	}
	if b.Escrow == nil {
		return VerdictMismatch, "fund movement journaled without an escrow record", nil
	}
	bal, err := a.Balance(ctx, b.Escrow.EscrowRef)
	if err != nil {
		return "", "", err
	}
	baseRel, baseRef := b.Escrow.Released(), b.Escrow.Refunded()
	if bal.Total != b.Escrow.TotalAmount {
		return VerdictMismatch, fmt.Sprintf("rail total %d, record %d", bal.Total, b.Escrow.TotalAmount), nil
	}
	// Any subset of the journaled movements may have landed before the interruption.
	matched, nonEmpty := false, false
	for mask := 0; mask < 1<<len(moves); mask++ {
		rel, ref := baseRel, baseRef
		for i, m := range moves {
			if mask&(1<<i) == 0 {
				continue
			}
			if m.Op == OpRelease {
				rel += m.Amount
			} else {
				ref += m.Amount
			}
		}
		if rel == bal.Released && ref == bal.Refunded {
			matched = true
			nonEmpty = nonEmpty || mask != 0
		}
	}
	if !matched {
		return VerdictMismatch, fmt.Sprintf("rail released=%d refunded=%d, record released=%d refunded=%d, journal %s",
			bal.Released, bal.Refunded, baseRel, baseRef, describe(moves)), nil
	}
	if applied || nonEmpty {
		return VerdictApplied, "", nil
	}
	return VerdictNotApplied, "", nil
}

func describe(effects []Effect) string {
	parts := make([]string, len(effects))
	for i, e := range effects {
		parts[i] = fmt.Sprintf("%s:%s:%d", e.Op, e.Key, e.Amount)
	}
	return strings.Join(parts, ",")
}
