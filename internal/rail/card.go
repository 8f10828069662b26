package rail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"bountyline/internal/domain"
	"bountyline/internal/money"
)

// Card settles escrow as a captured payment intent. Amounts are cents and every release
// pays the lab net of the platform fee.
type Card struct {
	Ledger   Ledger
	currency string
}

func NewCard(l Ledger, currency string) *Card {
	if currency == "" {
		currency = "USD"
	}
	return &Card{Ledger: l, currency: currency}
}

func (c *Card) Method() domain.PaymentMethod { return domain.PaymentCard }
func (c *Card) Currency() string             { return c.currency }
func (c *Card) Decimals() int                { return money.CardDecimals }

// ValidateRecipient accepts connected account ids (acct_...).
func (c *Card) ValidateRecipient(ref string) error {
	if !validStripeID(ref, "acct_") {
		return &Error{Kind: KindRecipientInvalid, Rail: c.Method(), Op: "validate", Msg: "recipient must be a connected account id (acct_...)"}
	}
	return nil
}

func validStripeID(ref, prefix string) bool {
	if !strings.HasPrefix(ref, prefix) || len(ref) <= len(prefix) {
		return false
	}
	for _, r := range ref[len(prefix):] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func (c *Card) ref(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return prefix + hex.EncodeToString(sum[:12])
}

func (c *Card) EscrowRef(bountyID string) string { return c.ref("pi_", "card", bountyID) }

func (c *Card) Lock(ctx context.Context, req LockRequest) (Lock, error) {
	if !validStripeID(req.PayerRef, "pm_") && !validStripeID(req.PayerRef, "cus_") {
		return Lock{}, &Error{Kind: KindInvalidPayer, Rail: c.Method(), Op: "lock", Msg: "payer must be a payment method (pm_...) or customer (cus_...)"}
	}
	if req.Amount <= 0 {
		return Lock{}, &Error{Kind: KindInsufficientFunds, Rail: c.Method(), Op: "lock", Msg: "amount must be positive"}
	}
	l, err := c.Ledger.open(ctx, c.Method(), c.EscrowRef(req.BountyID), c.currency, req)
	return l, tag(err, c.Method(), "lock")
}

func (c *Card) Verify(ctx context.Context, escrowRef string) (Verification, error) {
	v, err := c.Ledger.verify(ctx, escrowRef)
	return v, tag(err, c.Method(), "verify")
}

func (c *Card) Release(ctx context.Context, req ReleaseRequest) (Receipt, error) {
	if err := c.ValidateRecipient(req.RecipientRef); err != nil {
		return Receipt{}, err
	}
	_, fee := money.CardSplit(req.Amount)
	r, err := c.Ledger.move(ctx, movement{
		EscrowRef:    req.EscrowRef,
		Kind:         movementRelease,
		Key:          req.Key,
		Amount:       req.Amount,
		Fee:          fee,
		RecipientRef: req.RecipientRef,
		TxRef:        c.ref("tr_", req.EscrowRef, req.Key),
	})
	return r, tag(err, c.Method(), "release")
}

func (c *Card) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	r, err := c.Ledger.move(ctx, movement{
		EscrowRef:    req.EscrowRef,
		Kind:         movementRefund,
		Key:          req.Key,
		Amount:       req.Amount,
		RecipientRef: req.PayerRef,
		TxRef:        c.ref("re_", req.EscrowRef, req.Key),
	})
	return r, tag(err, c.Method(), "refund")
}

func (c *Card) Balance(ctx context.Context, escrowRef string) (Balance, error) {
	b, err := c.Ledger.balance(ctx, escrowRef)
	return b, tag(err, c.Method(), "balance")
}

// tag stamps rail and op onto ledger errors.
func tag(err error, m domain.PaymentMethod, op string) error {
	if err == nil {
		return nil
	}
	if re, ok := err.(*Error); ok {
		if re.Rail == "" {
			re.Rail = m
		}
		if re.Op == "" {
			re.Op = op
		}
		return re
	}
	return &Error{Kind: KindUnavailable, Rail: m, Op: op, Err: err}
}
